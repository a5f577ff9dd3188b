package kvm

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var (
	// ErrCapabilityMissing is returned when the host KVM lacks a capability.
	ErrCapabilityMissing = errors.New("kvm capability missing")

	// ErrMSIBlocked is returned when the guest blocked an injected MSI.
	ErrMSIBlocked = errors.New("msi blocked by guest")
)

const (
	kvmIO = 0xAE

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

// IIO, IIOW and IIOR build ioctl request numbers the way <linux/ioctl.h> does.
func IIO(nr uintptr) uintptr {
	return ioc(iocNone, nr, 0)
}

func IIOW(nr, size uintptr) uintptr {
	return ioc(iocWrite, nr, size)
}

func IIOR(nr, size uintptr) uintptr {
	return ioc(iocRead, nr, size)
}

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | kvmIO<<8 | nr
}

const (
	kvmGetAPIVersion       = 0x00
	kvmCreateVM            = 0x01
	kvmCheckExtension      = 0x03
	kvmSetUserMemoryRegion = 0x46
	kvmCreateIRQChip       = 0x60
	kvmIRQLine             = 0x61
	kvmSignalMSI           = 0xa5
)

// Ioctl issues an ioctl and retries while it is interrupted by a signal.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == unix.EINTR {
			continue
		}

		if errno != 0 {
			return res, errno
		}

		return res, nil
	}
}

// Capability is a KVM extension queried with KVM_CHECK_EXTENSION.
type Capability uint32

const (
	CapIRQChip     Capability = 0
	CapNRMemSlots  Capability = 10
	CapIRQRouting  Capability = 25
	CapIRQFD       Capability = 32
	CapSignalMSI   Capability = 77
	CapReadonlyMem Capability = 81
)

var capabilityNames = map[Capability]string{
	CapIRQChip:     "CapIRQChip",
	CapNRMemSlots:  "CapNRMemSlots",
	CapIRQRouting:  "CapIRQRouting",
	CapIRQFD:       "CapIRQFD",
	CapSignalMSI:   "CapSignalMSI",
	CapReadonlyMem: "CapReadonlyMem",
}

func (c Capability) String() string {
	if s, ok := capabilityNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Capability(%d)", uint32(c))
}

// GetAPIVersion returns KVM_API_VERSION of the host, which is 12 on every
// kernel that matters.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CheckExtension returns the value the host reports for a capability. Zero
// means unsupported.
func CheckExtension(kvmFd uintptr, c Capability) (int, error) {
	ret, err := Ioctl(kvmFd, IIO(kvmCheckExtension), uintptr(c))

	return int(ret), err
}

// CreateVM creates a VM and returns its file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// VM is an open /dev/kvm handle plus one VM created from it.
type VM struct {
	dev  *os.File
	vmFd uintptr
}

// Open opens the KVM device at path and creates a VM with an in-kernel
// irqchip.
func Open(path string) (*VM, error) {
	dev, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	for _, c := range []Capability{CapIRQChip, CapSignalMSI} {
		ret, err := CheckExtension(dev.Fd(), c)
		if err != nil {
			dev.Close()

			return nil, fmt.Errorf("CheckExtension(%v): %w", c, err)
		}

		if ret <= 0 {
			dev.Close()

			return nil, fmt.Errorf("%w: %v", ErrCapabilityMissing, c)
		}
	}

	vmFd, err := CreateVM(dev.Fd())
	if err != nil {
		dev.Close()

		return nil, fmt.Errorf("CreateVM: %w", err)
	}

	if err := CreateIRQChip(vmFd); err != nil {
		unix.Close(int(vmFd))
		dev.Close()

		return nil, fmt.Errorf("CreateIRQChip: %w", err)
	}

	return &VM{dev: dev, vmFd: vmFd}, nil
}

// Fd returns the VM file descriptor.
func (v *VM) Fd() uintptr {
	return v.vmFd
}

func (v *VM) Close() error {
	err := unix.Close(int(v.vmFd))

	return errors.Join(err, v.dev.Close())
}
