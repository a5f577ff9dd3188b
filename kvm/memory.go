package kvm

import "unsafe"

// Flags of a memory slot.
const (
	MemLogDirtyPages = 1 << 0
	MemReadonly      = 1 << 1
)

// UserspaceMemoryRegion is struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// NewUserspaceMemoryRegion describes buf as the guest physical range
// starting at gpa. buf must stay mapped while the slot exists.
func NewUserspaceMemoryRegion(slot uint32, gpa uint64, buf []byte) UserspaceMemoryRegion {
	r := UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpa,
		MemorySize:    uint64(len(buf)),
	}

	if len(buf) > 0 {
		r.UserspaceAddr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}

	return r
}

// SetUserMemoryRegion creates, moves or, with a zero size, deletes a slot of
// the VM.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetUserMemoryRegion, unsafe.Sizeof(*region)), uintptr(unsafe.Pointer(region)))

	return err
}
