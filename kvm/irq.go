package kvm

import "unsafe"

// irqLevel is struct kvm_irq_level.
type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine sets the level of an interrupt line of the in-kernel irqchip.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	irqLev := irqLevel{
		IRQ:   irq,
		Level: level,
	}

	_, err := Ioctl(vmFd, IIOW(kvmIRQLine, unsafe.Sizeof(irqLev)), uintptr(unsafe.Pointer(&irqLev)))

	return err
}

// CreateIRQChip creates the in-kernel PIC, IOAPIC and local APICs.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmCreateIRQChip), 0)

	return err
}

// MSI is struct kvm_msi.
type MSI struct {
	AddressLo uint32
	AddressHi uint32
	Data      uint32
	Flags     uint32
	DevID     uint32
	_         [12]uint8
}

// SignalMSI injects a message signaled interrupt directly, without a GSI
// route. It returns an error when the guest blocked the message.
func SignalMSI(vmFd uintptr, msi *MSI) error {
	ret, err := Ioctl(vmFd, IIOW(kvmSignalMSI, unsafe.Sizeof(*msi)), uintptr(unsafe.Pointer(msi)))
	if err != nil {
		return err
	}

	if ret == 0 {
		return ErrMSIBlocked
	}

	return nil
}
