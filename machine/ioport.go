package machine

import (
	"errors"
	"fmt"
)

// I/O directions of a port access.
const (
	IOIn = iota
	IOOut
)

var (
	ErrUnexpectedIOPort    = errors.New("unexpected io port")
	errDeviceNotFoundForIO = errors.New("no pci device decodes the port")
)

type ioHandler func(m *Machine, port uint64, bytes []byte) error

func (m *Machine) initIOPortHandlers() {
	funcNone := func(m *Machine, port uint64, bytes []byte) error {
		return nil
	}

	for dir := IOIn; dir <= IOOut; dir++ {
		// Ports a stock kernel probes while booting.
		for _, r := range [][2]int{
			{0x70, 0x71},   // CMOS clock
			{0x80, 0x9f},   // DMA page registers
			{0x2f8, 0x2ff}, // serial port 2
			{0x3e8, 0x3ef}, // serial port 3
			{0x2e8, 0x2ef}, // serial port 4
			{0xcfa, 0xcfb},
			{0xc000, 0xcfff}, // PCI configuration space access mechanism #2
		} {
			for port := r[0]; port <= r[1]; port++ {
				m.ioportHandlers[port][dir] = funcNone
			}
		}
	}

	// 0xcf8 for address register for PCI Config Space
	// 0xcfc + 0xcff for data for PCI Config Space
	// see https://github.com/torvalds/linux/blob/master/arch/x86/pci/direct.c for more detail.
	m.ioportHandlers[0xcf8][IOIn] = func(m *Machine, port uint64, bytes []byte) error {
		return m.pci.PciConfAddrIn(port, bytes)
	}
	m.ioportHandlers[0xcf8][IOOut] = func(m *Machine, port uint64, bytes []byte) error {
		return m.pci.PciConfAddrOut(port, bytes)
	}

	for port := 0xcfc; port < 0xcfc+4; port++ {
		m.ioportHandlers[port][IOIn] = func(m *Machine, port uint64, bytes []byte) error {
			return m.pci.PciConfDataIn(port, bytes)
		}
		m.ioportHandlers[port][IOOut] = func(m *Machine, port uint64, bytes []byte) error {
			return m.pci.PciConfDataOut(port, bytes)
		}
	}

	for _, d := range m.pci.Devices() {
		start, end := d.GetIORange()
		for port := start; port < end && port < uint64(len(m.ioportHandlers)); port++ {
			m.ioportHandlers[port][IOIn] = pciInFunc
			m.ioportHandlers[port][IOOut] = pciOutFunc
		}
	}
}

func pciInFunc(m *Machine, port uint64, bytes []byte) error {
	for _, d := range m.pci.Devices() {
		start, end := d.GetIORange()
		if start <= port && port < end {
			return d.Read(port, bytes)
		}
	}

	return errDeviceNotFoundForIO
}

func pciOutFunc(m *Machine, port uint64, bytes []byte) error {
	for _, d := range m.pci.Devices() {
		start, end := d.GetIORange()
		if start <= port && port < end {
			return d.Write(port, bytes)
		}
	}

	return errDeviceNotFoundForIO
}

func (m *Machine) handleIO(port uint64, dir int, bytes []byte) error {
	if port >= uint64(len(m.ioportHandlers)) {
		return fmt.Errorf("%w: 0x%x", ErrUnexpectedIOPort, port)
	}

	f := m.ioportHandlers[port][dir]
	if f == nil {
		return fmt.Errorf("%w: 0x%x", ErrUnexpectedIOPort, port)
	}

	return f(m, port, bytes)
}

// In emulates a guest IN instruction on port.
func (m *Machine) In(port uint64, bytes []byte) error {
	return m.handleIO(port, IOIn, bytes)
}

// Out emulates a guest OUT instruction on port.
func (m *Machine) Out(port uint64, bytes []byte) error {
	return m.handleIO(port, IOOut, bytes)
}
