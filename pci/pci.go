package pci

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Configuration Space Access Mechanism #1
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html

const (
	ConfAddrPort = 0xcf8
	ConfDataPort = 0xcfc

	barOffset = 0x10
	numBARs   = 6
)

var ErrTooManyDevices = errors.New("no free PCI slot")

type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return (uint32(a) >> 31) == 0x1
}

// DeviceHeader is the type 0 configuration header, 64 bytes.
type DeviceHeader struct {
	VendorID      uint16
	DeviceID      uint16
	Command       uint16
	Status        uint16
	RevisionID    uint8
	ClassCode     [3]uint8
	CacheLineSize uint8
	LatencyTimer  uint8
	HeaderType    uint8
	BIST          uint8
	BAR           [numBARs]uint32
	CardbusCIS    uint32
	SubsystemVID  uint16
	SubsystemID   uint16
	ExpansionROM  uint32
	CapabilityPtr uint8
	_             [7]uint8
	InterruptLine uint8
	InterruptPin  uint8
	MinGnt        uint8
	MaxLat        uint8
}

func (h DeviceHeader) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// Device is a function on bus 0 with one I/O BAR.
type Device interface {
	GetDeviceHeader() DeviceHeader
	Read(port uint64, data []byte) error
	Write(port uint64, data []byte) error
	GetIORange() (start, end uint64)
}

type slot struct {
	dev Device
	// barSizing is set while the guest probes the size of BAR0.
	barSizing bool
}

type PCI struct {
	addr  address
	slots []*slot
	log   *logrus.Entry
}

// New returns bus 0 with a host bridge at 00:00.0 followed by devs.
func New(devs ...Device) *PCI {
	p := &PCI{log: logrus.WithField("component", "pci")}

	p.slots = append(p.slots, &slot{dev: NewBridge()})

	for _, d := range devs {
		p.slots = append(p.slots, &slot{dev: d})
	}

	return p
}

// Register places d in the next free slot and returns its device number.
func (p *PCI) Register(d Device) (int, error) {
	if len(p.slots) >= 32 {
		return 0, ErrTooManyDevices
	}

	p.slots = append(p.slots, &slot{dev: d})

	return len(p.slots) - 1, nil
}

// Devices returns the registered functions in slot order.
func (p *PCI) Devices() []Device {
	devs := make([]Device, 0, len(p.slots))
	for _, s := range p.slots {
		devs = append(devs, s.dev)
	}

	return devs
}

func (p *PCI) selected() *slot {
	if !p.addr.isEnable() || p.addr.getBusNumber() != 0 || p.addr.getFunctionNumber() != 0 {
		return nil
	}

	n := int(p.addr.getDeviceNumber())
	if n >= len(p.slots) {
		return nil
	}

	return p.slots[n]
}

func (p *PCI) PciConfDataIn(port uint64, values []byte) error {
	// offset can be obtained from many source as below:
	//        (address from IO port 0xcf8) & 0xfc + (IO port address for Data) - 0xCFC
	// see pci_conf1_read in linux/arch/x86/pci/direct.c for more detail.
	offset := int(p.addr.getRegisterOffset() + uint32(port-ConfDataPort))

	for i := range values {
		values[i] = 0xff
	}

	s := p.selected()
	if s == nil {
		return nil
	}

	h := s.dev.GetDeviceHeader()
	if s.barSizing {
		start, end := s.dev.GetIORange()
		h.BAR[0] = SizeToBits(end-start) | 0x1
	}

	b, err := h.Bytes()
	if err != nil {
		return err
	}

	if offset < 0 || offset+len(values) > len(b) {
		return nil
	}

	copy(values, b[offset:])

	return nil
}

func (p *PCI) PciConfDataOut(port uint64, values []byte) error {
	offset := int(p.addr.getRegisterOffset() + uint32(port-ConfDataPort))

	s := p.selected()
	if s == nil {
		return nil
	}

	// Only BAR0 sizing is emulated; other writes are ignored.
	if offset == barOffset && len(values) == 4 {
		s.barSizing = BytesToNum(values) == 0xffffffff
	}

	p.log.WithFields(logrus.Fields{
		"slot":   p.addr.getDeviceNumber(),
		"offset": fmt.Sprintf("%#x", offset),
		"values": fmt.Sprintf("%#v", values),
	}).Trace("config space write")

	return nil
}

func (p *PCI) PciConfAddrIn(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	copy(values, NumToBytes(uint32(p.addr)))

	return nil
}

func (p *PCI) PciConfAddrOut(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	p.addr = address(BytesToNum(values))

	return nil
}

// SizeToBits returns the value a BAR of size bytes reads back while sized.
func SizeToBits(size uint64) uint32 {
	if size == 0 {
		return 0
	}

	return ^uint32(size - 1)
}

// BytesToNum decodes a little-endian value of up to 8 bytes.
func BytesToNum(bytes []byte) uint64 {
	var res uint64

	for i, b := range bytes {
		res |= uint64(b) << (8 * i)
	}

	return res
}

// NumToBytes encodes an unsigned integer little-endian. Other types give an
// empty slice.
func NumToBytes(x interface{}) []byte {
	switch v := x.(type) {
	case uint8:
		return []byte{v}
	case uint16:
		return binary.LittleEndian.AppendUint16(nil, v)
	case uint32:
		return binary.LittleEndian.AppendUint32(nil, v)
	case uint64:
		return binary.LittleEndian.AppendUint64(nil, v)
	default:
		return []byte{}
	}
}
