package pci_test

import (
	"bytes"
	"testing"

	"github.com/bobuhiro11/ccvmm/pci"
)

func TestSizeToBits(t *testing.T) {
	t.Parallel()

	expected := uint32(0xffffff00)
	actual := pci.SizeToBits(0x100)

	if expected != actual {
		t.Fatalf("expected: %v, actual: %v", expected, actual)
	}
}

func TestBytesToNum(t *testing.T) {
	t.Parallel()

	expected := uint64(0x12345678)
	actual := pci.BytesToNum([]byte{0x78, 0x56, 0x34, 0x12})

	if expected != actual {
		t.Fatalf("expected: %v, actual: %v", expected, actual)
	}
}

func TestNumToBytes8(t *testing.T) {
	t.Parallel()

	expected := []byte{0x12}
	actual := pci.NumToBytes(uint8(0x12))

	if !bytes.Equal(actual, expected) {
		t.Fatalf("expected: %v, actual: %v", expected, actual)
	}
}

func TestNumToBytes16(t *testing.T) {
	t.Parallel()

	expected := []byte{0x34, 0x12}
	actual := pci.NumToBytes(uint16(0x1234))

	if !bytes.Equal(actual, expected) {
		t.Fatalf("expected: %v, actual: %v", expected, actual)
	}
}

func TestNumToBytes32(t *testing.T) {
	t.Parallel()

	expected := []byte{0x78, 0x56, 0x34, 0x12}
	actual := pci.NumToBytes(uint32(0x12345678))

	if !bytes.Equal(actual, expected) {
		t.Fatalf("expected: %v, actual: %v", expected, actual)
	}
}

func TestNumToBytes64(t *testing.T) {
	t.Parallel()

	expected := []byte{0x78, 0x56, 0x34, 0x12, 0x78, 0x56, 0x34, 0x12}
	actual := pci.NumToBytes(uint64(0x1234567812345678))

	if !bytes.Equal(actual, expected) {
		t.Fatalf("expected: %v, actual: %v", expected, actual)
	}
}

func TestNumToBytesInvalid(t *testing.T) {
	t.Parallel()

	actual := pci.NumToBytes(-1)
	expected := []byte{}

	if !bytes.Equal(actual, expected) {
		t.Fatalf("expected: %v, actual: %v", expected, actual)
	}
}

type fakeDevice struct{}

func (fakeDevice) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{
		VendorID:      0x1af4,
		DeviceID:      0x1001,
		BAR:           [6]uint32{0x6300 | 0x1},
		InterruptLine: 10,
		InterruptPin:  1,
	}
}

func (fakeDevice) Read(port uint64, data []byte) error  { return nil }
func (fakeDevice) Write(port uint64, data []byte) error { return nil }
func (fakeDevice) GetIORange() (start, end uint64)      { return 0x6300, 0x6400 }

func TestDeviceHeaderSize(t *testing.T) {
	t.Parallel()

	b, err := fakeDevice{}.GetDeviceHeader().Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if len(b) != 64 {
		t.Fatalf("expected: %d, actual: %d", 64, len(b))
	}

	if b[0x3c] != 10 || b[0x3d] != 1 {
		t.Fatalf("interrupt line/pin at wrong offset: %v", b[0x3c:0x3e])
	}
}

func confRead(t *testing.T, p *pci.PCI, slot, offset uint32) uint32 {
	t.Helper()

	addr := uint32(1)<<31 | slot<<11 | offset
	if err := p.PciConfAddrOut(pci.ConfAddrPort, pci.NumToBytes(addr)); err != nil {
		t.Fatal(err)
	}

	v := make([]byte, 4)
	if err := p.PciConfDataIn(pci.ConfDataPort, v); err != nil {
		t.Fatal(err)
	}

	return uint32(pci.BytesToNum(v))
}

func TestConfigSpace(t *testing.T) {
	t.Parallel()

	p := pci.New(fakeDevice{})

	if actual := confRead(t, p, 0, 0); actual != 0x0d578086 {
		t.Fatalf("bridge id: %#x", actual)
	}

	if actual := confRead(t, p, 1, 0); actual != 0x10011af4 {
		t.Fatalf("device id: %#x", actual)
	}

	if actual := confRead(t, p, 2, 0); actual != 0xffffffff {
		t.Fatalf("empty slot must read all ones: %#x", actual)
	}

	if actual := confRead(t, p, 1, 0x10); actual != 0x6301 {
		t.Fatalf("BAR0: %#x", actual)
	}

	// Size BAR0 the way Linux does.
	if err := p.PciConfDataOut(pci.ConfDataPort, pci.NumToBytes(uint32(0xffffffff))); err != nil {
		t.Fatal(err)
	}

	if actual := confRead(t, p, 1, 0x10); actual != 0xffffff01 {
		t.Fatalf("BAR0 size: %#x", actual)
	}

	v := make([]byte, 4)
	if err := p.PciConfAddrIn(pci.ConfAddrPort, v); err != nil {
		t.Fatal(err)
	}

	if actual := pci.BytesToNum(v); actual != 1<<31|1<<11|0x10 {
		t.Fatalf("address register: %#x", actual)
	}
}
