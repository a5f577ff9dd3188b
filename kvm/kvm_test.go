package kvm_test

import (
	"os"
	"testing"
	"unsafe"

	"github.com/bobuhiro11/ccvmm/kvm"
)

func openKVM(t *testing.T) *os.File {
	t.Helper()

	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		t.Skipf("Skipping test since /dev/kvm is not available: %v", err)
	}

	return devKVM
}

func TestIoctlNumbers(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name     string
		actual   uintptr
		expected uintptr
	}{
		{name: "KVM_CREATE_VM", actual: kvm.IIO(0x01), expected: 0xae01},
		{name: "KVM_CREATE_IRQCHIP", actual: kvm.IIO(0x60), expected: 0xae60},
		{
			name:     "KVM_IRQ_LINE",
			actual:   kvm.IIOW(0x61, 8),
			expected: 0x4008ae61,
		},
		{
			name:     "KVM_SIGNAL_MSI",
			actual:   kvm.IIOW(0xa5, unsafe.Sizeof(kvm.MSI{})),
			expected: 0x4020aea5,
		},
		{
			name:     "KVM_SET_USER_MEMORY_REGION",
			actual:   kvm.IIOW(0x46, unsafe.Sizeof(kvm.UserspaceMemoryRegion{})),
			expected: 0x4020ae46,
		},
	} {
		if tt.actual != tt.expected {
			t.Fatalf("%s: expected: %#x, actual: %#x", tt.name, tt.expected, tt.actual)
		}
	}
}

func TestSregsSize(t *testing.T) {
	t.Parallel()

	// sizeof(struct kvm_sregs) on x86-64.
	if s := unsafe.Sizeof(kvm.Sregs{}); s != 0x138 {
		t.Fatalf("expected: %#x, actual: %#x", 0x138, s)
	}
}

func TestCapabilityStringer(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		value kvm.Capability
		want  string
	}{
		{value: kvm.CapIRQChip, want: "CapIRQChip"},
		{value: kvm.CapSignalMSI, want: "CapSignalMSI"},
		{value: kvm.Capability(9999), want: "Capability(9999)"},
	} {
		if got := test.value.String(); got != test.want {
			t.Fatalf("expected: %s, actual: %s", test.want, got)
		}
	}
}

func TestGetAPIVersion(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)
	defer devKVM.Close()

	v, err := kvm.GetAPIVersion(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	if v != 12 {
		t.Fatalf("expected: 12, actual: %d", v)
	}
}

func TestOpenAndIRQLine(t *testing.T) {
	t.Parallel()

	devKVM := openKVM(t)
	devKVM.Close()

	vm, err := kvm.Open("/dev/kvm")
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()

	if err := kvm.IRQLine(vm.Fd(), 10, 1); err != nil {
		t.Fatal(err)
	}

	if err := kvm.IRQLine(vm.Fd(), 10, 0); err != nil {
		t.Fatal(err)
	}
}

func TestNewUserspaceMemoryRegion(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 0x2000)
	r := kvm.NewUserspaceMemoryRegion(1, 0x100000000, buf)

	if r.Slot != 1 || r.GuestPhysAddr != 0x100000000 || r.MemorySize != 0x2000 || r.Flags != 0 {
		t.Fatalf("unexpected region: %+v", r)
	}

	if r.UserspaceAddr != uint64(uintptr(unsafe.Pointer(&buf[0]))) {
		t.Fatalf("expected: %p, actual: %#x", &buf[0], r.UserspaceAddr)
	}

	if empty := kvm.NewUserspaceMemoryRegion(2, 0, nil); empty.MemorySize != 0 || empty.UserspaceAddr != 0 {
		t.Fatalf("unexpected region: %+v", empty)
	}
}
