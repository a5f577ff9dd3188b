package machine_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/bobuhiro11/ccvmm/bootparam"
	"github.com/bobuhiro11/ccvmm/config"
	"github.com/bobuhiro11/ccvmm/machine"
	"github.com/bobuhiro11/ccvmm/memory"
	"github.com/bobuhiro11/ccvmm/pci"
	"github.com/bobuhiro11/ccvmm/virtio"
)

func tempDisk(t *testing.T, size int) string {
	t.Helper()

	f, err := os.CreateTemp("", "machine-disk-*")
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { os.Remove(f.Name()) })

	if err := f.Truncate(int64(size)); err != nil {
		t.Fatal(err)
	}

	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	return f.Name()
}

func newMachine(t *testing.T, disks ...config.Disk) *machine.Machine {
	t.Helper()

	cfg := config.Default()
	cfg.Memory = config.MinMemSize
	cfg.Cmdline = "console=ttyS0"
	cfg.Disks = disks

	m, err := machine.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Error(err)
		}
	})

	return m
}

func TestSetup(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	if err := m.Setup(); err != nil {
		t.Fatal(err)
	}

	mem := m.Memory()

	ptr, err := mem.ReadUint32(machine.ZeroPageAddr + 0x228)
	if err != nil {
		t.Fatal(err)
	}

	if ptr != machine.CmdlineAddr {
		t.Fatalf("expected: %#x, actual: %#x", machine.CmdlineAddr, ptr)
	}

	cmdline := make([]byte, len("console=ttyS0")+1)
	if err := mem.Read(machine.CmdlineAddr, cmdline); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(cmdline, []byte("console=ttyS0\x00")) {
		t.Fatalf("unexpected cmdline: %q", cmdline)
	}

	// e820_entries
	n := make([]byte, 1)
	if err := mem.Read(machine.ZeroPageAddr+0x1e8, n); err != nil {
		t.Fatal(err)
	}

	if n[0] != 4 {
		t.Fatalf("expected 4 e820 entries, actual: %d", n[0])
	}

	l := m.Layout()
	if len(l.E820) != 4 || l.E820[3].Addr != machine.HighMemBase || l.E820[3].Type != bootparam.E820Ram {
		t.Fatalf("unexpected layout: %+v", l.E820)
	}

	sregs := m.InitialSregs()
	if sregs.CR3 != uint64(l.PML4) {
		t.Fatalf("expected: %#x, actual: %#x", l.PML4, sregs.CR3)
	}
}

func TestUnexpectedIOPort(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	if err := m.In(0x3f8, make([]byte, 1)); !errors.Is(err, machine.ErrUnexpectedIOPort) {
		t.Fatalf("expected: %v, actual: %v", machine.ErrUnexpectedIOPort, err)
	}

	// CMOS is ignored.
	if err := m.Out(0x70, []byte{0}); err != nil {
		t.Fatal(err)
	}
}

func TestPCIConfigSpace(t *testing.T) {
	t.Parallel()

	m := newMachine(t,
		config.Disk{Path: tempDisk(t, 1<<20)},
		config.Disk{Path: tempDisk(t, 1<<20), ReadOnly: true},
	)

	for slot, expected := range []uint32{
		0x0d578086,
		0x10011af4,
		0x10011af4,
	} {
		addr := uint32(1<<31 | slot<<11)
		if err := m.Out(pci.ConfAddrPort, pci.NumToBytes(addr)); err != nil {
			t.Fatal(err)
		}

		b := make([]byte, 4)
		if err := m.In(pci.ConfDataPort, b); err != nil {
			t.Fatal(err)
		}

		if actual := binary.LittleEndian.Uint32(b); actual != expected {
			t.Fatalf("slot %d expected: %#x, actual: %#x", slot, expected, actual)
		}
	}

	disks := m.Disks()
	if len(disks) != 2 {
		t.Fatalf("expected 2 disks, actual: %d", len(disks))
	}

	// Consecutive disks decode disjoint port ranges and use distinct lines.
	s0, e0 := disks[0].Blk.GetIORange()
	s1, _ := disks[1].Blk.GetIORange()

	if s0 != virtio.BlkIOPortStart || s1 != s0+machine.BlkIOPortStride || e0 > s1 {
		t.Fatalf("unexpected ranges: %#x-%#x, %#x", s0, e0, s1)
	}

	if disks[0].Group.Base() == disks[1].Group.Base() {
		t.Fatalf("disks share line %d", disks[0].Group.Base())
	}
}

func TestDiskRequest(t *testing.T) {
	t.Parallel()

	m := newMachine(t, config.Disk{Path: tempDisk(t, 1<<20), ID: "machine-test"})
	mem := m.Memory()
	base, _ := m.Disks()[0].Blk.GetIORange()

	const (
		ring   = 0x100000
		hdr    = 0x200000
		data   = 0x201000
		status = 0x202000
	)

	if err := m.Out(base+8, pci.NumToBytes(uint32(ring/virtio.QueueAlign))); err != nil {
		t.Fatal(err)
	}

	// GET_ID: header, 20 byte device writable buffer, status byte.
	if err := mem.WriteUint32(hdr, uint32(virtio.RequestGetDeviceID)); err != nil {
		t.Fatal(err)
	}

	for i, d := range []struct {
		addr  uint64
		len   uint32
		flags uint16
	}{
		{addr: hdr, len: 16, flags: virtio.DescFlagNext},
		{addr: data, len: virtio.DeviceIDLen, flags: virtio.DescFlagNext | virtio.DescFlagWrite},
		{addr: status, len: 1, flags: virtio.DescFlagWrite},
	} {
		desc := ring + uint64(i)*16
		_ = mem.WriteUint64(memory.GPA(desc), d.addr)
		_ = mem.WriteUint32(memory.GPA(desc+8), d.len)
		_ = mem.WriteUint16(memory.GPA(desc+12), d.flags)
		_ = mem.WriteUint16(memory.GPA(desc+14), uint16(i+1))
	}

	avail := uint64(ring + 16*virtio.QueueSize)
	_ = mem.WriteUint16(memory.GPA(avail+4), 0)
	_ = mem.WriteUint16(memory.GPA(avail+2), 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- m.Start(ctx) }()

	if err := m.Out(base+16, []byte{0, 0}); err != nil {
		t.Fatal(err)
	}

	// The ISR is set under the device lock once the batch completed.
	isr := make([]byte, 1)
	deadline := time.Now().Add(5 * time.Second)

	for isr[0] == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request was not completed")
		}

		time.Sleep(time.Millisecond)

		if err := m.In(base+19, isr); err != nil {
			t.Fatal(err)
		}
	}

	if isr[0] != 1 {
		t.Fatalf("ISR expected: 1, actual: %d", isr[0])
	}

	cancel()

	if err := <-done; err != nil {
		t.Fatal(err)
	}

	used := memory.GPA(ring + virtio.QueueAlign)

	idx, err := mem.ReadUint16(used + 2)
	if err != nil {
		t.Fatal(err)
	}

	if idx != 1 {
		t.Fatalf("used idx expected: 1, actual: %d", idx)
	}

	n, err := mem.ReadUint32(used + 8)
	if err != nil {
		t.Fatal(err)
	}

	if n != virtio.DeviceIDLen+1 {
		t.Fatalf("used length expected: %d, actual: %d", virtio.DeviceIDLen+1, n)
	}

	id := make([]byte, virtio.DeviceIDLen)
	if err := mem.Read(data, id); err != nil {
		t.Fatal(err)
	}

	if !bytes.HasPrefix(id, []byte("machine-test")) {
		t.Fatalf("unexpected id: %q", id)
	}

	st := make([]byte, 1)
	if err := mem.Read(status, st); err != nil {
		t.Fatal(err)
	}

	if st[0] != byte(virtio.StatusOK) {
		t.Fatalf("expected: %d, actual: %d", virtio.StatusOK, st[0])
	}
}

func TestCloseWhileServing(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Memory = config.MinMemSize
	cfg.Disks = []config.Disk{{Path: tempDisk(t, 1<<20)}}

	m, err := machine.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	blk := m.Disks()[0].Blk
	base, _ := blk.GetIORange()

	if err := m.Out(base+8, pci.NumToBytes(uint32(0x100000/virtio.QueueAlign))); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)

	go func() { done <- m.Start(context.Background()) }()

	for i := 0; i < 8; i++ {
		if err := m.Out(base+16, []byte{0, 0}); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Close")
	}

	// Guest memory is unmapped; the device must not walk the ring again.
	if err := blk.IO(); !errors.Is(err, virtio.ErrClosed) {
		t.Fatalf("expected: %v, actual: %v", virtio.ErrClosed, err)
	}
}

func TestImageTooLarge(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Memory = 4 << 30
	cfg.Image = tempDisk(t, 0)

	if _, err := machine.New(cfg); !errors.Is(err, machine.ErrImageTooLarge) {
		t.Fatalf("expected: %v, actual: %v", machine.ErrImageTooLarge, err)
	}
}
