package machine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/ccvmm/bootparam"
	"github.com/bobuhiro11/ccvmm/gdt"
	"github.com/bobuhiro11/ccvmm/kvm"
	"github.com/bobuhiro11/ccvmm/memory"
)

var (
	// ErrMemoryWrite is returned when a boot structure does not fit in
	// guest memory.
	ErrMemoryWrite = errors.New("boot structure write failed")

	ErrMemoryTooSmall = errors.New("guest memory ends below high memory")
)

// GuestWriter is the part of guest memory the bootstrapper writes through.
type GuestWriter interface {
	Write(addr memory.GPA, b []byte) error
}

// BuildIdentityMapping maps guest physical [0, 1GiB) onto itself with 2MiB
// pages and returns the address of the top level table.
func BuildIdentityMapping(mem GuestWriter) (memory.GPA, error) {
	var entry [8]byte

	binary.LittleEndian.PutUint64(entry[:], PDPTEAddr|PDE64xPRESENT|PDE64xRW)

	if err := mem.Write(PML4Addr, entry[:]); err != nil {
		return 0, fmt.Errorf("%w: PML4 at %#x: %w", ErrMemoryWrite, PML4Addr, err)
	}

	binary.LittleEndian.PutUint64(entry[:], PDEAddr|PDE64xPRESENT|PDE64xRW)

	if err := mem.Write(PDPTEAddr, entry[:]); err != nil {
		return 0, fmt.Errorf("%w: PDPTE at %#x: %w", ErrMemoryWrite, PDPTEAddr, err)
	}

	pde := make([]byte, NumPDEs*8)
	for n := uint64(0); n < NumPDEs; n++ {
		binary.LittleEndian.PutUint64(pde[n*8:], n<<21|PDE64xPRESENT|PDE64xRW|PDE64xPS)
	}

	if err := mem.Write(PDEAddr, pde); err != nil {
		return 0, fmt.Errorf("%w: PDE at %#x: %w", ErrMemoryWrite, PDEAddr, err)
	}

	return PML4Addr, nil
}

// DescriptorTables returns the long mode GDT and where it and the IDT go.
func DescriptorTables() (gdt.Table, memory.GPA, memory.GPA) {
	return gdt.LongModeTable(), BootGDTAddr, BootIDTAddr
}

// WriteDescriptorTables stores the GDT and an empty IDT in guest memory.
func WriteDescriptorTables(mem GuestWriter) error {
	table, gdtAddr, idtAddr := DescriptorTables()

	if err := mem.Write(gdtAddr, table.Bytes()); err != nil {
		return fmt.Errorf("%w: GDT at %#x: %w", ErrMemoryWrite, uint64(gdtAddr), err)
	}

	if err := mem.Write(idtAddr, make([]byte, 8)); err != nil {
		return fmt.Errorf("%w: IDT at %#x: %w", ErrMemoryWrite, uint64(idtAddr), err)
	}

	return nil
}

// AppendMemoryMapEntry adds one range to table. A full table is reported,
// never truncated.
func AppendMemoryMapEntry(table *bootparam.E820Table, addr, size uint64, kind uint32) error {
	if err := table.Append(addr, size, kind); err != nil {
		return fmt.Errorf("e820 [%#x, +%#x): %w", addr, size, err)
	}

	return nil
}

// BuildMemoryMap describes memSize bytes of RAM laid out around the legacy
// BIOS areas and the 32-bit MMIO gap. RAM that would overlap the gap is
// placed above 4GiB.
func BuildMemoryMap(memSize uint64) (*bootparam.E820Table, error) {
	if memSize <= HighMemBase {
		return nil, fmt.Errorf("%w: %#x bytes", ErrMemoryTooSmall, memSize)
	}

	ranges := []bootparam.E820Entry{
		{Addr: bootparam.RealModeIvtBegin, Size: bootparam.EBDAStart - bootparam.RealModeIvtBegin, Type: bootparam.E820Ram},
		{Addr: bootparam.EBDAStart, Size: bootparam.VGARAMBegin - bootparam.EBDAStart, Type: bootparam.E820Reserved},
		{Addr: bootparam.MBBIOSBegin, Size: bootparam.MBBIOSEnd - bootparam.MBBIOSBegin + 1, Type: bootparam.E820Reserved},
	}

	if memSize <= MMIOGapStart {
		ranges = append(ranges, bootparam.E820Entry{
			Addr: HighMemBase, Size: memSize - HighMemBase, Type: bootparam.E820Ram,
		})
	} else {
		ranges = append(ranges,
			bootparam.E820Entry{Addr: HighMemBase, Size: MMIOGapStart - HighMemBase, Type: bootparam.E820Ram},
			bootparam.E820Entry{Addr: MMIOGapEnd, Size: memSize - MMIOGapStart, Type: bootparam.E820Ram},
		)
	}

	table := &bootparam.E820Table{}

	for _, r := range ranges {
		if err := AppendMemoryMapEntry(table, r.Addr, r.Size, r.Type); err != nil {
			return nil, err
		}
	}

	return table, nil
}

// ConfigureSregs puts a vCPU into 64-bit mode on the boot page tables and
// descriptor tables.
func ConfigureSregs(sregs *kvm.Sregs) {
	table, gdtAddr, idtAddr := DescriptorTables()

	code := gdt.SegmentFromEntry(table[gdt.CodeIndex], gdt.CodeIndex)
	data := gdt.SegmentFromEntry(table[gdt.DataIndex], gdt.DataIndex)
	tss := gdt.SegmentFromEntry(table[gdt.TSSIndex], gdt.TSSIndex)

	sregs.GDT.Base = uint64(gdtAddr)
	sregs.GDT.Limit = table.Limit()
	sregs.IDT.Base = uint64(idtAddr)
	sregs.IDT.Limit = 7

	sregs.CS = code
	sregs.DS = data
	sregs.ES = data
	sregs.FS = data
	sregs.GS = data
	sregs.SS = data
	sregs.TR = tss

	sregs.CR0 |= CR0xPE | CR0xPG
	sregs.CR3 = PML4Addr
	sregs.CR4 |= CR4xPAE
	sregs.EFER |= EFERxLME | EFERxLMA
}
