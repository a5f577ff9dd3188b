// Package gdt encodes x86 segment descriptors and the global descriptor table
// the guest is started with.
package gdt

import (
	"encoding/binary"

	"github.com/bobuhiro11/ccvmm/kvm"
)

// Table indices.
const (
	NullIndex = iota
	CodeIndex
	DataIndex
	TSSIndex
	NumEntries
)

// Access/flag words of the long mode table, in the layout Entry expects.
const (
	CodeFlags = 0xa09b // present, code, exec/read, accessed, L=1, G=1
	DataFlags = 0xc093 // present, data, read/write, accessed, D/B=1, G=1
	TSSFlags  = 0x808b // present, 64-bit busy TSS, G=1
)

// EntrySize is the size of one descriptor in bytes.
const EntrySize = 8

// Table is the global descriptor table: null, code, data and task segment.
type Table [NumEntries]uint64

// Entry packs flags, base and limit into an 8 byte segment descriptor.
// flags holds the access byte in bits 0-7 and the G/DB/L/AVL nibble in bits
// 12-15.
func Entry(flags uint16, base, limit uint32) uint64 {
	return (uint64(base)&0xff000000)<<(56-24) |
		(uint64(flags)&0x0000f0ff)<<40 |
		(uint64(limit)&0x000f0000)<<(48-16) |
		(uint64(base)&0x00ffffff)<<16 |
		uint64(limit)&0x0000ffff
}

// LongModeTable returns the flat 64-bit table with base 0 and a 4GiB limit.
func LongModeTable() Table {
	return Table{
		NullIndex: 0,
		CodeIndex: Entry(CodeFlags, 0, 0xfffff),
		DataIndex: Entry(DataFlags, 0, 0xfffff),
		TSSIndex:  Entry(TSSFlags, 0, 0xfffff),
	}
}

// Bytes encodes the table as it lives in guest memory.
func (t Table) Bytes() []byte {
	buf := make([]byte, len(t)*EntrySize)
	for i, e := range t {
		binary.LittleEndian.PutUint64(buf[i*EntrySize:], e)
	}

	return buf
}

// Limit returns the value loaded into GDTR.limit.
func (t Table) Limit() uint16 {
	return uint16(len(t)*EntrySize - 1)
}

func base(entry uint64) uint64 {
	return (entry&0xff00000000000000)>>32 |
		(entry&0x000000ff00000000)>>16 |
		(entry&0x00000000ffff0000)>>16
}

func limit(entry uint64) uint32 {
	l := uint32((entry&0x000f000000000000)>>32 | entry&0x000000000000ffff)

	// Limits are in 4KiB units when the granularity bit is set.
	if granularity(entry) == 0 {
		return l
	}

	return l<<12 | 0xfff
}

func granularity(entry uint64) uint8 {
	return uint8((entry & 0x0080000000000000) >> 55)
}

// SegmentFromEntry decodes a descriptor into the register form KVM takes.
// tableIndex selects the selector.
func SegmentFromEntry(entry uint64, tableIndex uint8) kvm.Segment {
	present := uint8((entry & 0x0000800000000000) >> 47)

	unusable := uint8(0)
	if present == 0 {
		unusable = 1
	}

	return kvm.Segment{
		Base:     base(entry),
		Limit:    limit(entry),
		Selector: uint16(tableIndex) * EntrySize,
		Typ:      uint8((entry & 0x00000f0000000000) >> 40),
		Present:  present,
		DPL:      uint8((entry & 0x0000600000000000) >> 45),
		DB:       uint8((entry & 0x0040000000000000) >> 54),
		S:        uint8((entry & 0x0000100000000000) >> 44),
		L:        uint8((entry & 0x0020000000000000) >> 53),
		G:        granularity(entry),
		AVL:      uint8((entry & 0x0010000000000000) >> 52),
		Unusable: unusable,
	}
}
