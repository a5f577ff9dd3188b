package bootparam

import (
	"errors"
	"fmt"
)

// E820 memory types.
const (
	E820Ram      = 1
	E820Reserved = 2
	E820ACPI     = 3
	E820NVS      = 4
	E820Unusable = 5
)

// E820Max is the number of e820 slots in the zero page (E820_MAX_ENTRIES_ZEROPAGE).
const E820Max = 128

// ErrE820TableFull is returned when an entry is appended to a full table.
var ErrE820TableFull = errors.New("e820 table is full")

// E820Entry is one range of the BIOS memory map. Its encoding is the packed
// 20 byte struct boot_e820_entry.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// E820Table is an ordered memory map with a fixed capacity.
type E820Table struct {
	entries [E820Max]E820Entry
	n       int
}

// Append adds an entry after the existing ones.
func (t *E820Table) Append(addr, size uint64, typ uint32) error {
	if t.n >= len(t.entries) {
		return fmt.Errorf("%w: [%#x, +%#x) type %d", ErrE820TableFull, addr, size, typ)
	}

	t.entries[t.n] = E820Entry{Addr: addr, Size: size, Type: typ}
	t.n++

	return nil
}

// Len returns the number of entries.
func (t *E820Table) Len() int {
	return t.n
}

// Entries returns a copy of the entries in insertion order.
func (t *E820Table) Entries() []E820Entry {
	res := make([]E820Entry, t.n)
	copy(res, t.entries[:t.n])

	return res
}
