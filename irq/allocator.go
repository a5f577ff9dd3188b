package irq

import (
	"fmt"

	"github.com/google/btree"
)

// Range is a window of interrupt indices [Base, Base+Count).
type Range struct {
	Base  uint32
	Count uint32
}

func (r Range) end() uint64 {
	return uint64(r.Base) + uint64(r.Count)
}

type span struct {
	base uint64
	end  uint64
}

func spanLess(a, b span) bool {
	return a.base < b.base
}

// Allocator hands out disjoint index ranges of one VM. Legacy and MSI
// indices are separate spaces. It is not safe for concurrent use; the
// Manager serialises access.
type Allocator struct {
	windows [numSourceTypes]Range
	claimed [numSourceTypes]*btree.BTreeG[span]
}

// NewAllocator returns an allocator limited to the given windows.
func NewAllocator(legacy, msi Range) *Allocator {
	a := &Allocator{
		windows: [numSourceTypes]Range{LegacyIRQ: legacy, MSIIRQ: msi},
	}

	for i := range a.claimed {
		a.claimed[i] = btree.NewG(8, spanLess)
	}

	return a
}

// Claim reserves [base, base+count) of typ.
func (a *Allocator) Claim(typ SourceType, base, count uint32) error {
	if !typ.valid() {
		return fmt.Errorf("%w: unknown source type %v", ErrAllocation, typ)
	}

	s := span{base: uint64(base), end: uint64(base) + uint64(count)}

	if count == 0 {
		return fmt.Errorf("%w: empty %v range at %d", ErrAllocation, typ, base)
	}

	w := a.windows[typ]
	if s.base < uint64(w.Base) || s.end > w.end() {
		return fmt.Errorf("%w: %v range [%d, %d) outside [%d, %d)",
			ErrAllocation, typ, s.base, s.end, w.Base, w.end())
	}

	if o, ok := a.overlap(typ, s); ok {
		return fmt.Errorf("%w: %v range [%d, %d) overlaps [%d, %d)",
			ErrAllocation, typ, s.base, s.end, o.base, o.end)
	}

	a.claimed[typ].ReplaceOrInsert(s)

	return nil
}

func (a *Allocator) overlap(typ SourceType, s span) (span, bool) {
	var (
		hit   span
		found bool
	)

	a.claimed[typ].DescendLessOrEqual(s, func(prev span) bool {
		if prev.end > s.base {
			hit, found = prev, true
		}

		return false
	})

	if found {
		return hit, true
	}

	a.claimed[typ].AscendGreaterOrEqual(s, func(next span) bool {
		if next.base < s.end {
			hit, found = next, true
		}

		return false
	})

	return hit, found
}

// Allocate claims the lowest free range of count indices of typ.
func (a *Allocator) Allocate(typ SourceType, count uint32) (uint32, error) {
	if !typ.valid() {
		return 0, fmt.Errorf("%w: unknown source type %v", ErrAllocation, typ)
	}

	if count == 0 {
		return 0, fmt.Errorf("%w: empty %v range", ErrAllocation, typ)
	}

	w := a.windows[typ]
	candidate := uint64(w.Base)

	a.claimed[typ].Ascend(func(s span) bool {
		if s.base >= candidate+uint64(count) {
			return false
		}

		if s.end > candidate {
			candidate = s.end
		}

		return true
	})

	if candidate+uint64(count) > w.end() {
		return 0, fmt.Errorf("%w: no room for %d %v indices", ErrAllocation, count, typ)
	}

	base := uint32(candidate)

	return base, a.Claim(typ, base, count)
}

// Release returns a range previously claimed with exactly these bounds.
func (a *Allocator) Release(typ SourceType, base, count uint32) error {
	if !typ.valid() {
		return fmt.Errorf("%w: unknown source type %v", ErrAllocation, typ)
	}

	s, ok := a.claimed[typ].Get(span{base: uint64(base)})
	if !ok || s.end != uint64(base)+uint64(count) {
		return fmt.Errorf("%w: %v range [%d, +%d) was not claimed", ErrAllocation, typ, base, count)
	}

	a.claimed[typ].Delete(s)

	return nil
}
