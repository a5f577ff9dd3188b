package memory

import (
	"errors"
	"fmt"
)

var (
	errAddrSpaceOccupied   = errors.New("address space occupied")
	errAddrSpaceOutOfRange = errors.New("address space out of parent range")
)

// AddressSpace is a named span of guest physical addresses. Children must lie
// inside their parent and never overlap each other.
type AddressSpace struct {
	Name      string
	Start     GPA
	Size      uint64
	Addresses []*AddressSpace
}

func NewAddressSpace(name string, start GPA, size uint64) *AddressSpace {
	return &AddressSpace{
		Name:  name,
		Start: start,
		Size:  size,
	}
}

// End returns the first address after the span.
func (a *AddressSpace) End() GPA {
	return a.Start + GPA(a.Size)
}

func (a *AddressSpace) AddAddress(addr *AddressSpace) error {
	if !a.InRange(addr) {
		return fmt.Errorf("%w: %s [%#x, %#x) in %s", errAddrSpaceOutOfRange,
			addr.Name, addr.Start, addr.End(), a.Name)
	}

	if !a.IsFree(addr) {
		return fmt.Errorf("%w: %s [%#x, %#x)", errAddrSpaceOccupied, addr.Name, addr.Start, addr.End())
	}

	a.Addresses = append(a.Addresses, addr)

	return nil
}

// InRange reports whether addr lies entirely within a.
func (a *AddressSpace) InRange(addr *AddressSpace) bool {
	return addr.Start >= a.Start && addr.End() <= a.End() && addr.End() >= addr.Start
}

// Overlaps reports whether the two spans share at least one address.
func (a *AddressSpace) Overlaps(b *AddressSpace) bool {
	return a.Start < b.End() && b.Start < a.End()
}

// IsFree reports whether ad overlaps none of the children of a.
func (a *AddressSpace) IsFree(ad *AddressSpace) bool {
	for _, addr := range a.Addresses {
		if addr.Overlaps(ad) {
			return false
		}
	}

	return true
}
