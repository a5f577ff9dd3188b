package virtio

import (
	"io"

	"github.com/bobuhiro11/ccvmm/memory"
)

const (
	// DescFlagNext marks a descriptor followed by another in the chain.
	DescFlagNext = 0x1
	// DescFlagWrite marks a buffer the device writes to.
	DescFlagWrite = 0x2
)

// Descriptor is one guest buffer of a chain.
type Descriptor struct {
	Addr  memory.GPA
	Len   uint32
	Flags uint16
	Next  uint16
}

// IsWriteOnly reports whether the device may write the buffer and the guest
// does not expect it to be read.
func (d Descriptor) IsWriteOnly() bool {
	return d.Flags&DescFlagWrite != 0
}

func (d Descriptor) HasNext() bool {
	return d.Flags&DescFlagNext != 0
}

// DescriptorChain yields the descriptors of one request in order. Next
// returns io.EOF after the descriptor without DescFlagNext.
type DescriptorChain interface {
	Head() uint16
	Next() (Descriptor, error)
}

// DescriptorList is a DescriptorChain over a slice.
type DescriptorList struct {
	head  uint16
	descs []Descriptor
	pos   int
	done  bool
}

func NewDescriptorList(head uint16, descs ...Descriptor) *DescriptorList {
	return &DescriptorList{head: head, descs: descs}
}

func (l *DescriptorList) Head() uint16 { return l.head }

func (l *DescriptorList) Next() (Descriptor, error) {
	if l.done || l.pos >= len(l.descs) {
		return Descriptor{}, io.EOF
	}

	d := l.descs[l.pos]
	l.pos++
	l.done = !d.HasNext()

	return d, nil
}
