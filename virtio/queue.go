package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/ccvmm/memory"
)

const (
	// QueueSize is the number of descriptors of every queue.
	QueueSize = 32

	// QueueAlign is the alignment of the used ring in the legacy layout.
	QueueAlign = 4096

	descSize = 16
)

var (
	ErrDescriptorChainTooLong = errors.New("descriptor chain loops or exceeds queue size")
	ErrDescriptorIndex        = errors.New("descriptor index out of queue")
	ErrAvailIndex             = errors.New("available index moved past queue size")
)

// Queue walks a legacy split virtqueue that lives in guest memory.
type Queue struct {
	mem   *memory.GuestMemory
	size  uint16
	desc  memory.GPA
	avail memory.GPA
	used  memory.GPA

	lastAvail uint16
	usedIdx   uint16
}

// NewQueue places a queue of size descriptors at base using the legacy
// layout: descriptor table, available ring, then the used ring on the next
// QueueAlign boundary.
func NewQueue(mem *memory.GuestMemory, base memory.GPA, size uint16) *Queue {
	avail := base + memory.GPA(descSize*uint64(size))
	availEnd := uint64(avail) + 6 + 2*uint64(size)
	used := (availEnd + QueueAlign - 1) &^ (QueueAlign - 1)

	return &Queue{
		mem:   mem,
		size:  size,
		desc:  base,
		avail: avail,
		used:  memory.GPA(used),
	}
}

// Rings returns the guest addresses of the descriptor table and both rings.
func (q *Queue) Rings() (desc, avail, used memory.GPA) {
	return q.desc, q.avail, q.used
}

// Pop returns the next chain made available by the guest, or false when the
// guest has not published a new one.
func (q *Queue) Pop() (*RingChain, bool, error) {
	idx, err := q.mem.ReadUint16(q.avail + 2)
	if err != nil {
		return nil, false, err
	}

	if idx == q.lastAvail {
		return nil, false, nil
	}

	if idx-q.lastAvail > q.size {
		return nil, false, fmt.Errorf("%w: avail %d last %d", ErrAvailIndex, idx, q.lastAvail)
	}

	head, err := q.mem.ReadUint16(q.avail + 4 + memory.GPA(2*(q.lastAvail%q.size)))
	if err != nil {
		return nil, false, err
	}

	q.lastAvail++

	if head >= q.size {
		return nil, false, fmt.Errorf("%w: head %d", ErrDescriptorIndex, head)
	}

	return &RingChain{q: q, head: head, next: head, budget: q.size}, true, nil
}

// PushUsed returns a chain to the guest with the number of bytes written.
func (q *Queue) PushUsed(head uint16, n uint32) error {
	elem := q.used + 4 + memory.GPA(8*(q.usedIdx%q.size))

	if err := q.mem.WriteUint32(elem, uint32(head)); err != nil {
		return err
	}

	if err := q.mem.WriteUint32(elem+4, n); err != nil {
		return err
	}

	q.usedIdx++

	return q.mem.WriteUint16(q.used+2, q.usedIdx)
}

// RingChain is a DescriptorChain read from a descriptor table. It visits at
// most queue size descriptors so a looping chain cannot stall the device.
type RingChain struct {
	q      *Queue
	head   uint16
	next   uint16
	budget uint16
	done   bool
}

func (c *RingChain) Head() uint16 { return c.head }

func (c *RingChain) Next() (Descriptor, error) {
	if c.done {
		return Descriptor{}, io.EOF
	}

	if c.budget == 0 {
		return Descriptor{}, fmt.Errorf("%w: head %d", ErrDescriptorChainTooLong, c.head)
	}

	c.budget--

	var b [descSize]byte
	if err := c.q.mem.Read(c.q.desc+memory.GPA(descSize*uint64(c.next)), b[:]); err != nil {
		return Descriptor{}, err
	}

	d := Descriptor{
		Addr:  memory.GPA(binary.LittleEndian.Uint64(b[0:8])),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}

	if !d.HasNext() {
		c.done = true

		return d, nil
	}

	if d.Next >= c.q.size {
		return Descriptor{}, fmt.Errorf("%w: next %d", ErrDescriptorIndex, d.Next)
	}

	c.next = d.Next

	return d, nil
}
