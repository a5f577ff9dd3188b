package virtio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/bobuhiro11/ccvmm/irq"
	"github.com/bobuhiro11/ccvmm/memory"
	"github.com/bobuhiro11/ccvmm/pci"
	"github.com/sirupsen/logrus"
)

const (
	BlkIOPortStart = 0x6300
	BlkIOPortSize  = 0x100
)

// Offsets into the legacy virtio PCI I/O BAR.
const (
	regGuestFeatures = 4
	regQueuePFN      = 8
	regQueueSel      = 14
	regQueueNotify   = 16
	regDeviceStatus  = 18
	regISR           = 19
)

var (
	ErrNoRequest = errors.New("no request available")
	ErrNoQueue   = errors.New("virtqueue is not configured")
	ErrClosed    = errors.New("virtio-blk device is closed")
)

// DeviceIdentifier is implemented by stores that know their GET_ID string.
type DeviceIdentifier interface {
	DeviceID() []byte
}

// blkHdr is the legacy common header followed by the block config space.
type blkHdr struct {
	HostFeatures  uint32
	GuestFeatures uint32
	QueuePFN      uint32
	QueueNum      uint16
	QueueSel      uint16
	QueueNotify   uint16
	Status        uint8
	ISR           uint8
	Capacity      uint64
}

func (h blkHdr) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// Blk is a legacy virtio-blk PCI function with one request queue.
type Blk struct {
	// mu serialises register access and request processing.
	mu     sync.Mutex
	hdr    blkHdr
	queue  *Queue
	closed bool

	mem   *memory.GuestMemory
	store BackingStore
	id    []byte

	irq    *irq.Group
	line   uint8
	ioBase uint64

	kick      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	log *logrus.Entry
}

// NewBlk returns a block device over store that signals completions on
// index 0 of group. line is advertised in the configuration header.
func NewBlk(mem *memory.GuestMemory, store BackingStore, group *irq.Group, line uint8) *Blk {
	id := make([]byte, DeviceIDLen)
	if d, ok := store.(DeviceIdentifier); ok {
		copy(id, d.DeviceID())
	}

	return &Blk{
		hdr: blkHdr{
			QueueNum: QueueSize,
			Capacity: store.Capacity() >> SectorShift,
		},
		mem:    mem,
		store:  store,
		id:     id,
		irq:    group,
		line:   line,
		ioBase: BlkIOPortStart,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		log:    logrus.WithField("device", "virtio-blk"),
	}
}

func (v *Blk) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{
		DeviceID:    0x1001,
		VendorID:    0x1AF4,
		HeaderType:  0,
		SubsystemID: 2, // Block Device
		Command:     1, // Enable IO port
		BAR: [6]uint32{
			uint32(v.ioBase) | 0x1,
		},
		// https://github.com/torvalds/linux/blob/fb3b0673b7d5b477ed104949450cd511337ba3c6/drivers/pci/setup-irq.c#L30-L55
		InterruptPin:  1,
		InterruptLine: v.line,
	}
}

func (v *Blk) GetIORange() (start, end uint64) {
	return v.ioBase, v.ioBase + BlkIOPortSize
}

// Relocate moves the I/O BAR to base. It must be called before the device
// is registered on a bus.
func (v *Blk) Relocate(base uint64) {
	v.ioBase = base
}

func (v *Blk) Size() uint64 {
	return BlkIOPortSize
}

// DeviceID returns the GET_ID string of the device.
func (v *Blk) DeviceID() []byte {
	return v.id
}

// Read handles guest reads of the I/O BAR. Reading the ISR clears it.
func (v *Blk) Read(port uint64, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	offset := int(port - v.ioBase)

	b, err := v.hdr.Bytes()
	if err != nil {
		return err
	}

	for i := range data {
		data[i] = 0
	}

	if offset < 0 || offset >= len(b) {
		return nil
	}

	copy(data, b[offset:])

	if offset <= regISR && regISR < offset+len(data) {
		v.hdr.ISR = 0
	}

	return nil
}

// Write handles guest writes of the I/O BAR. It never blocks the caller.
func (v *Blk) Write(port uint64, data []byte) error {
	offset := int(port - v.ioBase)
	val := pci.BytesToNum(data)

	if offset == regQueueNotify {
		select {
		case <-v.done:
		case v.kick <- struct{}{}:
		default:
			// A kick is already queued; the I/O thread drains the whole ring.
		}

		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	switch offset {
	case regGuestFeatures:
		v.hdr.GuestFeatures = uint32(val)
	case regQueuePFN:
		v.hdr.QueuePFN = uint32(val)
		if val == 0 {
			v.queue = nil

			break
		}

		// Queue PFN is aligned to page (4096 bytes)
		v.queue = NewQueue(v.mem, memory.GPA(val*QueueAlign), QueueSize)
	case regQueueSel:
		v.hdr.QueueSel = uint16(val)
	case regDeviceStatus:
		v.hdr.Status = uint8(val)
		if val == 0 {
			v.reset()
		}
	case regISR:
	default:
	}

	return nil
}

func (v *Blk) reset() {
	v.queue = nil
	v.hdr.QueuePFN = 0
	v.hdr.QueueSel = 0
	v.hdr.GuestFeatures = 0
	v.hdr.ISR = 0
}

// SetQueue installs q directly, bypassing the PFN register.
func (v *Blk) SetQueue(q *Queue) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.queue = q
}

// IO completes every request the guest made available and raises one
// interrupt for the batch. It returns ErrNoRequest when the ring was empty.
func (v *Blk) IO() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrClosed
	}

	if v.queue == nil {
		return ErrNoQueue
	}

	var (
		n   int
		err error
	)

	for {
		chain, ok, perr := v.queue.Pop()
		if perr != nil {
			err = perr

			break
		}

		if !ok {
			break
		}

		if perr := v.queue.PushUsed(chain.Head(), v.handle(chain)); perr != nil {
			err = perr

			break
		}

		n++
	}

	// Chains already in the used ring are signalled even when the walk
	// stopped on a broken one.
	if n == 0 {
		if err != nil {
			return err
		}

		return ErrNoRequest
	}

	v.hdr.ISR |= 0x1

	return errors.Join(err, v.irq.Trigger(0))
}

// handle runs one chain and returns the number of bytes written to the
// guest, status byte included.
func (v *Blk) handle(chain DescriptorChain) uint32 {
	req, err := ParseRequest(chain, v.mem, v.store.Capacity())
	if err != nil {
		v.log.WithError(err).WithField("head", chain.Head()).Warn("dropping malformed request")

		return 0
	}

	n, err := req.Process(v.mem, v.store, v.id)
	if err != nil {
		v.log.WithError(err).WithFields(logrus.Fields{
			"type":   req.Type,
			"sector": req.Sector,
		}).Warn("block request failed")
	}

	switch req.Type {
	case RequestRead, RequestGetDeviceID:
		return n + 1
	default:
		return 1
	}
}

// Run serves kicks until ctx is done or the device is closed.
func (v *Blk) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-v.done:
			return nil
		case <-v.kick:
			v.drain()
		}
	}
}

func (v *Blk) drain() {
	for {
		err := v.IO()
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, ErrNoRequest):
		case errors.Is(err, ErrNoQueue), errors.Is(err, ErrClosed):
			v.log.WithError(err).Debug("kick ignored")
		default:
			v.log.WithError(err).Warn("queue processing stopped")
		}

		return
	}
}

// SetLogger routes the device's log entries to l.
func (v *Blk) SetLogger(l *logrus.Logger) {
	v.log = l.WithField("device", "virtio-blk")
}

func (v *Blk) IOThreadEntry() {
	_ = v.Run(context.Background())
}

// Close stops the I/O thread and closes the store if it can be closed.
// It waits for a batch in progress, and no request touches guest memory or
// the store once it returns.
func (v *Blk) Close() error {
	v.closeOnce.Do(func() { close(v.done) })

	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()

	if c, ok := v.store.(io.Closer); ok {
		return c.Close()
	}

	return nil
}
