package irq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// EventFDBackend signals each source through its own non-blocking eventfd.
// The consumer (an irqfd registration, a vhost worker, or a test) reads the
// descriptor returned by Lookup.
type EventFDBackend struct {
	routes sync.Map // routeKey -> *EventRoute
}

// Legacy lines and MSI vectors are numbered independently.
type routeKey struct {
	typ SourceType
	gsi uint32
}

func NewEventFDBackend() *EventFDBackend {
	return &EventFDBackend{}
}

func (b *EventFDBackend) Attach(typ SourceType, gsi uint32, cfg SourceConfig) (Route, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	r := &EventRoute{fd: fd, gsi: gsi, typ: typ, backend: b}
	r.cfg.Store(&cfg)

	if typ == MSIIRQ {
		r.mask = &msiMask{}
	}

	b.routes.Store(routeKey{typ: typ, gsi: gsi}, r)

	return r, nil
}

// Lookup returns the live route of source gsi of type typ.
func (b *EventFDBackend) Lookup(typ SourceType, gsi uint32) (*EventRoute, bool) {
	v, ok := b.routes.Load(routeKey{typ: typ, gsi: gsi})
	if !ok {
		return nil, false
	}

	return v.(*EventRoute), true
}

// EventRoute is one eventfd-backed source.
type EventRoute struct {
	backend *EventFDBackend
	gsi     uint32
	typ     SourceType
	cfg     atomic.Pointer[SourceConfig]
	mask    *msiMask

	// mu keeps fd from being closed and reused under a writer.
	mu sync.RWMutex
	fd int
}

// FD returns the eventfd, or -1 after Close.
func (r *EventRoute) FD() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.fd
}

// Config returns the configuration the consumer should deliver with.
func (r *EventRoute) Config() SourceConfig {
	return *r.cfg.Load()
}

func (r *EventRoute) Trigger() error {
	if r.mask != nil {
		return r.mask.deliver(r.signal)
	}

	return r.signal()
}

func (r *EventRoute) signal() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.fd < 0 {
		return ErrNotEnabled
	}

	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)

	_, err := unix.Write(r.fd, b[:])
	if errors.Is(err, unix.EAGAIN) {
		// The counter is saturated: an interrupt is already pending.
		return nil
	}

	if err != nil {
		return fmt.Errorf("eventfd write gsi %d: %w", r.gsi, err)
	}

	return nil
}

// Consume reads and resets the counter. It returns 0 when nothing is pending.
func (r *EventRoute) Consume() (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.fd < 0 {
		return 0, ErrNotEnabled
	}

	var b [8]byte

	_, err := unix.Read(r.fd, b[:])
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("eventfd read gsi %d: %w", r.gsi, err)
	}

	return binary.NativeEndian.Uint64(b[:]), nil
}

func (r *EventRoute) Update(cfg SourceConfig) error {
	r.cfg.Store(&cfg)

	return nil
}

func (r *EventRoute) Mask() error {
	if r.mask != nil {
		r.mask.mask()
	}

	return nil
}

func (r *EventRoute) Unmask() error {
	if r.mask != nil {
		return r.mask.unmask(r.signal)
	}

	return nil
}

// Pending reports a latched MSI or an unread counter.
func (r *EventRoute) Pending() bool {
	if r.mask != nil && r.mask.isPending() {
		return true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.fd < 0 {
		return false
	}

	fds := []unix.PollFd{{Fd: int32(r.fd), Events: unix.POLLIN}}

	n, err := unix.Poll(fds, 0)

	return err == nil && n > 0 && fds[0].Revents&unix.POLLIN != 0
}

func (r *EventRoute) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fd < 0 {
		return nil
	}

	r.backend.routes.CompareAndDelete(routeKey{typ: r.typ, gsi: r.gsi}, r)

	err := unix.Close(r.fd)
	r.fd = -1

	return err
}
