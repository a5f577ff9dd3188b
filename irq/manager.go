package irq

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Handle names a group in its manager. A handle stays invalid once its
// group is destroyed, even if the slot is reused.
type Handle uint64

func newHandle(slot, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(slot))
}

func (h Handle) slot() uint32 { return uint32(h) }
func (h Handle) gen() uint32  { return uint32(h >> 32) }

func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.slot(), h.gen())
}

type groupState int32

const (
	stateCreated groupState = iota
	stateEnabled
	stateDisabled
	stateDestroyed
)

type routeRef struct {
	r Route
}

type source struct {
	route atomic.Pointer[routeRef]
	cfg   SourceConfig
}

type group struct {
	gen   uint32
	typ   SourceType
	base  uint32
	count uint32

	// ctl serialises control-plane transitions of this group. The trigger
	// path never takes it.
	ctl     sync.Mutex
	state   atomic.Int32
	sources []source
}

func (g *group) loadState() groupState {
	return groupState(g.state.Load())
}

func (g *group) source(index uint32) (*source, error) {
	if index >= g.count {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidIndex, index, g.count)
	}

	return &g.sources[index], nil
}

// Manager owns the interrupt source groups of one VM.
type Manager struct {
	backend Backend
	log     *logrus.Entry

	// mu guards alloc, free and nextGen, and serialises writers of arena.
	// It is never held across a backend call.
	mu      sync.Mutex
	alloc   *Allocator
	free    []uint32
	nextGen uint32

	// arena is replaced, never modified, so readers need no lock.
	arena atomic.Pointer[[]*group]
}

// NewManager returns a manager that claims indices from alloc and delivers
// through backend.
func NewManager(alloc *Allocator, backend Backend) *Manager {
	m := &Manager{
		backend: backend,
		alloc:   alloc,
		log:     logrus.WithField("component", "irq"),
	}

	m.arena.Store(&[]*group{})

	return m
}

// CreateGroup claims [base, base+count) of typ for one device.
func (m *Manager) CreateGroup(typ SourceType, base, count uint32) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.alloc.Claim(typ, base, count); err != nil {
		return nil, err
	}

	return m.insertLocked(typ, base, count), nil
}

// AllocateGroup claims the lowest free range of count indices of typ.
func (m *Manager) AllocateGroup(typ SourceType, count uint32) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	base, err := m.alloc.Allocate(typ, count)
	if err != nil {
		return nil, err
	}

	return m.insertLocked(typ, base, count), nil
}

func (m *Manager) insertLocked(typ SourceType, base, count uint32) *Group {
	m.nextGen++

	g := &group{
		gen:     m.nextGen,
		typ:     typ,
		base:    base,
		count:   count,
		sources: make([]source, count),
	}

	old := *m.arena.Load()

	var slot uint32
	if n := len(m.free); n > 0 {
		slot = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		slot = uint32(len(old))
	}

	arena := make([]*group, max(len(old), int(slot)+1))
	copy(arena, old)
	arena[slot] = g
	m.arena.Store(&arena)

	h := newHandle(slot, g.gen)

	m.log.WithFields(logrus.Fields{
		"handle": h,
		"type":   typ,
		"base":   base,
		"count":  count,
	}).Debug("interrupt group created")

	return &Group{m: m, h: h, typ: typ, base: base, count: count}
}

func (m *Manager) lookup(h Handle) (*group, error) {
	arena := *m.arena.Load()

	if s := h.slot(); int(s) < len(arena) {
		if g := arena[s]; g != nil && g.gen == h.gen() && g.loadState() != stateDestroyed {
			return g, nil
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrInvalidHandle, h)
}

// Enable installs one configuration per index and starts delivery.
func (m *Manager) Enable(h Handle, configs []SourceConfig) error {
	g, err := m.lookup(h)
	if err != nil {
		return err
	}

	g.ctl.Lock()
	defer g.ctl.Unlock()

	switch g.loadState() {
	case stateDestroyed:
		return fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	case stateEnabled:
		return fmt.Errorf("%w: %v", ErrAlreadyEnabled, h)
	case stateCreated, stateDisabled:
	}

	if uint64(len(configs)) != uint64(g.count) {
		return fmt.Errorf("%w: %d configs for %d sources", ErrConfiguration, len(configs), g.count)
	}

	for _, cfg := range configs {
		if err := checkConfig(g.typ, cfg); err != nil {
			return err
		}
	}

	routes := make([]Route, 0, g.count)

	for i, cfg := range configs {
		r, err := m.backend.Attach(g.typ, g.base+uint32(i), cfg)
		if err != nil {
			for _, r := range routes {
				_ = r.Close()
			}

			return fmt.Errorf("attach %v source %d: %w", g.typ, g.base+uint32(i), err)
		}

		routes = append(routes, r)
	}

	for i, r := range routes {
		g.sources[i].cfg = configs[i]
		g.sources[i].route.Store(&routeRef{r: r})
	}

	g.state.Store(int32(stateEnabled))

	m.log.WithField("handle", h).Debug("interrupt group enabled")

	return nil
}

// Update replaces the configuration of one source of an enabled group.
func (m *Manager) Update(h Handle, index uint32, cfg SourceConfig) error {
	g, err := m.lookup(h)
	if err != nil {
		return err
	}

	g.ctl.Lock()
	defer g.ctl.Unlock()

	if g.loadState() != stateEnabled {
		return fmt.Errorf("%w: %v", ErrNotEnabled, h)
	}

	s, err := g.source(index)
	if err != nil {
		return err
	}

	if err := checkConfig(g.typ, cfg); err != nil {
		return err
	}

	if err := s.route.Load().r.Update(cfg); err != nil {
		return fmt.Errorf("update %v source %d: %w", g.typ, g.base+index, err)
	}

	s.cfg = cfg

	m.log.WithFields(logrus.Fields{"handle": h, "index": index}).Debug("interrupt source updated")

	return nil
}

// Disable stops delivery and releases the backend routes. The index range
// stays claimed until the group is destroyed.
func (m *Manager) Disable(h Handle) error {
	g, err := m.lookup(h)
	if err != nil {
		return err
	}

	g.ctl.Lock()
	defer g.ctl.Unlock()

	if g.loadState() != stateEnabled {
		return fmt.Errorf("%w: %v", ErrNotEnabled, h)
	}

	var errs []error

	for i := range g.sources {
		if ref := g.sources[i].route.Swap(nil); ref != nil {
			errs = append(errs, ref.r.Close())
		}
	}

	g.state.Store(int32(stateDisabled))

	m.log.WithField("handle", h).Debug("interrupt group disabled")

	return errors.Join(errs...)
}

// DestroyGroup releases the index range of a created or disabled group.
func (m *Manager) DestroyGroup(h Handle) error {
	g, err := m.lookup(h)
	if err != nil {
		return err
	}

	g.ctl.Lock()

	switch g.loadState() {
	case stateEnabled:
		g.ctl.Unlock()

		return fmt.Errorf("%w: %v", ErrGroupEnabled, h)
	case stateDestroyed:
		g.ctl.Unlock()

		return fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	case stateCreated, stateDisabled:
	}

	g.state.Store(int32(stateDestroyed))
	g.ctl.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	old := *m.arena.Load()
	arena := make([]*group, len(old))
	copy(arena, old)
	arena[h.slot()] = nil
	m.arena.Store(&arena)
	m.free = append(m.free, h.slot())

	m.log.WithField("handle", h).Debug("interrupt group destroyed")

	return m.alloc.Release(g.typ, g.base, g.count)
}

// Trigger raises the source at index of the group.
func (m *Manager) Trigger(h Handle, index uint32) error {
	r, err := m.route(h, index)
	if err != nil {
		return err
	}

	return r.Trigger()
}

// Mask suppresses delivery of one source if its route can. Otherwise it
// succeeds without effect.
func (m *Manager) Mask(h Handle, index uint32) error {
	r, err := m.route(h, index)
	if err != nil {
		return err
	}

	if mk, ok := r.(Masker); ok {
		return mk.Mask()
	}

	return nil
}

// Unmask re-enables delivery of one source.
func (m *Manager) Unmask(h Handle, index uint32) error {
	r, err := m.route(h, index)
	if err != nil {
		return err
	}

	if mk, ok := r.(Masker); ok {
		return mk.Unmask()
	}

	return nil
}

// PendingState reports whether an interrupt of the source is waiting. It
// is false whenever the route cannot tell.
func (m *Manager) PendingState(h Handle, index uint32) bool {
	r, err := m.route(h, index)
	if err != nil {
		return false
	}

	if p, ok := r.(PendingReporter); ok {
		return p.Pending()
	}

	return false
}

// Config returns the configuration currently installed at index.
func (m *Manager) Config(h Handle, index uint32) (SourceConfig, error) {
	g, err := m.lookup(h)
	if err != nil {
		return nil, err
	}

	g.ctl.Lock()
	defer g.ctl.Unlock()

	s, err := g.source(index)
	if err != nil {
		return nil, err
	}

	if g.loadState() != stateEnabled {
		return nil, fmt.Errorf("%w: %v", ErrNotEnabled, h)
	}

	return s.cfg, nil
}

func (m *Manager) route(h Handle, index uint32) (Route, error) {
	g, err := m.lookup(h)
	if err != nil {
		return nil, err
	}

	s, err := g.source(index)
	if err != nil {
		return nil, err
	}

	ref := s.route.Load()
	if ref == nil {
		return nil, fmt.Errorf("%w: %v", ErrNotEnabled, h)
	}

	return ref.r, nil
}
