package irq

import "sync/atomic"

// Backend turns one configured source into something that can raise an
// interrupt in the guest.
type Backend interface {
	// Attach prepares delivery for the source at the absolute index gsi.
	// It may perform host syscalls and is only called on the control plane.
	Attach(typ SourceType, gsi uint32, cfg SourceConfig) (Route, error)
}

// Route delivers the interrupts of one source. Trigger must not block and
// must be safe to call concurrently with Update and Close; after Close it
// returns ErrNotEnabled.
type Route interface {
	Trigger() error
	Update(cfg SourceConfig) error
	Close() error
}

// Masker is implemented by routes that can suppress delivery per source.
type Masker interface {
	Mask() error
	Unmask() error
}

// PendingReporter is implemented by routes that know whether an interrupt
// is waiting to be delivered.
type PendingReporter interface {
	Pending() bool
}

// msiMask holds back messages of a masked vector and replays one of them on
// unmask, the way an MSI-X pending bit does.
type msiMask struct {
	masked  atomic.Bool
	pending atomic.Bool
}

func (m *msiMask) deliver(fire func() error) error {
	if !m.masked.Load() {
		return fire()
	}

	m.pending.Store(true)

	// Unmask may have run between the two loads; replay on its behalf.
	if !m.masked.Load() && m.pending.Swap(false) {
		return fire()
	}

	return nil
}

func (m *msiMask) mask() {
	m.masked.Store(true)
}

func (m *msiMask) unmask(fire func() error) error {
	m.masked.Store(false)

	if m.pending.Swap(false) {
		return fire()
	}

	return nil
}

func (m *msiMask) isPending() bool {
	return m.pending.Load()
}
