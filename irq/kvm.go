package irq

import (
	"fmt"
	"sync/atomic"

	"github.com/bobuhiro11/ccvmm/kvm"
)

// KVMBackend injects interrupts into a VM with an in-kernel irqchip.
type KVMBackend struct {
	vmFd uintptr
}

func NewKVMBackend(vmFd uintptr) *KVMBackend {
	return &KVMBackend{vmFd: vmFd}
}

func (b *KVMBackend) Attach(typ SourceType, gsi uint32, cfg SourceConfig) (Route, error) {
	switch c := cfg.(type) {
	case LegacyConfig:
		r := &lineRoute{vmFd: b.vmFd}
		r.line.Store(c.Line)

		return r, nil
	case MSIConfig:
		r := &msiRoute{vmFd: b.vmFd}
		r.msg.Store(&c)

		return r, nil
	default:
		return nil, fmt.Errorf("%w: %T for gsi %d", ErrConfiguration, cfg, gsi)
	}
}

// lineRoute pulses a legacy line so edge triggered pins see one rising edge.
type lineRoute struct {
	vmFd   uintptr
	line   atomic.Uint32
	closed atomic.Bool
}

func (r *lineRoute) Trigger() error {
	if r.closed.Load() {
		return ErrNotEnabled
	}

	line := r.line.Load()

	if err := kvm.IRQLine(r.vmFd, line, 1); err != nil {
		return fmt.Errorf("assert line %d: %w", line, err)
	}

	if err := kvm.IRQLine(r.vmFd, line, 0); err != nil {
		return fmt.Errorf("deassert line %d: %w", line, err)
	}

	return nil
}

func (r *lineRoute) Update(cfg SourceConfig) error {
	c, ok := cfg.(LegacyConfig)
	if !ok {
		return fmt.Errorf("%w: %T", ErrConfiguration, cfg)
	}

	r.line.Store(c.Line)

	return nil
}

func (r *lineRoute) Close() error {
	r.closed.Store(true)

	return nil
}

type msiRoute struct {
	vmFd   uintptr
	msg    atomic.Pointer[MSIConfig]
	closed atomic.Bool
	mask   msiMask
}

func (r *msiRoute) signal() error {
	if r.closed.Load() {
		return ErrNotEnabled
	}

	c := r.msg.Load()

	return kvm.SignalMSI(r.vmFd, &kvm.MSI{
		AddressLo: c.AddressLow,
		AddressHi: c.AddressHigh,
		Data:      c.Data,
	})
}

func (r *msiRoute) Trigger() error { return r.mask.deliver(r.signal) }
func (r *msiRoute) Mask() error    { r.mask.mask(); return nil }
func (r *msiRoute) Unmask() error  { return r.mask.unmask(r.signal) }
func (r *msiRoute) Pending() bool  { return r.mask.isPending() }

func (r *msiRoute) Update(cfg SourceConfig) error {
	c, ok := cfg.(MSIConfig)
	if !ok {
		return fmt.Errorf("%w: %T", ErrConfiguration, cfg)
	}

	r.msg.Store(&c)

	return nil
}

func (r *msiRoute) Close() error {
	r.closed.Store(true)

	return nil
}
