package irq_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/ccvmm/irq"
	"golang.org/x/sync/errgroup"
)

func TestEventFDLegacy(t *testing.T) {
	t.Parallel()

	b := irq.NewEventFDBackend()
	m := newManager(t, b)

	g, err := m.CreateGroup(irq.LegacyIRQ, 5, 1)
	if err != nil {
		t.Fatal(err)
	}

	if err := g.Enable([]irq.SourceConfig{irq.LegacyConfig{Line: 5}}); err != nil {
		t.Fatal(err)
	}

	r, ok := b.Lookup(irq.LegacyIRQ, 5)
	if !ok {
		t.Fatal("route for gsi 5 not registered")
	}

	if g.PendingState(0) {
		t.Fatal("nothing triggered yet")
	}

	var eg errgroup.Group

	for i := 0; i < 8; i++ {
		eg.Go(func() error { return g.Trigger(0) })
	}

	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}

	if !g.PendingState(0) {
		t.Fatal("trigger must leave the source pending")
	}

	n, err := r.Consume()
	if err != nil {
		t.Fatal(err)
	}

	if n != 8 {
		t.Fatalf("expected: %d, actual: %d", 8, n)
	}

	if g.PendingState(0) {
		t.Fatal("consume must clear the pending state")
	}

	if err := g.Disable(); err != nil {
		t.Fatal(err)
	}

	if _, ok := b.Lookup(irq.LegacyIRQ, 5); ok {
		t.Fatal("disable must unregister the route")
	}

	if r.FD() != -1 {
		t.Fatalf("fd %d still open after disable", r.FD())
	}

	if err := r.Trigger(); !errors.Is(err, irq.ErrNotEnabled) {
		t.Fatalf("expected: %v, actual: %v", irq.ErrNotEnabled, err)
	}
}

func TestEventFDMSIMask(t *testing.T) {
	t.Parallel()

	b := irq.NewEventFDBackend()
	m := newManager(t, b)

	g, err := m.CreateGroup(irq.MSIIRQ, 24, 2)
	if err != nil {
		t.Fatal(err)
	}

	if err := g.Enable([]irq.SourceConfig{
		irq.MSIConfig{AddressLow: 0xfee00000, Data: 0x41},
		irq.MSIConfig{AddressLow: 0xfee00000, Data: 0x42},
	}); err != nil {
		t.Fatal(err)
	}

	r, ok := b.Lookup(irq.MSIIRQ, 25)
	if !ok {
		t.Fatal("route for gsi 25 not registered")
	}

	if err := g.Mask(1); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := g.Trigger(1); err != nil {
			t.Fatal(err)
		}
	}

	n, err := r.Consume()
	if err != nil {
		t.Fatal(err)
	}

	if n != 0 {
		t.Fatalf("masked source delivered %d interrupts", n)
	}

	if !g.PendingState(1) {
		t.Fatal("masked trigger must latch the pending bit")
	}

	if err := g.Unmask(1); err != nil {
		t.Fatal(err)
	}

	if n, err = r.Consume(); err != nil {
		t.Fatal(err)
	}

	if n != 1 {
		t.Fatalf("unmask must replay one interrupt, got %d", n)
	}

	if g.PendingState(1) {
		t.Fatal("pending bit must clear after replay")
	}

	if err := g.Update(1, irq.MSIConfig{AddressLow: 0xfee01000, Data: 0x43}); err != nil {
		t.Fatal(err)
	}

	if c := r.Config().(irq.MSIConfig); c.Data != 0x43 {
		t.Fatalf("expected: %#x, actual: %#x", 0x43, c.Data)
	}

	if err := g.Update(1, irq.LegacyConfig{Line: 1}); !errors.Is(err, irq.ErrConfiguration) {
		t.Fatalf("expected: %v, actual: %v", irq.ErrConfiguration, err)
	}

	if err := g.Disable(); err != nil {
		t.Fatal(err)
	}

	if err := g.Destroy(); err != nil {
		t.Fatal(err)
	}
}

func TestEventFDSameIndexBothTypes(t *testing.T) {
	t.Parallel()

	b := irq.NewEventFDBackend()
	m := irq.NewManager(irq.NewAllocator(irq.Range{Base: 0, Count: 24}, irq.Range{Base: 0, Count: 24}), b)

	legacy, err := m.CreateGroup(irq.LegacyIRQ, 5, 1)
	if err != nil {
		t.Fatal(err)
	}

	msi, err := m.CreateGroup(irq.MSIIRQ, 5, 1)
	if err != nil {
		t.Fatal(err)
	}

	if err := legacy.Enable([]irq.SourceConfig{irq.LegacyConfig{Line: 5}}); err != nil {
		t.Fatal(err)
	}

	if err := msi.Enable([]irq.SourceConfig{irq.MSIConfig{AddressLow: 0xfee00000, Data: 0x1}}); err != nil {
		t.Fatal(err)
	}

	if err := legacy.Trigger(0); err != nil {
		t.Fatal(err)
	}

	lr, ok := b.Lookup(irq.LegacyIRQ, 5)
	if !ok {
		t.Fatal("legacy route for 5 not registered")
	}

	if _, ok := lr.Config().(irq.LegacyConfig); !ok {
		t.Fatalf("unexpected config: %#v", lr.Config())
	}

	mr, ok := b.Lookup(irq.MSIIRQ, 5)
	if !ok {
		t.Fatal("msi route for 5 not registered")
	}

	if n, err := lr.Consume(); err != nil || n != 1 {
		t.Fatalf("expected: 1, actual: %d (%v)", n, err)
	}

	if n, err := mr.Consume(); err != nil || n != 0 {
		t.Fatalf("expected: 0, actual: %d (%v)", n, err)
	}

	if err := msi.Disable(); err != nil {
		t.Fatal(err)
	}

	if _, ok := b.Lookup(irq.LegacyIRQ, 5); !ok {
		t.Fatal("disabling the msi group must keep the legacy route")
	}
}
