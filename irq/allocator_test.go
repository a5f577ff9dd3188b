package irq_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/ccvmm/irq"
)

func TestAllocatorClaim(t *testing.T) {
	t.Parallel()

	a := irq.NewAllocator(irq.Range{Base: 0, Count: 24}, irq.Range{Base: 24, Count: 1000})

	if err := a.Claim(irq.LegacyIRQ, 5, 3); err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name  string
		typ   irq.SourceType
		base  uint32
		count uint32
		ok    bool
	}{
		{name: "Same", typ: irq.LegacyIRQ, base: 5, count: 3},
		{name: "OverlapLow", typ: irq.LegacyIRQ, base: 3, count: 3},
		{name: "OverlapHigh", typ: irq.LegacyIRQ, base: 7, count: 2},
		{name: "Inside", typ: irq.LegacyIRQ, base: 6, count: 1},
		{name: "Covering", typ: irq.LegacyIRQ, base: 0, count: 20},
		{name: "AdjacentBelow", typ: irq.LegacyIRQ, base: 2, count: 3, ok: true},
		{name: "AdjacentAbove", typ: irq.LegacyIRQ, base: 8, count: 1, ok: true},
		{name: "Empty", typ: irq.LegacyIRQ, base: 12, count: 0},
		{name: "OutsideWindow", typ: irq.LegacyIRQ, base: 20, count: 5},
		{name: "OtherType", typ: irq.MSIIRQ, base: 24, count: 8, ok: true},
		{name: "MSIBelowWindow", typ: irq.MSIIRQ, base: 5, count: 3},
		{name: "Wrap", typ: irq.MSIIRQ, base: 0xffffffff, count: 2},
	} {
		err := a.Claim(tt.typ, tt.base, tt.count)

		if tt.ok && err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}

		if !tt.ok && !errors.Is(err, irq.ErrAllocation) {
			t.Fatalf("%s: expected: %v, actual: %v", tt.name, irq.ErrAllocation, err)
		}
	}
}

func TestAllocatorAllocate(t *testing.T) {
	t.Parallel()

	a := irq.NewAllocator(irq.Range{Base: 0, Count: 16}, irq.Range{})

	if err := a.Claim(irq.LegacyIRQ, 2, 2); err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		count    uint32
		expected uint32
	}{
		{count: 2, expected: 0},
		{count: 1, expected: 4},
		{count: 4, expected: 5},
		{count: 7, expected: 9},
	} {
		base, err := a.Allocate(irq.LegacyIRQ, tt.count)
		if err != nil {
			t.Fatal(err)
		}

		if base != tt.expected {
			t.Fatalf("expected: %d, actual: %d", tt.expected, base)
		}
	}

	if _, err := a.Allocate(irq.LegacyIRQ, 1); !errors.Is(err, irq.ErrAllocation) {
		t.Fatalf("expected: %v, actual: %v", irq.ErrAllocation, err)
	}

	if _, err := a.Allocate(irq.MSIIRQ, 1); !errors.Is(err, irq.ErrAllocation) {
		t.Fatalf("empty window must not allocate: %v", err)
	}

	if err := a.Release(irq.LegacyIRQ, 5, 3); !errors.Is(err, irq.ErrAllocation) {
		t.Fatalf("partial release must fail: %v", err)
	}

	if err := a.Release(irq.LegacyIRQ, 5, 4); err != nil {
		t.Fatal(err)
	}

	base, err := a.Allocate(irq.LegacyIRQ, 3)
	if err != nil {
		t.Fatal(err)
	}

	if base != 5 {
		t.Fatalf("expected: %d, actual: %d", 5, base)
	}
}
