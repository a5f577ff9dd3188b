// Package irq lets emulated devices deliver interrupts to the guest without
// knowing whether a legacy line or a message signaled interrupt backs them.
package irq

import (
	"errors"
	"fmt"
)

var (
	// ErrAllocation is returned when an index range cannot be claimed.
	ErrAllocation = errors.New("interrupt index allocation failed")

	// ErrConfiguration is returned when configurations do not fit a group.
	ErrConfiguration = errors.New("invalid interrupt configuration")

	// ErrInvalidHandle is returned for destroyed or unknown groups.
	ErrInvalidHandle = errors.New("invalid interrupt group handle")

	// ErrInvalidIndex is returned for an index outside the group.
	ErrInvalidIndex = errors.New("interrupt index out of group range")

	// ErrNotEnabled is returned when a source of a disabled group is used.
	ErrNotEnabled = errors.New("interrupt group not enabled")

	// ErrAlreadyEnabled is returned by Enable on an enabled group.
	ErrAlreadyEnabled = errors.New("interrupt group already enabled")

	// ErrGroupEnabled is returned when an enabled group is destroyed.
	ErrGroupEnabled = errors.New("interrupt group must be disabled before destroy")
)

// SourceType is the delivery mechanism of every source of a group.
type SourceType int

const (
	LegacyIRQ SourceType = iota
	MSIIRQ

	numSourceTypes
)

func (t SourceType) String() string {
	switch t {
	case LegacyIRQ:
		return "legacy"
	case MSIIRQ:
		return "msi"
	default:
		return fmt.Sprintf("SourceType(%d)", int(t))
	}
}

func (t SourceType) valid() bool {
	return t >= 0 && t < numSourceTypes
}

// SourceConfig is the per-index configuration of a source. It is either a
// LegacyConfig or an MSIConfig.
type SourceConfig interface {
	Type() SourceType
	sourceConfig()
}

// LegacyConfig identifies the interrupt line a legacy source asserts.
type LegacyConfig struct {
	Line uint32
}

func (LegacyConfig) Type() SourceType { return LegacyIRQ }
func (LegacyConfig) sourceConfig()    {}

// MSIConfig is the message a message signaled source posts.
type MSIConfig struct {
	AddressLow  uint32
	AddressHigh uint32
	Data        uint32
}

func (MSIConfig) Type() SourceType { return MSIIRQ }
func (MSIConfig) sourceConfig()    {}

func checkConfig(typ SourceType, cfg SourceConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config for %v source", ErrConfiguration, typ)
	}

	if cfg.Type() != typ {
		return fmt.Errorf("%w: %v config for %v source", ErrConfiguration, cfg.Type(), typ)
	}

	return nil
}
