// Package config describes one VM: guest memory, disks and interrupt
// windows.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	BackendEventFD = "eventfd"
	BackendKVM     = "kvm"

	// MinMemSize leaves room for the boot structures below 1MiB and the
	// kernel above it.
	MinMemSize = 1 << 25
	// MaxMemSize keeps the guest inside the 512 GiB the boot page tables
	// can ever reach.
	MaxMemSize = 1 << 39

	// MaxCmdlineLen excludes the terminating NUL.
	MaxCmdlineLen = 2047

	defaultCmdline = `console=ttyS0 earlyprintk=serial noapic noacpi notsc ` +
		`pci=realloc=off virtio_pci.force_legacy=1 rdinit=/init init=/init`
)

var ErrInvalid = errors.New("invalid configuration")

// Size is a byte count written as number[gGmMkK] in YAML.
type Size uint64

func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}

	n, err := ParseSize(node.Value, "")
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}

	*s = Size(n)

	return nil
}

func (s Size) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

func (s Size) String() string {
	switch {
	case s != 0 && s%(1<<30) == 0:
		return fmt.Sprintf("%dG", s>>30)
	case s != 0 && s%(1<<20) == 0:
		return fmt.Sprintf("%dM", s>>20)
	case s != 0 && s%(1<<10) == 0:
		return fmt.Sprintf("%dK", s>>10)
	default:
		return strconv.FormatUint(uint64(s), 10)
	}
}

type Disk struct {
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"readOnly,omitempty"`
	// ID overrides the GET_ID string derived from the image.
	ID string `yaml:"id,omitempty"`
}

// IRQ selects the delivery backend and the index windows groups are
// allocated from.
type IRQ struct {
	Backend     string `yaml:"backend"`
	LegacyBase  uint32 `yaml:"legacyBase"`
	LegacyCount uint32 `yaml:"legacyCount"`
	MSIBase     uint32 `yaml:"msiBase"`
	MSICount    uint32 `yaml:"msiCount"`
}

type Config struct {
	Memory Size `yaml:"memory"`
	// Image, when set, backs guest memory with this file.
	Image   string `yaml:"image,omitempty"`
	KVM     string `yaml:"kvm"`
	Cmdline string `yaml:"cmdline"`
	Disks   []Disk `yaml:"disks,omitempty"`
	IRQ     IRQ    `yaml:"irq"`
}

func Default() Config {
	return Config{
		Memory:  1 << 30,
		KVM:     "/dev/kvm",
		Cmdline: defaultCmdline,
		IRQ: IRQ{
			Backend:     BackendEventFD,
			LegacyBase:  5,
			LegacyCount: 11,
			MSIBase:     24,
			MSICount:    1000,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	return Parse(b)
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(b []byte) (Config, error) {
	c := Default()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

func (c Config) Validate() error {
	if c.Memory < MinMemSize || c.Memory > MaxMemSize {
		return fmt.Errorf("%w: memory %v not in [%v, %v]",
			ErrInvalid, c.Memory, Size(MinMemSize), Size(MaxMemSize))
	}

	if len(c.Cmdline) > MaxCmdlineLen {
		return fmt.Errorf("%w: cmdline of %d bytes", ErrInvalid, len(c.Cmdline))
	}

	switch c.IRQ.Backend {
	case BackendEventFD, BackendKVM:
	default:
		return fmt.Errorf("%w: irq backend %q", ErrInvalid, c.IRQ.Backend)
	}

	if uint64(c.IRQ.LegacyBase)+uint64(c.IRQ.LegacyCount) > 1<<32 ||
		uint64(c.IRQ.MSIBase)+uint64(c.IRQ.MSICount) > 1<<32 {
		return fmt.Errorf("%w: irq window wraps", ErrInvalid)
	}

	// Each disk takes one legacy line.
	if len(c.Disks) > int(c.IRQ.LegacyCount) {
		return fmt.Errorf("%w: %d disks but %d legacy lines", ErrInvalid, len(c.Disks), c.IRQ.LegacyCount)
	}

	for i, d := range c.Disks {
		if d.Path == "" {
			return fmt.Errorf("%w: disk %d has no path", ErrInvalid, i)
		}
	}

	return nil
}

// Marshal encodes c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}
