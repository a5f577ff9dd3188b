package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/bobuhiro11/ccvmm/config"
	"github.com/google/go-cmp/cmp"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in       string
		unit     string
		expected int
	}{
		{in: "1G", expected: 1 << 30},
		{in: "1", unit: "g", expected: 1 << 30},
		{in: "512m", expected: 512 << 20},
		{in: "0x10K", expected: 16 << 10},
		{in: "4096", expected: 4096},
	} {
		actual, err := config.ParseSize(tt.in, tt.unit)
		if err != nil {
			t.Fatal(err)
		}

		if actual != tt.expected {
			t.Fatalf("%s: expected: %d, actual: %d", tt.in, tt.expected, actual)
		}
	}

	for _, in := range []string{"", "G", "1T", "x1G"} {
		if _, err := config.ParseSize(in, ""); err == nil {
			t.Fatalf("%q must not parse", in)
		}
	}

	if _, err := config.ParseSize("1", "t"); !errors.Is(err, strconv.ErrSyntax) {
		t.Fatalf("expected: %v, actual: %v", strconv.ErrSyntax, err)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	c, err := config.Parse([]byte(`
memory: 256M
disks:
  - path: /var/lib/images/root.img
    readOnly: true
  - path: scratch.img
    id: scratch
irq:
  backend: kvm
`))
	if err != nil {
		t.Fatal(err)
	}

	expected := config.Default()
	expected.Memory = 256 << 20
	expected.IRQ.Backend = config.BackendKVM
	expected.Disks = []config.Disk{
		{Path: "/var/lib/images/root.img", ReadOnly: true},
		{Path: "scratch.img", ID: "scratch"},
	}

	if diff := cmp.Diff(expected, c); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestParseEmpty(t *testing.T) {
	t.Parallel()

	c, err := config.Parse(nil)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(config.Default(), c); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"memory: 1M",
		"memory: 2T",
		"memory: [1]",
		"unknown: 1",
		"irq: {backend: vfio}",
		"disks: [{readOnly: true}]",
		"irq: {legacyCount: 1}\ndisks: [{path: a}, {path: b}]",
		"irq: {msiBase: 0xffffffff, msiCount: 2}",
	} {
		if _, err := config.Parse([]byte(in)); !errors.Is(err, config.ErrInvalid) {
			t.Fatalf("%q: expected: %v, actual: %v", in, config.ErrInvalid, err)
		}
	}
}

func TestLoadRoundTrip(t *testing.T) {
	t.Parallel()

	c := config.Default()
	c.Memory = 64 << 20
	c.Disks = []config.Disk{{Path: "disk.img"}}

	b, err := c.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "vm.yaml")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}

	actual, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(c, actual); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}
