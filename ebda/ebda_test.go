package ebda_test

import (
	"encoding/binary"
	"testing"

	"github.com/bobuhiro11/ccvmm/ebda"
)

func TestNewMPFIntel(t *testing.T) {
	t.Parallel()

	m, err := ebda.NewMPFIntel()
	if err != nil {
		t.Fatal(err)
	}

	checkSum, err := m.CalcCheckSum()
	if err != nil {
		t.Fatal(err)
	}

	if checkSum != 0 {
		t.Fatal("Invalid checkSum")
	}

	bytes, err := m.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if len(bytes) != 16 {
		t.Fatal("Invalid size")
	}

	if string(bytes[:4]) != "_MP_" {
		t.Fatalf("expected: _MP_, actual: %q", bytes[:4])
	}
}

func TestEBDABytes(t *testing.T) {
	t.Parallel()

	e, err := ebda.New()
	if err != nil {
		t.Fatal(err)
	}

	b, err := e.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if len(b) != 64 {
		t.Fatalf("expected: 64, actual: %d", len(b))
	}

	if v := binary.LittleEndian.Uint32(b[48:]); v != ebda.MPFSignature {
		t.Fatalf("expected: %#x, actual: %#x", ebda.MPFSignature, v)
	}
}
