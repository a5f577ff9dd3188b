// Package ebda builds the Extended BIOS Data Area the guest kernel scans for
// the Intel MP floating pointer.
package ebda

import (
	"bytes"
	"encoding/binary"
)

const (
	// MPFSignature is "_MP_" read as a little-endian uint32.
	MPFSignature = ('_' << 24) | ('P' << 16) | ('M' << 8) | '_'

	// mpfParagraphs is the structure length in 16 byte units.
	mpfParagraphs = 1
	mpfSpecRev14  = 4

	// paddingSize keeps the pointer 16 byte aligned inside the first KiB.
	// https://github.com/torvalds/linux/blob/2f111a6fd5b5297b4e92f53798ca086f7c7d33a4/arch/x86/kernel/mpparse.c#L597
	paddingSize = 16 * 3
)

// EBDA is the content written at bootparam.EBDAStart.
type EBDA struct {
	_        [paddingSize]uint8
	MPFIntel MPFIntel
}

func (e *EBDA) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, e); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

func New() (*EBDA, error) {
	e := &EBDA{}

	mpfIntel, err := NewMPFIntel()
	if err != nil {
		return e, err
	}

	e.MPFIntel = *mpfIntel

	return e, nil
}

// MPFIntel is the Intel MP floating pointer structure.
// ported from https://github.com/torvalds/linux/blob/5bfc75d92/arch/x86/include/asm/mpspec_def.h#L22-L33
type MPFIntel struct {
	Signature     uint32
	PhysPtr       uint32
	Length        uint8
	Specification uint8
	CheckSum      uint8
	Feature1      uint8
	Feature2      uint8
	Feature3      uint8
	Feature4      uint8
	Feature5      uint8
}

func NewMPFIntel() (*MPFIntel, error) {
	m := &MPFIntel{
		Signature:     MPFSignature,
		Length:        mpfParagraphs,
		Specification: mpfSpecRev14,
	}

	sum, err := m.CalcCheckSum()
	if err != nil {
		return m, err
	}

	// The bytes of the structure must add up to zero.
	m.CheckSum = -sum

	return m, nil
}

// CalcCheckSum returns the 8-bit sum of the encoded structure.
func (m *MPFIntel) CalcCheckSum() (uint8, error) {
	b, err := m.Bytes()
	if err != nil {
		return 0, err
	}

	var sum uint8
	for _, v := range b {
		sum += v
	}

	return sum, nil
}

func (m *MPFIntel) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, m); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}
