package disk

import (
	"fmt"
	"io"
)

// Memory is a fixed-size disk held in a byte slice.
type Memory struct {
	buf     []byte
	off     int64
	flushes int
}

func NewMemory(capacity uint64) *Memory {
	return &Memory{buf: make([]byte, capacity)}
}

// NewMemoryFrom uses b as the disk contents. The disk does not grow.
func NewMemoryFrom(b []byte) *Memory {
	return &Memory{buf: b}
}

func (m *Memory) Read(p []byte) (int, error) {
	if m.off >= int64(len(m.buf)) {
		return 0, io.EOF
	}

	n := copy(p, m.buf[m.off:])
	m.off += int64(n)

	return n, nil
}

func (m *Memory) Write(p []byte) (int, error) {
	if m.off+int64(len(p)) > int64(len(m.buf)) {
		return 0, fmt.Errorf("%w: %d bytes at %d", ErrNoSpace, len(p), m.off)
	}

	n := copy(m.buf[m.off:], p)
	m.off += int64(n)

	return n, nil
}

func (m *Memory) Seek(offset int64, whence int) (int64, error) {
	var abs int64

	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = m.off + offset
	case io.SeekEnd:
		abs = int64(len(m.buf)) + offset
	default:
		return 0, ErrBadWhence
	}

	if abs < 0 {
		return 0, ErrNegSeekPos
	}

	m.off = abs

	return abs, nil
}

func (m *Memory) Flush() error {
	m.flushes++

	return nil
}

func (m *Memory) Capacity() uint64 { return uint64(len(m.buf)) }
func (m *Memory) DeviceID() []byte { return PadID("memdisk") }

// Bytes returns the disk contents.
func (m *Memory) Bytes() []byte { return m.buf }

// Flushes returns how many times Flush was called.
func (m *Memory) Flushes() int { return m.flushes }
