package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// ErrOutOfRange is returned when an access does not fit in one backed region.
var ErrOutOfRange = errors.New("guest memory access out of range")

var errRegionSize = errors.New("invalid region size")

// GPA is a guest physical address.
type GPA uint64

// Add returns a+n and whether the sum overflowed.
func (a GPA) Add(n uint64) (GPA, bool) {
	sum := uint64(a) + n

	return GPA(sum), sum < uint64(a)
}

// Region is one contiguous span of guest memory backed by host memory.
type Region struct {
	Start  GPA
	Buf    []byte
	mapped bool
}

// End returns the first address after the region.
func (r *Region) End() GPA {
	return r.Start + GPA(len(r.Buf))
}

func (r *Region) contains(addr GPA, n uint64) bool {
	end, overflow := addr.Add(n)
	if overflow {
		return false
	}

	return addr >= r.Start && end <= r.End()
}

// GuestMemory is the guest physical address space as seen by the monitor.
// All accesses are bounds-checked against the backed regions.
type GuestMemory struct {
	Regions []*Region
	as      *AddressSpace
}

func newGuestMemory() *GuestMemory {
	return &GuestMemory{
		as: NewAddressSpace("guest-phys", 0, math.MaxUint64),
	}
}

// New allocates size bytes of anonymous guest memory starting at GPA 0.
func New(size int) (*GuestMemory, error) {
	m := newGuestMemory()

	if err := m.AddRegion(0, size); err != nil {
		return nil, err
	}

	return m, nil
}

// NewFromFile maps the first size bytes of f as guest memory starting at GPA 0.
// Writes land in the file, which makes the result inspectable after the
// monitor exits.
func NewFromFile(f *os.File, size int) (*GuestMemory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", errRegionSize, size)
	}

	if err := f.Truncate(int64(size)); err != nil {
		return nil, err
	}

	buf, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}

	m := newGuestMemory()
	if err := m.addRegion(&Region{Start: 0, Buf: buf, mapped: true}); err != nil {
		_ = unix.Munmap(buf)

		return nil, err
	}

	return m, nil
}

// FromSlice wraps buf as guest memory starting at start. The caller keeps
// ownership of buf.
func FromSlice(start GPA, buf []byte) (*GuestMemory, error) {
	m := newGuestMemory()

	if err := m.addRegion(&Region{Start: start, Buf: buf}); err != nil {
		return nil, err
	}

	return m, nil
}

// AddRegion maps size bytes of anonymous memory at start.
func (m *GuestMemory) AddRegion(start GPA, size int) error {
	if size <= 0 {
		return fmt.Errorf("%w: %d", errRegionSize, size)
	}

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("mmap %#x bytes: %w", size, err)
	}

	if err := m.addRegion(&Region{Start: start, Buf: buf, mapped: true}); err != nil {
		_ = unix.Munmap(buf)

		return err
	}

	return nil
}

func (m *GuestMemory) addRegion(r *Region) error {
	if len(r.Buf) == 0 {
		return fmt.Errorf("%w: 0", errRegionSize)
	}

	span := NewAddressSpace(fmt.Sprintf("ram@%#x", r.Start), r.Start, uint64(len(r.Buf)))
	if err := m.as.AddAddress(span); err != nil {
		return err
	}

	m.Regions = append(m.Regions, r)

	return nil
}

// Size returns the total number of backed bytes.
func (m *GuestMemory) Size() uint64 {
	var n uint64
	for _, r := range m.Regions {
		n += uint64(len(r.Buf))
	}

	return n
}

// Contains reports whether addr is backed.
func (m *GuestMemory) Contains(addr GPA) bool {
	return m.CheckRange(addr, 1)
}

// CheckRange reports whether [addr, addr+n) lies inside one region.
func (m *GuestMemory) CheckRange(addr GPA, n uint64) bool {
	_, err := m.slice(addr, n)

	return err == nil
}

func (m *GuestMemory) slice(addr GPA, n uint64) ([]byte, error) {
	for _, r := range m.Regions {
		if r.contains(addr, n) {
			off := uint64(addr - r.Start)

			return r.Buf[off : off+n], nil
		}
	}

	return nil, fmt.Errorf("%w: [%#x, +%#x)", ErrOutOfRange, uint64(addr), n)
}

// Read fills b from guest memory at addr.
func (m *GuestMemory) Read(addr GPA, b []byte) error {
	s, err := m.slice(addr, uint64(len(b)))
	if err != nil {
		return err
	}

	copy(b, s)

	return nil
}

// Write copies b into guest memory at addr.
func (m *GuestMemory) Write(addr GPA, b []byte) error {
	s, err := m.slice(addr, uint64(len(b)))
	if err != nil {
		return err
	}

	copy(s, b)

	return nil
}

func (m *GuestMemory) ReadUint16(addr GPA) (uint16, error) {
	var b [2]byte
	if err := m.Read(addr, b[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b[:]), nil
}

func (m *GuestMemory) ReadUint32(addr GPA) (uint32, error) {
	var b [4]byte
	if err := m.Read(addr, b[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b[:]), nil
}

func (m *GuestMemory) ReadUint64(addr GPA) (uint64, error) {
	var b [8]byte
	if err := m.Read(addr, b[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

func (m *GuestMemory) WriteUint16(addr GPA, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)

	return m.Write(addr, b[:])
}

func (m *GuestMemory) WriteUint32(addr GPA, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)

	return m.Write(addr, b[:])
}

func (m *GuestMemory) WriteUint64(addr GPA, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)

	return m.Write(addr, b[:])
}

// Close unmaps every region that was mapped by this package.
func (m *GuestMemory) Close() error {
	var errs []error

	for _, r := range m.Regions {
		if !r.mapped {
			continue
		}

		if err := unix.Munmap(r.Buf); err != nil {
			errs = append(errs, err)
		}

		r.Buf = nil
	}

	m.Regions = nil

	return errors.Join(errs...)
}
