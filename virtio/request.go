package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/ccvmm/memory"
)

const (
	SectorShift = 9
	SectorSize  = 1 << SectorShift

	// DeviceIDLen is the size of the GET_ID response.
	DeviceIDLen = 20

	requestHeaderSize = 16
)

var (
	ErrDescriptorChainTooShort       = errors.New("descriptor chain too short")
	ErrDescriptorLengthTooSmall      = errors.New("descriptor length too small")
	ErrDescriptorLengthTooBig        = errors.New("descriptor length too big")
	ErrUnexpectedWriteOnlyDescriptor = errors.New("unexpected write-only descriptor")
	ErrUnexpectedReadOnlyDescriptor  = errors.New("unexpected read-only descriptor")
	ErrInvalidGuestAddress           = errors.New("invalid guest address")
	ErrInvalidOffset                 = errors.New("invalid offset")
)

// UnsupportedError is returned when executing a request type the device
// does not implement.
type UnsupportedError struct {
	Code uint32
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported request type %d", e.Code)
}

// RequestType is the raw type field of the request header.
type RequestType uint32

const (
	RequestRead        RequestType = 0
	RequestWrite       RequestType = 1
	RequestFlush       RequestType = 4
	RequestGetDeviceID RequestType = 8
)

func (t RequestType) String() string {
	switch t {
	case RequestRead:
		return "read"
	case RequestWrite:
		return "write"
	case RequestFlush:
		return "flush"
	case RequestGetDeviceID:
		return "get-id"
	default:
		return fmt.Sprintf("unsupported(%d)", uint32(t))
	}
}

// Supported reports whether t is one of the implemented types.
func (t RequestType) Supported() bool {
	switch t {
	case RequestRead, RequestWrite, RequestFlush, RequestGetDeviceID:
		return true
	default:
		return false
	}
}

// Status is the byte written back to the guest after execution.
type Status uint8

const (
	StatusOK          Status = 0
	StatusIOErr       Status = 1
	StatusUnsupported Status = 2
)

// StatusFor maps an execution error to the status the guest sees.
func StatusFor(err error) Status {
	var ue *UnsupportedError

	switch {
	case err == nil:
		return StatusOK
	case errors.As(err, &ue):
		return StatusUnsupported
	default:
		return StatusIOErr
	}
}

// GuestMemory is the part of guest memory the engine needs.
type GuestMemory interface {
	Read(addr memory.GPA, b []byte) error
	Write(addr memory.GPA, b []byte) error
	CheckRange(addr memory.GPA, n uint64) bool
}

// BackingStore is the storage behind a block device.
type BackingStore interface {
	io.ReadWriteSeeker
	Flush() error
	Capacity() uint64
}

// IODescriptor is one data segment of a request.
type IODescriptor struct {
	Addr memory.GPA
	Len  uint32
}

// Request is a validated block request.
type Request struct {
	Type       RequestType
	Sector     uint64
	StatusAddr memory.GPA
	Head       uint16
	Data       []IODescriptor
}

// ParseRequest validates one chain taken from the queue. Nothing is written
// to guest memory, so a failed chain leaves no status behind.
func ParseRequest(chain DescriptorChain, mem GuestMemory, capacity uint64) (*Request, error) {
	hdr, err := chain.Next()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty chain", ErrDescriptorChainTooShort)
	}

	if err != nil {
		return nil, err
	}

	if hdr.IsWriteOnly() {
		return nil, fmt.Errorf("%w: request header", ErrUnexpectedWriteOnlyDescriptor)
	}

	if hdr.Len < requestHeaderSize {
		return nil, fmt.Errorf("%w: request header of %d bytes", ErrDescriptorLengthTooSmall, hdr.Len)
	}

	var b [requestHeaderSize]byte
	if err := mem.Read(hdr.Addr, b[:]); err != nil {
		return nil, fmt.Errorf("%w: request header: %w", ErrInvalidGuestAddress, err)
	}

	req := &Request{
		Type:   RequestType(binary.LittleEndian.Uint32(b[0:4])),
		Sector: binary.LittleEndian.Uint64(b[8:16]),
		Head:   chain.Head(),
	}

	var descs []Descriptor

	for {
		d, err := chain.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, err
		}

		descs = append(descs, d)
	}

	switch len(descs) {
	case 0:
		return nil, fmt.Errorf("%w: no status descriptor", ErrDescriptorChainTooShort)
	case 1:
		if req.Type != RequestFlush {
			return nil, fmt.Errorf("%w: %v without data", ErrDescriptorChainTooShort, req.Type)
		}
	}

	data, status := descs[:len(descs)-1], descs[len(descs)-1]

	for _, d := range data {
		if err := checkDataDescriptor(req.Type, d, mem, capacity); err != nil {
			return nil, err
		}

		req.Data = append(req.Data, IODescriptor{Addr: d.Addr, Len: d.Len})
	}

	if !status.IsWriteOnly() {
		return nil, fmt.Errorf("%w: status", ErrUnexpectedReadOnlyDescriptor)
	}

	if status.Len < 1 {
		return nil, fmt.Errorf("%w: status", ErrDescriptorLengthTooSmall)
	}

	if !mem.CheckRange(status.Addr, 1) {
		return nil, fmt.Errorf("%w: status at %#x", ErrInvalidGuestAddress, uint64(status.Addr))
	}

	req.StatusAddr = status.Addr

	return req, nil
}

func checkDataDescriptor(typ RequestType, d Descriptor, mem GuestMemory, capacity uint64) error {
	switch typ {
	case RequestWrite:
		if d.IsWriteOnly() {
			return fmt.Errorf("%w: %v data", ErrUnexpectedWriteOnlyDescriptor, typ)
		}
	case RequestRead, RequestGetDeviceID:
		if !d.IsWriteOnly() {
			return fmt.Errorf("%w: %v data", ErrUnexpectedReadOnlyDescriptor, typ)
		}
	case RequestFlush:
	}

	if uint64(d.Len) > capacity {
		return fmt.Errorf("%w: %d bytes on a %d byte disk", ErrDescriptorLengthTooBig, d.Len, capacity)
	}

	if !mem.CheckRange(d.Addr, uint64(d.Len)) {
		return fmt.Errorf("%w: data [%#x, +%#x)", ErrInvalidGuestAddress, uint64(d.Addr), d.Len)
	}

	return nil
}

// CheckCapacity verifies that the bytes a read or write touches, rounded up
// to whole sectors, lie inside the disk. Segments are contiguous on the
// disk, so only the running end is rounded.
func (r *Request) CheckCapacity(capacity uint64) error {
	if r.Type != RequestRead && r.Type != RequestWrite {
		return nil
	}

	if r.Sector > capacity>>SectorShift {
		return fmt.Errorf("%w: sector %d", ErrInvalidOffset, r.Sector)
	}

	offset := r.Sector << SectorShift

	for _, d := range r.Data {
		end := offset + uint64(d.Len)

		if rounded := (end + SectorSize - 1) &^ (SectorSize - 1); rounded > capacity {
			return fmt.Errorf("%w: [%#x, %#x) past %#x", ErrInvalidOffset, offset, rounded, capacity)
		}

		offset = end
	}

	return nil
}

// Execute performs the request and returns the number of bytes moved. It
// does not write the status byte.
func (r *Request) Execute(mem GuestMemory, store BackingStore, deviceID []byte) (uint32, error) {
	if !r.Type.Supported() {
		return 0, &UnsupportedError{Code: uint32(r.Type)}
	}

	if err := r.CheckCapacity(store.Capacity()); err != nil {
		return 0, err
	}

	switch r.Type {
	case RequestFlush:
		return 0, store.Flush()
	case RequestGetDeviceID:
		return r.writeDeviceID(mem, deviceID)
	case RequestRead, RequestWrite:
	}

	if _, err := store.Seek(int64(r.Sector<<SectorShift), io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek to sector %d: %w", r.Sector, err)
	}

	var total uint32

	for _, d := range r.Data {
		buf := make([]byte, d.Len)

		if r.Type == RequestRead {
			if _, err := io.ReadFull(store, buf); err != nil {
				return total, fmt.Errorf("read sector %d: %w", r.Sector, err)
			}

			if err := mem.Write(d.Addr, buf); err != nil {
				return total, err
			}
		} else {
			if err := mem.Read(d.Addr, buf); err != nil {
				return total, err
			}

			if _, err := store.Write(buf); err != nil {
				return total, fmt.Errorf("write sector %d: %w", r.Sector, err)
			}
		}

		total += d.Len
	}

	return total, nil
}

func (r *Request) writeDeviceID(mem GuestMemory, deviceID []byte) (uint32, error) {
	if len(r.Data) == 0 || r.Data[0].Len < DeviceIDLen {
		return 0, fmt.Errorf("%w: device id needs %d bytes", ErrInvalidOffset, DeviceIDLen)
	}

	id := make([]byte, DeviceIDLen)
	copy(id, deviceID)

	if err := mem.Write(r.Data[0].Addr, id); err != nil {
		return 0, err
	}

	return DeviceIDLen, nil
}

// UpdateStatus writes the one byte completion status.
func (r *Request) UpdateStatus(mem GuestMemory, status Status) error {
	return mem.Write(r.StatusAddr, []byte{byte(status)})
}

// Process executes the request and always completes it with a status. The
// execution error, if any, is returned for the host to log.
func (r *Request) Process(mem GuestMemory, store BackingStore, deviceID []byte) (uint32, error) {
	n, err := r.Execute(mem, store, deviceID)

	if serr := r.UpdateStatus(mem, StatusFor(err)); serr != nil {
		return n, errors.Join(err, fmt.Errorf("status at %#x: %w", uint64(r.StatusAddr), serr))
	}

	return n, err
}
