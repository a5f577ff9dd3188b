// Package disk provides the backing stores of virtio block devices.
package disk

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// IDLen is the length of a virtio-blk device id.
const IDLen = 20

var (
	ErrReadOnly   = errors.New("disk is read-only")
	ErrNoSpace    = errors.New("write past disk capacity")
	ErrBadWhence  = errors.New("invalid whence")
	ErrNegSeekPos = errors.New("negative seek position")
)

// File is a disk image or host block device.
type File struct {
	f        *os.File
	readOnly bool
	capacity uint64
	id       []byte
}

// Open opens the image at path. Capacity is taken from the end offset so
// that block devices report their real size.
func Open(path string, readOnly bool) (*File, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("size of %s: %w", path, err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()

		return nil, err
	}

	id, err := deviceID(f)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("device id of %s: %w", path, err)
	}

	return &File{f: f, readOnly: readOnly, capacity: uint64(size), id: id}, nil
}

// deviceID builds the id from the device, special device and inode numbers
// of the image, so two images never share one.
func deviceID(f *os.File) ([]byte, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return nil, err
	}

	return PadID(fmt.Sprintf("%d%d%d", st.Dev, st.Rdev, st.Ino)), nil
}

// PadID truncates or zero pads s to IDLen bytes.
func PadID(s string) []byte {
	id := make([]byte, IDLen)
	copy(id, s)

	return id
}

func (d *File) Read(p []byte) (int, error) {
	return d.f.Read(p)
}

func (d *File) Write(p []byte) (int, error) {
	if d.readOnly {
		return 0, fmt.Errorf("%w: %s", ErrReadOnly, d.f.Name())
	}

	return d.f.Write(p)
}

func (d *File) Seek(offset int64, whence int) (int64, error) {
	return d.f.Seek(offset, whence)
}

// Flush commits written data to stable storage.
func (d *File) Flush() error {
	if d.readOnly {
		return nil
	}

	if err := unix.Fdatasync(int(d.f.Fd())); err != nil {
		return fmt.Errorf("fdatasync %s: %w", d.f.Name(), err)
	}

	return nil
}

func (d *File) Capacity() uint64 { return d.capacity }
func (d *File) DeviceID() []byte { return d.id }
func (d *File) ReadOnly() bool   { return d.readOnly }
func (d *File) Name() string     { return d.f.Name() }

func (d *File) Close() error {
	return d.f.Close()
}
