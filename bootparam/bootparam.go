package bootparam

import (
	"encoding/binary"
)

// Real mode layout used by the memory map.
// refs https://github.com/kvmtool/kvmtool/blob/0e1882a49f81cb15d328ef83a78849c0ea26eecc/x86/include/kvm/bios.h
const (
	RealModeIvtBegin = 0x00000000
	EBDAStart        = 0x0009fc00
	VGARAMBegin      = 0x000a0000
	MBBIOSBegin      = 0x000f0000
	MBBIOSEnd        = 0x000fffff
)

// Setup header constants.
// refs https://www.kernel.org/doc/html/latest/x86/boot.html
const (
	BootFlagMagic       = 0xaa55
	HeaderMagic         = 0x53726448 // "HdrS"
	LoaderTypeUndefined = 0xff
	KernelAlignment     = 0x01000000
	LoadedHigh          = 0x01
	KeepSegments        = 0x40
	CanUseHeap          = 0x80
	ZeroPageSize        = 0x1000
	e820EntrySize       = 20
	offsetE820Entries   = 0x1e8
	offsetBootFlag      = 0x1fe
	offsetHeader        = 0x202
	offsetTypeOfLoader  = 0x210
	offsetLoadFlags     = 0x211
	offsetRamdiskImage  = 0x218
	offsetRamdiskSize   = 0x21c
	offsetCmdlinePtr    = 0x228
	offsetKernelAlign   = 0x230
	offsetCmdlineSize   = 0x238
	offsetE820Table     = 0x2d0
)

// Header is the part of the setup header a loader fills in.
type Header struct {
	TypeOfLoader uint8
	LoadFlags    uint8
	RamdiskImage uint32
	RamdiskSize  uint32
	CmdlinePtr   uint32
	CmdlineSize  uint32
}

// BootParam is the Linux zero page (struct boot_params) handed to the kernel.
type BootParam struct {
	Hdr  Header
	E820 E820Table
}

func New() *BootParam {
	return &BootParam{
		Hdr: Header{
			TypeOfLoader: LoaderTypeUndefined,
		},
	}
}

// AddE820Entry appends one range to the memory map of the zero page.
func (b *BootParam) AddE820Entry(addr, size uint64, typ uint32) error {
	return b.E820.Append(addr, size, typ)
}

// Bytes encodes the zero page.
func (b *BootParam) Bytes() []byte {
	buf := make([]byte, ZeroPageSize)
	le := binary.LittleEndian

	le.PutUint16(buf[offsetBootFlag:], BootFlagMagic)
	le.PutUint32(buf[offsetHeader:], HeaderMagic)
	buf[offsetTypeOfLoader] = b.Hdr.TypeOfLoader
	buf[offsetLoadFlags] = b.Hdr.LoadFlags
	le.PutUint32(buf[offsetRamdiskImage:], b.Hdr.RamdiskImage)
	le.PutUint32(buf[offsetRamdiskSize:], b.Hdr.RamdiskSize)
	le.PutUint32(buf[offsetCmdlinePtr:], b.Hdr.CmdlinePtr)
	le.PutUint32(buf[offsetKernelAlign:], KernelAlignment)
	le.PutUint32(buf[offsetCmdlineSize:], b.Hdr.CmdlineSize)

	buf[offsetE820Entries] = uint8(b.E820.Len())

	for i, e := range b.E820.Entries() {
		off := offsetE820Table + i*e820EntrySize
		le.PutUint64(buf[off:], e.Addr)
		le.PutUint64(buf[off+8:], e.Size)
		le.PutUint32(buf[off+16:], e.Type)
	}

	return buf
}
