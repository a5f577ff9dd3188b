package machine

// Guest physical layout of the boot structures.
//
//	0x00000500  GDT (4 entries)
//	0x00000520  IDT (empty)
//	0x00007000  zero page (boot_params)
//	0x00009000  PML4
//	0x0000a000  PDPTE
//	0x0000b000  PDE (512 x 2MiB)
//	0x00020000  kernel command line
//	0x0009fc00  EBDA, MP floating pointer
//	0x00100000  high memory
//	0xd0000000  32-bit MMIO gap up to 4GiB
const (
	BootGDTAddr  = 0x500
	BootIDTAddr  = 0x520
	ZeroPageAddr = 0x7000
	PML4Addr     = 0x9000
	PDPTEAddr    = 0xa000
	PDEAddr      = 0xb000
	CmdlineAddr  = 0x20000

	HighMemBase  = 0x100000
	MMIOGapStart = 0xd0000000
	MMIOGapEnd   = 1 << 32

	// NumPDEs 2MiB pages map the first 1GiB.
	NumPDEs = 512
	// PageSize2M is the span of one PDE.
	PageSize2M = 1 << 21

	// BlkIOPortStride separates the I/O BARs of consecutive disks.
	BlkIOPortStride = 0x100
)

// Control register, EFER and page table entry bits set for long mode.
const (
	CR0xPE = 1
	CR0xPG = 1 << 31

	CR4xPAE = 1 << 5

	EFERxLME = 1 << 8
	EFERxLMA = 1 << 10

	PDE64xPRESENT = 1
	PDE64xRW      = 1 << 1
	PDE64xPS      = 1 << 7
)
