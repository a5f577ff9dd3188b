package machine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/bobuhiro11/ccvmm/bootparam"
	"github.com/bobuhiro11/ccvmm/config"
	"github.com/bobuhiro11/ccvmm/disk"
	"github.com/bobuhiro11/ccvmm/ebda"
	"github.com/bobuhiro11/ccvmm/gdt"
	"github.com/bobuhiro11/ccvmm/irq"
	"github.com/bobuhiro11/ccvmm/kvm"
	"github.com/bobuhiro11/ccvmm/memory"
	"github.com/bobuhiro11/ccvmm/pci"
	"github.com/bobuhiro11/ccvmm/virtio"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrImageTooLarge = errors.New("file backed guest memory must end below the MMIO gap")

// Machine owns the guest memory, interrupt groups and block devices of one
// VM. vCPUs are created by the caller once Setup has run.
type Machine struct {
	cfg   config.Config
	mem   *memory.GuestMemory
	image *os.File
	vm    *kvm.VM
	irq   *irq.Manager
	pci   *pci.PCI
	disks []*Disk
	log   *logrus.Entry
	table *bootparam.E820Table

	ioportHandlers [0x10000][2]ioHandler
}

// Disk is one block device and the interrupt group it signals.
type Disk struct {
	Path  string
	Blk   *virtio.Blk
	Group *irq.Group
	store *disk.File
}

// idStore overrides the GET_ID string of a disk image.
type idStore struct {
	*disk.File
	id []byte
}

func (s idStore) DeviceID() []byte { return s.id }

// New allocates guest memory, creates the interrupt manager on the
// configured backend and attaches one virtio-blk device per disk.
func New(cfg config.Config) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Machine{
		cfg: cfg,
		log: logrus.WithField("component", "machine"),
		pci: pci.New(),
	}

	if err := m.initMemory(); err != nil {
		m.Close()

		return nil, err
	}

	backend, err := m.initBackend()
	if err != nil {
		m.Close()

		return nil, err
	}

	m.irq = irq.NewManager(irq.NewAllocator(
		irq.Range{Base: cfg.IRQ.LegacyBase, Count: cfg.IRQ.LegacyCount},
		irq.Range{Base: cfg.IRQ.MSIBase, Count: cfg.IRQ.MSICount},
	), backend)

	for i, d := range cfg.Disks {
		if err := m.attachDisk(i, d); err != nil {
			m.Close()

			return nil, fmt.Errorf("disk %s: %w", d.Path, err)
		}
	}

	m.initIOPortHandlers()

	m.log.WithFields(logrus.Fields{
		"memory":  config.Size(m.mem.Size()),
		"backend": cfg.IRQ.Backend,
		"disks":   len(m.disks),
	}).Info("machine created")

	return m, nil
}

func (m *Machine) initMemory() error {
	size := uint64(m.cfg.Memory)

	if m.cfg.Image != "" {
		if size > MMIOGapStart {
			return fmt.Errorf("%w: %v", ErrImageTooLarge, m.cfg.Memory)
		}

		f, err := os.OpenFile(m.cfg.Image, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return err
		}

		m.image = f

		mem, err := memory.NewFromFile(f, int(size))
		if err != nil {
			return err
		}

		m.mem = mem

		return nil
	}

	low := min(size, MMIOGapStart)

	mem, err := memory.New(int(low))
	if err != nil {
		return err
	}

	m.mem = mem

	if size > low {
		return mem.AddRegion(MMIOGapEnd, int(size-low))
	}

	return nil
}

func (m *Machine) initBackend() (irq.Backend, error) {
	if m.cfg.IRQ.Backend != config.BackendKVM {
		return irq.NewEventFDBackend(), nil
	}

	vm, err := kvm.Open(m.cfg.KVM)
	if err != nil {
		return nil, err
	}

	m.vm = vm

	for slot, r := range m.mem.Regions {
		region := kvm.NewUserspaceMemoryRegion(uint32(slot), uint64(r.Start), r.Buf)

		err := kvm.SetUserMemoryRegion(vm.Fd(), &region)
		if err != nil {
			return nil, fmt.Errorf("SetUserMemoryRegion slot %d: %w", slot, err)
		}
	}

	return irq.NewKVMBackend(vm.Fd()), nil
}

func (m *Machine) attachDisk(i int, d config.Disk) error {
	f, err := disk.Open(d.Path, d.ReadOnly)
	if err != nil {
		return err
	}

	var store virtio.BackingStore = f
	if d.ID != "" {
		store = idStore{File: f, id: disk.PadID(d.ID)}
	}

	g, err := m.irq.AllocateGroup(irq.LegacyIRQ, 1)
	if err != nil {
		f.Close()

		return err
	}

	if err := g.Enable([]irq.SourceConfig{irq.LegacyConfig{Line: g.Base()}}); err != nil {
		_ = g.Destroy()
		f.Close()

		return err
	}

	blk := virtio.NewBlk(m.mem, store, g, uint8(g.Base()))
	blk.Relocate(virtio.BlkIOPortStart + uint64(i)*BlkIOPortStride)

	if _, err := m.pci.Register(blk); err != nil {
		_ = g.Disable()
		_ = g.Destroy()
		f.Close()

		return err
	}

	m.disks = append(m.disks, &Disk{Path: d.Path, Blk: blk, Group: g, store: f})

	m.log.WithFields(logrus.Fields{
		"path":     d.Path,
		"line":     g.Base(),
		"capacity": f.Capacity(),
		"readOnly": d.ReadOnly,
	}).Debug("disk attached")

	return nil
}

// Setup writes every boot structure into guest memory: page tables,
// descriptor tables, the MP table in the EBDA, the command line and the
// zero page with its memory map.
func (m *Machine) Setup() error {
	if _, err := BuildIdentityMapping(m.mem); err != nil {
		return err
	}

	if err := WriteDescriptorTables(m.mem); err != nil {
		return err
	}

	e, err := ebda.New()
	if err != nil {
		return err
	}

	b, err := e.Bytes()
	if err != nil {
		return err
	}

	if err := m.mem.Write(bootparam.EBDAStart, b); err != nil {
		return fmt.Errorf("%w: EBDA: %w", ErrMemoryWrite, err)
	}

	cmdline := append([]byte(m.cfg.Cmdline), 0)
	if err := m.mem.Write(CmdlineAddr, cmdline); err != nil {
		return fmt.Errorf("%w: cmdline: %w", ErrMemoryWrite, err)
	}

	table, err := BuildMemoryMap(uint64(m.cfg.Memory))
	if err != nil {
		return err
	}

	m.table = table

	bp := bootparam.New()
	bp.E820 = *table
	bp.Hdr.LoadFlags = bootparam.LoadedHigh | bootparam.CanUseHeap
	bp.Hdr.CmdlinePtr = CmdlineAddr
	bp.Hdr.CmdlineSize = uint32(len(cmdline))

	if err := m.mem.Write(ZeroPageAddr, bp.Bytes()); err != nil {
		return fmt.Errorf("%w: zero page: %w", ErrMemoryWrite, err)
	}

	m.log.WithFields(logrus.Fields{
		"pml4":   fmt.Sprintf("%#x", PML4Addr),
		"gdt":    fmt.Sprintf("%#x", BootGDTAddr),
		"e820":   table.Len(),
		"zeropg": fmt.Sprintf("%#x", ZeroPageAddr),
	}).Info("boot structures written")

	return nil
}

// InitialSregs returns the special registers every vCPU starts with.
func (m *Machine) InitialSregs() kvm.Sregs {
	var sregs kvm.Sregs

	ConfigureSregs(&sregs)

	return sregs
}

// Layout summarises what Setup placed in guest memory.
type Layout struct {
	PML4    memory.GPA
	GDT     gdt.Table
	GDTAddr memory.GPA
	IDTAddr memory.GPA
	E820    []bootparam.E820Entry
}

func (m *Machine) Layout() Layout {
	table, gdtAddr, idtAddr := DescriptorTables()

	l := Layout{
		PML4:    PML4Addr,
		GDT:     table,
		GDTAddr: gdtAddr,
		IDTAddr: idtAddr,
	}

	if m.table != nil {
		l.E820 = m.table.Entries()
	}

	return l
}

func (m *Machine) Memory() *memory.GuestMemory { return m.mem }
func (m *Machine) Disks() []*Disk              { return m.disks }
func (m *Machine) IRQ() *irq.Manager           { return m.irq }

// Start serves the block devices until ctx is cancelled.
func (m *Machine) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	for _, d := range m.disks {
		blk := d.Blk

		eg.Go(func() error {
			return blk.Run(ctx)
		})
	}

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// Close releases everything New acquired. Interrupt groups are disabled
// before they are destroyed.
func (m *Machine) Close() error {
	var errs []error

	for _, d := range m.disks {
		errs = append(errs, d.Blk.Close())

		if err := d.Group.Disable(); err != nil {
			errs = append(errs, err)
		}

		errs = append(errs, d.Group.Destroy())
	}

	m.disks = nil

	if m.vm != nil {
		errs = append(errs, m.vm.Close())
		m.vm = nil
	}

	if m.mem != nil {
		errs = append(errs, m.mem.Close())
		m.mem = nil
	}

	if m.image != nil {
		errs = append(errs, m.image.Close())
		m.image = nil
	}

	return errors.Join(errs...)
}
