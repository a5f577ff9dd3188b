package flag

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/ccvmm/bootparam"
	"github.com/bobuhiro11/ccvmm/config"
	"github.com/bobuhiro11/ccvmm/disk"
	"github.com/bobuhiro11/ccvmm/machine"
	"github.com/bobuhiro11/ccvmm/probe"
	"github.com/bobuhiro11/ccvmm/virtio"
	"github.com/sirupsen/logrus"
)

const (
	programName = "ccvmm"
	programDesc = "ccvmm lays out an x86-64 guest for direct kernel boot and serves virtio block devices"
)

func Parse() error {
	parser, ctx, err := parse(os.Args[1:], os.Stdout)
	if err != nil {
		if parser == nil {
			return err
		}

		parser.FatalIfErrorf(err)
	}

	return ctx.Run()
}

// Run parses args and runs the selected command, writing its report to out.
func Run(args []string, out io.Writer) error {
	_, ctx, err := parse(args, out)
	if err != nil {
		return err
	}

	return ctx.Run()
}

func parse(args []string, out io.Writer) (*kong.Kong, *kong.Context, error) {
	c := CLI{}

	parser, err := kong.New(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.Writers(out, os.Stderr),
		kong.BindTo(out, (*io.Writer)(nil)),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))
	if err != nil {
		return nil, nil, err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return parser, nil, err
	}

	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return parser, nil, err
	}

	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return parser, ctx, nil
}

func (s *LayoutCMD) config() (config.Config, error) {
	cfg := config.Default()

	if s.Config != "" {
		c, err := config.Load(s.Config)
		if err != nil {
			return config.Config{}, err
		}

		cfg = c
	}

	if s.MemSize != "" {
		memSize, err := config.ParseSize(s.MemSize, "g")
		if err != nil {
			return config.Config{}, err
		}

		cfg.Memory = config.Size(memSize)
	}

	if s.Image != "" {
		cfg.Image = s.Image
	}

	if len(s.Params) > 0 {
		cfg.Cmdline = s.Params
	}

	for _, d := range s.Disks {
		path, ro := strings.CutSuffix(d, ":ro")
		cfg.Disks = append(cfg.Disks, config.Disk{Path: path, ReadOnly: ro})
	}

	return cfg, cfg.Validate()
}

func (s *LayoutCMD) Run(out io.Writer) error {
	cfg, err := s.config()
	if err != nil {
		return err
	}

	if s.Print {
		b, err := cfg.Marshal()
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "%s---\n", b)
	}

	m, err := machine.New(cfg)
	if err != nil {
		return err
	}

	defer m.Close()

	if err := m.Setup(); err != nil {
		return err
	}

	l := m.Layout()

	fmt.Fprintf(out, "memory   %v\n", cfg.Memory)
	fmt.Fprintf(out, "pml4     %#08x\n", uint64(l.PML4))
	fmt.Fprintf(out, "gdt      %#08x\n", uint64(l.GDTAddr))

	for i, e := range l.GDT {
		fmt.Fprintf(out, "  [%d]    %#016x\n", i, e)
	}

	fmt.Fprintf(out, "idt      %#08x\n", uint64(l.IDTAddr))
	fmt.Fprintf(out, "zeropage %#08x\n", machine.ZeroPageAddr)
	fmt.Fprintf(out, "cmdline  %#08x %q\n", machine.CmdlineAddr, cfg.Cmdline)
	fmt.Fprintln(out, "e820")

	for _, e := range l.E820 {
		kind := "reserved"
		if e.Type == bootparam.E820Ram {
			kind = "ram"
		}

		fmt.Fprintf(out, "  %#012x-%#012x %s\n", e.Addr, e.Addr+e.Size-1, kind)
	}

	for _, d := range m.Disks() {
		start, end := d.Blk.GetIORange()
		fmt.Fprintf(out, "disk     %s io %#x-%#x irq %d\n", d.Path, start, end-1, d.Group.Base())
	}

	return nil
}

func (d *ProbeCMD) Run(out io.Writer) error {
	return probe.KVMCapabilities(d.Dev, out)
}

func (d *DiskCMD) Run(out io.Writer) error {
	f, err := disk.Open(d.Path, d.ReadOnly)
	if err != nil {
		return err
	}

	defer f.Close()

	capacity := f.Capacity()
	id := bytes.TrimRight(f.DeviceID(), "\x00")

	fmt.Fprintf(out, "capacity %d bytes (%d sectors)\n", capacity, capacity>>virtio.SectorShift)
	fmt.Fprintf(out, "id       %s\n", id)

	return nil
}
