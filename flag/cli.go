package flag

// CLI is the command line grammar.
type CLI struct {
	LogLevel string `name:"log-level" default:"info" enum:"trace,debug,info,warn,error" help:"log level"`

	Layout LayoutCMD `cmd:"" help:"Build a machine and write its boot structures into guest memory."`
	Disk   DiskCMD   `cmd:"" help:"Show a disk image as the block device reports it."`
	Probe  ProbeCMD  `cmd:"" help:"Report the KVM capabilities the kvm interrupt backend needs."`
}

type LayoutCMD struct {
	Config  string   `short:"f" help:"YAML configuration file"`
	MemSize string   `name:"memory" short:"m" help:"memory size: as number[gGmM], optional units, defaults to G"`
	Image   string   `short:"i" help:"back guest memory with this file so the result can be inspected"`
	Params  string   `name:"cmdline" short:"p" help:"kernel command-line parameters"`
	Disks   []string `name:"disk" short:"d" sep:"none" help:"disk image as path[:ro], repeatable"`
	Print   bool     `name:"print-config" help:"print the effective configuration"`
}

type DiskCMD struct {
	Path     string `arg:"" type:"existingfile" help:"disk image"`
	ReadOnly bool   `name:"read-only" short:"r" help:"open the image read-only"`
}

type ProbeCMD struct {
	Dev string `short:"D" default:"/dev/kvm" help:"path of kvm device"`
}
