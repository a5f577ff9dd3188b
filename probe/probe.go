package probe

import (
	"fmt"
	"io"
	"os"

	"github.com/bobuhiro11/ccvmm/kvm"
)

// Capabilities the kvm interrupt backend and memory registration rely on.
var Capabilities = []kvm.Capability{
	kvm.CapIRQChip,
	kvm.CapIRQRouting,
	kvm.CapIRQFD,
	kvm.CapSignalMSI,
	kvm.CapNRMemSlots,
	kvm.CapReadonlyMem,
}

// Result is what the host reported for one capability.
type Result struct {
	Cap   kvm.Capability
	Value int
}

func (r Result) Supported() bool {
	return r.Value > 0
}

// KVMCapabilities queries the KVM device at path and prints the API version
// and every capability of Capabilities.
func KVMCapabilities(path string, out io.Writer) error {
	kvmFile, err := os.Open(path)
	if err != nil {
		return err
	}
	defer kvmFile.Close()

	kvmfd := kvmFile.Fd()

	version, err := kvm.GetAPIVersion(kvmfd)
	if err != nil {
		return fmt.Errorf("GetAPIVersion: %w", err)
	}

	results := make([]Result, 0, len(Capabilities))

	for _, c := range Capabilities {
		v, err := kvm.CheckExtension(kvmfd, c)
		if err != nil {
			return fmt.Errorf("CheckExtension(%v): %w", c, err)
		}

		results = append(results, Result{Cap: c, Value: v})
	}

	fmt.Fprintf(out, "KVM API version: %d\n", version)
	Print(out, results)

	return nil
}

// Print writes results as enabled and disabled lists.
func Print(out io.Writer, results []Result) {
	enabled := []Result{}
	disabled := []Result{}

	for _, r := range results {
		if r.Supported() {
			enabled = append(enabled, r)
		} else {
			disabled = append(disabled, r)
		}
	}

	fmt.Fprintf(out, "* Enabled:")

	for _, r := range enabled {
		fmt.Fprintf(out, " %s(%d)", r.Cap, r.Value)
	}

	fmt.Fprintf(out, "\n* Disabled:")

	for _, r := range disabled {
		fmt.Fprintf(out, " %s", r.Cap)
	}

	fmt.Fprintf(out, "\n")
}
