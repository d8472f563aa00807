package vmm

import (
	"fmt"
	"os"
	"strings"
)

// WriteTapScript writes the executable helper kvm runs when it brings up the
// tap device of nic. The tap name arrives as $1. When the site hook exists
// and is executable it gets the exported variables; otherwise the script
// attaches the tap to the NIC bridge itself.
//
// The file is created in ScriptDir (the OS temp dir when empty) because the
// state root may be mounted noexec. The caller removes it after launch.
func (k *KVM) WriteTapScript(inst *Instance, nic NIC) (string, error) {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("# generated by kvmnode, do not edit\n#\n")
	fmt.Fprintf(&b, "export INSTANCE=%s\n", shellQuote(inst.Name))
	fmt.Fprintf(&b, "export MAC=%s\n", shellQuote(nic.MAC))
	fmt.Fprintf(&b, "export IP=%s\n", shellQuote(nic.IP))
	fmt.Fprintf(&b, "export BRIDGE=%s\n", shellQuote(nic.Bridge))
	b.WriteString("export INTERFACE=\"$1\"\n")
	hook := shellQuote(k.cfg.VifHookPath)
	fmt.Fprintf(&b, "if [ -x %s ]; then\n", hook)
	fmt.Fprintf(&b, "  %s\n", hook)
	b.WriteString("else\n")
	b.WriteString("  ip link set \"$INTERFACE\" up\n")
	b.WriteString("  ip link set \"$INTERFACE\" master \"$BRIDGE\"\n")
	b.WriteString("fi\n")

	f, err := os.CreateTemp(k.cfg.ScriptDir, "kvmnode-net-")
	if err != nil {
		return "", errorf(KindIOFailure, inst.Name, err, "create tap script")
	}
	name := f.Name()
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		os.Remove(name)
		return "", errorf(KindIOFailure, inst.Name, err, "write tap script")
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", errorf(KindIOFailure, inst.Name, err, "write tap script")
	}
	if err := os.Chmod(name, 0755); err != nil {
		os.Remove(name)
		return "", errorf(KindIOFailure, inst.Name, err, "chmod tap script")
	}
	return name, nil
}

// shellQuote wraps s in single quotes for /bin/sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
