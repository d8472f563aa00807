package vmm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Runtime is the launch recipe of an instance: the kvm argv without any
// networking or migration arguments, plus the NICs those are derived from.
// It is what gets persisted and what travels to a migration target.
type Runtime struct {
	Cmd  []string
	NICs []NIC
}

// MarshalJSON encodes the runtime as the two-element array [cmd, nics].
func (r Runtime) MarshalJSON() ([]byte, error) {
	cmd, nics := r.Cmd, r.NICs
	if cmd == nil {
		cmd = []string{}
	}
	if nics == nil {
		nics = []NIC{}
	}
	return json.Marshal([2]any{cmd, nics})
}

// UnmarshalJSON decodes the [cmd, nics] form.
func (r *Runtime) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("runtime: want 2 elements, got %d", len(pair))
	}
	var rt Runtime
	if err := json.Unmarshal(pair[0], &rt.Cmd); err != nil {
		return fmt.Errorf("runtime command: %w", err)
	}
	if err := json.Unmarshal(pair[1], &rt.NICs); err != nil {
		return fmt.Errorf("runtime nics: %w", err)
	}
	*r = rt
	return nil
}

const kernelCmdline = "console=ttyS0,38400 root=/dev/vda"

// BuildRuntime assembles the launch recipe. The first disk is marked
// bootable, later ones are not. Networking is left to launch time.
func (k *KVM) BuildRuntime(inst *Instance, disks []BlockDevice) *Runtime {
	p := k.Paths(inst.Name)

	cmd := []string{
		k.cfg.KVMPath,
		"-m", strconv.Itoa(inst.MemoryMB),
		"-smp", strconv.Itoa(inst.VCPUs),
		"-pidfile", p.PidFile,
		"-name", inst.Name,
		"-daemonize",
	}
	if !inst.HVParams.ACPI {
		cmd = append(cmd, "-no-acpi")
	}

	for i, d := range disks {
		opt := "file=" + d.Path + ",format=raw,if=virtio"
		if i == 0 {
			opt += ",boot=on"
		}
		cmd = append(cmd, "-drive", opt)
	}

	cmd = append(cmd, "-kernel", inst.HVParams.KernelPath)
	if inst.HVParams.InitrdPath != "" {
		cmd = append(cmd, "-initrd", inst.HVParams.InitrdPath)
	}

	cmd = append(cmd,
		"-append", kernelCmdline,
		"-nographic",
		"-monitor", "unix:"+p.Monitor+",server,nowait",
		"-serial", "unix:"+p.Serial+",server,nowait",
	)

	nics := make([]NIC, len(inst.NICs))
	copy(nics, inst.NICs)
	return &Runtime{Cmd: cmd, NICs: nics}
}

// SaveRuntime atomically writes the snapshot of the named instance.
func (k *KVM) SaveRuntime(name string, rt *Runtime) error {
	data, err := json.Marshal(rt)
	if err != nil {
		return errorf(KindIOFailure, name, err, "encode runtime")
	}
	if err := writeFileAtomic(k.Paths(name).Runtime, data); err != nil {
		return errorf(KindIOFailure, name, err, "save runtime")
	}
	return nil
}

// LoadRuntime decodes raw when it is non-empty and reads the saved snapshot
// otherwise.
func (k *KVM) LoadRuntime(name string, raw []byte) (*Runtime, error) {
	if len(raw) == 0 {
		data, err := os.ReadFile(k.Paths(name).Runtime)
		if err != nil {
			return nil, errorf(KindIOFailure, name, err, "read runtime")
		}
		raw = data
	}
	var rt Runtime
	if err := json.Unmarshal(raw, &rt); err != nil {
		return nil, errorf(KindIOFailure, name, err, "decode runtime")
	}
	return &rt, nil
}

// writeFileAtomic writes data to a fresh temp file next to path, syncs it
// and renames it over path, so readers see the old or the new content,
// never a prefix, and the new content survives a crash once renamed.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
