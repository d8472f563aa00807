package vmm

import (
	"os"
	"sort"
	"strconv"

	"github.com/xfeldman/kvmnode/internal/nodeinfo"
	"github.com/xfeldman/kvmnode/internal/proc"
)

// ListInstances returns the names of instances whose PID files reference a
// live process, sorted.
func (k *KVM) ListInstances() ([]string, error) {
	entries, err := os.ReadDir(k.cfg.PidsDir())
	if err != nil {
		return nil, errorf(KindIOFailure, "", err, "list pid directory")
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if proc.IsAlive(k.procs, k.Paths(e.Name()).PidFile) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// GetInstanceInfo reads memory and vCPU count back from the running
// process's command line.
func (k *KVM) GetInstanceInfo(name string) (*InstanceInfo, error) {
	st := k.state(name)
	if !st.Alive {
		return nil, nil
	}
	args, err := k.procs.Cmdline(st.PID)
	if err != nil {
		return nil, errorf(KindIOFailure, name, err, "read command line of pid %d", st.PID)
	}

	info := &InstanceInfo{Name: name, PID: st.PID, State: "running"}
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "-m":
			info.MemoryMB = leadingInt(args[i+1])
		case "-smp":
			info.VCPUs = leadingInt(args[i+1])
		}
	}
	return info, nil
}

// GetAllInstancesInfo describes every running instance. Instances that exit
// between listing and inspection are left out.
func (k *KVM) GetAllInstancesInfo() ([]InstanceInfo, error) {
	names, err := k.ListInstances()
	if err != nil {
		return nil, err
	}
	out := make([]InstanceInfo, 0, len(names))
	for _, name := range names {
		info, err := k.GetInstanceInfo(name)
		if err != nil {
			return nil, err
		}
		if info != nil {
			out = append(out, *info)
		}
	}
	return out, nil
}

// GetNodeInfo reports host memory and CPUs.
func (k *KVM) GetNodeInfo() (*nodeinfo.Info, error) {
	info, err := k.probe.Read()
	if err != nil {
		return nil, errorf(KindIOFailure, "", err, "node info")
	}
	return info, nil
}

// leadingInt parses the digits at the start of s ("512", "512M", "2,cores=2").
func leadingInt(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, _ := strconv.Atoi(s[:end])
	return n
}
