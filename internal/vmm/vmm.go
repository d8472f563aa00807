// Package vmm defines the hypervisor capability interface and its KVM backend.
//
// A Hypervisor manages VM processes on one node. It keeps no registry of its
// own: whether an instance runs is always re-derived from its PID file and the
// host process table, so a restarted daemon sees exactly what is running.
package vmm

import (
	"github.com/xfeldman/kvmnode/internal/nodeinfo"
)

// NIC is one guest network interface, in the structural form it is carried
// in runtime snapshots.
type NIC struct {
	MAC    string `json:"mac" toml:"mac"`
	IP     string `json:"ip" toml:"ip"`
	Bridge string `json:"bridge" toml:"bridge"`
}

// HVParams are the hypervisor parameters of an instance.
type HVParams struct {
	// KernelPath must be set and absolute.
	KernelPath string `json:"kernel_path" toml:"kernel_path"`

	// InitrdPath is optional; absolute when set.
	InitrdPath string `json:"initrd_path,omitempty" toml:"initrd_path"`

	// ACPI enables guest power management. Without it stop always kills.
	ACPI bool `json:"acpi" toml:"acpi"`
}

// Instance is the externally owned description of a VM. Name is the primary
// key and derives every path and socket of the instance.
type Instance struct {
	Name     string   `json:"name" toml:"name"`
	MemoryMB int      `json:"memory_mb" toml:"memory_mb"`
	VCPUs    int      `json:"vcpus" toml:"vcpus"`
	HVParams HVParams `json:"hvparams" toml:"hvparams"`
	NICs     []NIC    `json:"nics" toml:"nics"`
}

// Bridges returns the distinct bridges referenced by the instance NICs.
func (i *Instance) Bridges() []string {
	seen := make(map[string]bool)
	var out []string
	for _, nic := range i.NICs {
		if nic.Bridge == "" || seen[nic.Bridge] {
			continue
		}
		seen[nic.Bridge] = true
		out = append(out, nic.Bridge)
	}
	return out
}

// BlockDevice is an attached disk. Attachment itself happens elsewhere; only
// Path reaches the command line.
type BlockDevice struct {
	ID   string `json:"id,omitempty" toml:"id"`
	Path string `json:"path" toml:"path"`
}

// InstanceInfo describes a running instance.
type InstanceInfo struct {
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	MemoryMB int    `json:"memory_mb"`
	VCPUs    int    `json:"vcpus"`
	State    string `json:"state"`
}

// Endpoint is a TCP host/port pair.
type Endpoint struct {
	Host string
	Port int
}

// Hypervisor is the capability set one VM technology offers the node
// daemon. All calls are synchronous and return once the OS-visible effect is
// confirmed or has definitively failed. Callers serialize calls per instance.
type Hypervisor interface {
	// Name identifies the backend ("kvm").
	Name() string

	// ListInstances returns the names of running instances.
	ListInstances() ([]string, error)

	// GetInstanceInfo returns nil without error when the instance is not running.
	GetInstanceInfo(name string) (*InstanceInfo, error)

	// GetAllInstancesInfo describes every running instance.
	GetAllInstancesInfo() ([]InstanceInfo, error)

	// StartInstance boots inst with the given disks, the first one bootable.
	StartInstance(inst *Instance, disks []BlockDevice) error

	// StopInstance reports false, without error, when the instance is still
	// alive after a graceful attempt; callers may retry with force.
	StopInstance(inst *Instance, force bool) (bool, error)

	// RebootInstance restarts a running instance from its saved runtime.
	RebootInstance(inst *Instance) error

	// MigrationInfo returns the opaque blob a target needs to accept inst.
	MigrationInfo(inst *Instance) ([]byte, error)

	// AcceptInstance starts inst on the target in migration-listen mode.
	AcceptInstance(inst *Instance, info []byte, target string) error

	// FinalizeMigration settles the target side after the source finished.
	FinalizeMigration(inst *Instance, info []byte, success bool) error

	// MigrateInstance drives the source side of a migration to target.
	MigrateInstance(name, target string, live bool) error

	// GetNodeInfo reports host capacity.
	GetNodeInfo() (*nodeinfo.Info, error)

	// Verify returns a problem description, or "" when healthy.
	Verify() string

	// VerifyBridges returns the bridges that do not exist on this host.
	VerifyBridges(bridges []string) []string

	// CheckParameterSyntax validates parameters without touching the host.
	CheckParameterSyntax(p HVParams) error

	// ValidateParameters additionally checks the referenced files exist.
	ValidateParameters(p HVParams) error
}
