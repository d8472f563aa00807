package vmm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/xfeldman/kvmnode/internal/config"
	"github.com/xfeldman/kvmnode/internal/logging"
	"github.com/xfeldman/kvmnode/internal/nodeinfo"
	"github.com/xfeldman/kvmnode/internal/proc"
	"github.com/xfeldman/kvmnode/internal/retry"
)

// KVM implements Hypervisor by driving kvm processes directly: one
// daemonized process per instance, a PID file, a human monitor socket, a
// serial socket and a runtime snapshot, all named after the instance.
//
// KVM holds no per-instance state in memory. Every call re-reads PID files
// and the process table.
type KVM struct {
	cfg    *config.Config
	runner Runner
	procs  proc.Table
	clock  retry.Clock
	probe  *nodeinfo.Probe
	log    *logrus.Entry

	// linkByName resolves a host network link; swapped out in tests.
	linkByName func(name string) error
}

var _ Hypervisor = (*KVM)(nil)

// Option customizes a KVM backend.
type Option func(*KVM)

// WithRunner replaces the process runner used for kvm and socat.
func WithRunner(r Runner) Option { return func(k *KVM) { k.runner = r } }

// WithProcessTable replaces the host process table.
func WithProcessTable(t proc.Table) Option { return func(k *KVM) { k.procs = t } }

// WithClock replaces the clock driving the stop and migration loops.
func WithClock(c retry.Clock) Option { return func(k *KVM) { k.clock = c } }

// WithLogger sets the log entry operations are logged to.
func WithLogger(e *logrus.Entry) Option { return func(k *KVM) { k.log = e } }

// WithLinkLookup replaces the bridge existence check.
func WithLinkLookup(fn func(name string) error) Option {
	return func(k *KVM) { k.linkByName = fn }
}

// NewKVM creates a KVM backend. State directories are not created here;
// call cfg.EnsureDirs first.
func NewKVM(cfg *config.Config, opts ...Option) (*KVM, error) {
	k := &KVM{
		cfg:    cfg,
		runner: ExecRunner{},
		clock:  retry.SystemClock{},
		probe:  nodeinfo.NewProbe(cfg.ProcRoot),
		linkByName: func(name string) error {
			_, err := netlink.LinkByName(name)
			return err
		},
	}
	for _, o := range opts {
		o(k)
	}
	if k.log == nil {
		k.log = logging.Component(nil, "kvm")
	}
	if k.procs == nil {
		host, err := proc.NewHost(cfg.ProcRoot)
		if err != nil {
			return nil, fmt.Errorf("kvm backend: %w", err)
		}
		k.procs = host
	}
	return k, nil
}

// Name returns "kvm".
func (k *KVM) Name() string { return "kvm" }

// InstancePaths are the per-instance files under the state root.
type InstancePaths struct {
	PidFile string
	Monitor string
	Serial  string
	Runtime string
}

// Paths derives the state paths of the named instance.
func (k *KVM) Paths(name string) InstancePaths {
	return InstancePaths{
		PidFile: filepath.Join(k.cfg.PidsDir(), name),
		Monitor: filepath.Join(k.cfg.CtrlDir(), name+".monitor"),
		Serial:  filepath.Join(k.cfg.CtrlDir(), name+".serial"),
		Runtime: filepath.Join(k.cfg.ConfDir(), name+".runtime"),
	}
}

// state reads the instance PID file. An unreadable PID file counts as not
// running.
func (k *KVM) state(name string) proc.State {
	st, err := proc.Inspect(k.procs, k.Paths(name).PidFile)
	if err != nil {
		k.log.WithField("instance", name).Warnf("pid file: %v", err)
	}
	return st
}

// removeArtifacts deletes the PID file, both control sockets and the runtime
// snapshot. Missing files are fine; any other removal failure is an
// IOFailure. Every file is attempted even after a failure.
func (k *KVM) removeArtifacts(name string) error {
	p := k.Paths(name)
	var result *multierror.Error
	for _, path := range []string{p.PidFile, p.Monitor, p.Serial, p.Runtime} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return errorf(KindIOFailure, name, err, "remove instance files")
	}
	return nil
}

// kill sends SIGKILL to pid and waits up to KillWait for it to disappear.
func (k *KVM) kill(name string, pid int) error {
	if err := k.procs.Kill(pid); err != nil {
		return errorf(KindIOFailure, name, err, "kill pid %d", pid)
	}
	gone, _ := retry.Policy{
		Interval:    reapInterval,
		MaxDuration: k.cfg.KillWait,
	}.Do(k.clock, func() (bool, error) {
		return !k.procs.Alive(pid), nil
	})
	if !gone {
		k.log.WithField("instance", name).Warnf("pid %d still present %s after SIGKILL", pid, k.cfg.KillWait)
	}
	return nil
}
