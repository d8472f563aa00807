package vmm

import (
	"time"

	"github.com/xfeldman/kvmnode/internal/retry"
)

// reapInterval is how often a killed PID is re-checked.
const reapInterval = 100 * time.Millisecond

// StartInstance builds, saves and launches a runtime for inst.
func (k *KVM) StartInstance(inst *Instance, disks []BlockDevice) error {
	if err := k.CheckParameterSyntax(inst.HVParams); err != nil {
		return err
	}
	if k.state(inst.Name).Alive {
		return errorf(KindAlreadyRunning, inst.Name, nil, "failed to start: already running")
	}

	rt := k.BuildRuntime(inst, disks)
	if err := k.SaveRuntime(inst.Name, rt); err != nil {
		return err
	}
	return k.Execute(inst, rt, nil)
}

// StopInstance stops inst. With force, or when the guest has no ACPI, the
// process is killed. Otherwise system_powerdown is sent repeatedly with a
// growing delay until the process exits or PowerdownTimeout elapses.
//
// It reports false when the process is still alive afterwards. Once it
// reports true, the PID file, both sockets and the runtime snapshot are gone.
func (k *KVM) StopInstance(inst *Instance, force bool) (bool, error) {
	log := k.log.WithField("instance", inst.Name)
	st := k.state(inst.Name)

	if st.Alive {
		if force || !inst.HVParams.ACPI {
			if err := k.kill(inst.Name, st.PID); err != nil {
				return false, err
			}
		} else {
			k.powerdown(inst.Name, st.PID)
		}
	}

	if k.procs.Alive(st.PID) {
		log.WithField("pid", st.PID).Warn("instance still running after stop")
		return false, nil
	}
	if err := k.removeArtifacts(inst.Name); err != nil {
		return false, err
	}
	if st.PID > 0 {
		log.Info("instance stopped")
	}
	return true, nil
}

// powerdown runs the graceful stop loop. Monitor failures are logged and the
// loop goes on; the guest may be mid-boot and not yet listening.
func (k *KVM) powerdown(name string, pid int) {
	log := k.log.WithField("instance", name)
	policy := retry.Policy{
		Interval:    k.cfg.PowerdownInitialWait,
		Factor:      k.cfg.PowerdownFactor,
		GrowUntil:   k.cfg.PowerdownMaxWait,
		MaxDuration: k.cfg.PowerdownTimeout,
	}
	_, _ = policy.Do(k.clock, func() (bool, error) {
		if !k.procs.Alive(pid) {
			return true, nil
		}
		if _, err := k.MonitorCommand(name, "system_powerdown"); err != nil {
			log.Warnf("powerdown: %v", err)
		}
		return false, nil
	})
}

// RebootInstance stops inst and launches it again from the runtime it was
// started with, not a freshly built one.
func (k *KVM) RebootInstance(inst *Instance) error {
	if !k.state(inst.Name).Alive {
		return errorf(KindNotRunning, inst.Name, nil, "failed to reboot: not running")
	}
	rt, err := k.LoadRuntime(inst.Name, nil)
	if err != nil {
		return err
	}

	stopped, err := k.StopInstance(inst, false)
	if err != nil {
		return err
	}
	if !stopped {
		k.log.WithField("instance", inst.Name).Info("graceful stop timed out, killing")
		if stopped, err = k.StopInstance(inst, true); err != nil {
			return err
		}
		if !stopped {
			return errorf(KindAlreadyRunning, inst.Name, nil, "failed to reboot: process survived forced stop")
		}
	}

	if err := k.SaveRuntime(inst.Name, rt); err != nil {
		return err
	}
	return k.Execute(inst, rt, nil)
}
