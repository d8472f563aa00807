package vmm

import (
	"net"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xfeldman/kvmnode/internal/retry"
)

// MigrationInfo returns the saved runtime snapshot of inst, verbatim.
func (k *KVM) MigrationInfo(inst *Instance) ([]byte, error) {
	data, err := os.ReadFile(k.Paths(inst.Name).Runtime)
	if err != nil {
		return nil, errorf(KindIOFailure, inst.Name, err, "read runtime")
	}
	return data, nil
}

// AcceptInstance starts inst from the source's runtime blob, listening for
// the migration stream on target at MigrationPort.
func (k *KVM) AcceptInstance(inst *Instance, info []byte, target string) error {
	rt, err := k.LoadRuntime(inst.Name, info)
	if err != nil {
		return err
	}
	return k.Execute(inst, rt, &Endpoint{Host: target, Port: k.cfg.MigrationPort})
}

// FinalizeMigration persists the runtime on success. On failure the
// half-received instance is killed.
func (k *KVM) FinalizeMigration(inst *Instance, info []byte, success bool) error {
	if success {
		if err := writeFileAtomic(k.Paths(inst.Name).Runtime, info); err != nil {
			return errorf(KindIOFailure, inst.Name, err, "save runtime")
		}
		return nil
	}
	stopped, err := k.StopInstance(inst, true)
	if err != nil {
		return err
	}
	if !stopped {
		return errorf(KindMigrationFailure, inst.Name, nil, "incoming instance survived forced stop")
	}
	return nil
}

// MigrateInstance sends the named instance to target and waits for the
// guest to report an outcome. A non-live migration pauses the guest first
// and resumes it if the migration fails. On success the local process,
// which the target now owns, is killed and its files removed.
//
// The poll loop has no time bound.
func (k *KVM) MigrateInstance(name, target string, live bool) error {
	st := k.state(name)
	if !st.Alive {
		return errorf(KindNotRunning, name, nil, "instance not running, cannot migrate")
	}

	log := k.log.WithFields(logrus.Fields{
		"instance":  name,
		"migration": uuid.NewString(),
		"target":    target,
		"live":      live,
	})

	if !live {
		if _, err := k.MonitorCommand(name, "stop"); err != nil {
			return err
		}
	}

	dest := net.JoinHostPort(target, strconv.Itoa(k.cfg.MigrationPort))
	if _, err := k.MonitorCommand(name, "migrate -d tcp:"+dest); err != nil {
		return err
	}
	log.Info("migration started")

	_, err := retry.Constant(k.cfg.MigrationPollInterval).Do(k.clock, func() (bool, error) {
		out, err := k.MonitorCommand(name, "info migrate")
		if err != nil {
			return false, err
		}
		ms, err := ParseMigrationStatus(out)
		if err != nil {
			return false, errorf(KindProtocolFailure, name, err, "info migrate")
		}

		switch ms.Status {
		case MigrationCompleted:
			return true, nil
		case MigrationActive:
			log.Debug("migration active")
			return false, nil
		case MigrationFailed, MigrationCancelled:
			var contErr error
			if !live {
				if _, contErr = k.MonitorCommand(name, "cont"); contErr != nil {
					log.Warnf("resume after failed migration: %v", contErr)
				}
			}
			return false, errorf(KindMigrationFailure, name, contErr, "migration %s at the kvm level", ms.Raw)
		default:
			log.Infof("unknown migration status %q, still waiting", ms.Raw)
			return false, nil
		}
	})
	if err != nil {
		return err
	}

	log.Info("migration completed")
	if err := k.kill(name, st.PID); err != nil {
		return err
	}
	return k.removeArtifacts(name)
}
