// Package migration drives the two-node handshake of an instance migration.
//
// The source half (pause, stream, poll, kill) lives in the hypervisor
// backend. This package sequences the calls between source and target:
//
//	info := source.MigrationInfo
//	target.AcceptInstance(info)    target listens
//	source.MigrateInstance         source streams and waits
//	target.FinalizeMigration       keep or discard the target copy
package migration

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/xfeldman/kvmnode/internal/logging"
	"github.com/xfeldman/kvmnode/internal/vmm"
)

// Peer is one side of a migration. A local *vmm.KVM and a remote kvmd
// client both satisfy it.
type Peer interface {
	MigrationInfo(inst *vmm.Instance) ([]byte, error)
	AcceptInstance(inst *vmm.Instance, info []byte, target string) error
	MigrateInstance(name, target string, live bool) error
	FinalizeMigration(inst *vmm.Instance, info []byte, success bool) error
}

// Coordinator runs migrations between peers.
type Coordinator struct {
	log *logrus.Entry
}

// NewCoordinator returns a Coordinator logging to log, or to the standard
// logger when log is nil.
func NewCoordinator(log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logging.Component(nil, "migration")
	}
	return &Coordinator{log: log}
}

// Migrate moves inst from source to target. targetHost is the address the
// source streams to. If the target cannot accept, the source is not
// touched. Once streaming was attempted the target is always finalized,
// and a finalize error is reported together with the migration error.
func (c *Coordinator) Migrate(inst *vmm.Instance, source, target Peer, targetHost string, live bool) error {
	log := c.log.WithFields(logrus.Fields{
		"instance": inst.Name,
		"target":   targetHost,
		"live":     live,
	})

	info, err := source.MigrationInfo(inst)
	if err != nil {
		return fmt.Errorf("migration info: %w", err)
	}

	if err := target.AcceptInstance(inst, info, targetHost); err != nil {
		return fmt.Errorf("target accept: %w", err)
	}
	log.Info("target listening")

	migrateErr := source.MigrateInstance(inst.Name, targetHost, live)
	if migrateErr != nil {
		log.Warnf("source migrate: %v", migrateErr)
		migrateErr = fmt.Errorf("source migrate: %w", migrateErr)
	}

	var result *multierror.Error
	if migrateErr != nil {
		result = multierror.Append(result, migrateErr)
	}
	if err := target.FinalizeMigration(inst, info, migrateErr == nil); err != nil {
		result = multierror.Append(result, fmt.Errorf("target finalize: %w", err))
	}

	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	log.Info("migration finished")
	return nil
}
