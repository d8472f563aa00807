package vmm

import (
	"fmt"
	"regexp"
	"strings"
)

// MonitorCommand sends one line to the human monitor of the named instance
// through the socat relay and returns what the monitor printed. There is no
// retry here.
func (k *KVM) MonitorCommand(name, command string) (string, error) {
	res := k.runner.Run(Command{
		Path:  k.cfg.SocatPath,
		Args:  []string{"STDIO", "UNIX-CONNECT:" + k.Paths(name).Monitor},
		Stdin: command + "\n",
	})
	if res.Failed() {
		return "", errorf(KindProtocolFailure, name, nil,
			"monitor command %q failed: stdout %q, stderr %q, reason: %s",
			command, res.Stdout, res.Stderr, res.FailReason)
	}
	return res.Stdout, nil
}

// MigrationStatus is the parsed state of an outgoing migration.
type MigrationStatus int

const (
	MigrationUnrecognized MigrationStatus = iota
	MigrationActive
	MigrationCompleted
	MigrationFailed
	MigrationCancelled
)

func (s MigrationStatus) String() string {
	switch s {
	case MigrationActive:
		return "active"
	case MigrationCompleted:
		return "completed"
	case MigrationFailed:
		return "failed"
	case MigrationCancelled:
		return "cancelled"
	default:
		return "unrecognized"
	}
}

// MigrationState is a status tag plus the word the monitor printed.
type MigrationState struct {
	Status MigrationStatus
	Raw    string
}

var migrationStatusRe = regexp.MustCompile(`(?mi)Migration\s+status:\s+(\w+)`)

// ParseMigrationStatus extracts the status from "info migrate" output. A
// reply without a status line is a protocol error; an unknown word is not.
func ParseMigrationStatus(output string) (MigrationState, error) {
	m := migrationStatusRe.FindStringSubmatch(output)
	if m == nil {
		return MigrationState{}, fmt.Errorf("cannot parse migration status from %q", output)
	}
	st := MigrationState{Raw: m[1]}
	switch strings.ToLower(m[1]) {
	case "active":
		st.Status = MigrationActive
	case "completed":
		st.Status = MigrationCompleted
	case "failed":
		st.Status = MigrationFailed
	case "cancelled":
		st.Status = MigrationCancelled
	}
	return st, nil
}
