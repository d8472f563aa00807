// Package proc answers "is this process alive" from PID files and the host
// process table. Nothing here remembers anything between calls.
package proc

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Table is the view of the host process table the controller needs.
type Table interface {
	// Alive reports whether a process with pid exists.
	Alive(pid int) bool

	// Kill sends an unconditional kill signal.
	Kill(pid int) error

	// Cmdline returns the argv of a running process.
	Cmdline(pid int) ([]string, error)
}

// Host is the Table of the machine we run on.
type Host struct {
	fs procfs.FS
}

// NewHost returns a Host reading process details from procRoot.
func NewHost(procRoot string) (*Host, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs %s: %w", procRoot, err)
	}
	return &Host{fs: fs}, nil
}

// Alive uses signal 0. EPERM still means the process exists. The PID is not
// checked against the expected binary, so a recycled PID reads as alive.
func (h *Host) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Kill sends SIGKILL. A process that is already gone is not an error.
func (h *Host) Kill(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}

// Cmdline reads /proc/<pid>/cmdline.
func (h *Host) Cmdline(pid int) ([]string, error) {
	p, err := h.fs.Proc(pid)
	if err != nil {
		return nil, err
	}
	return p.CmdLine()
}

// ReadPidFile returns the PID stored in path. A missing file yields 0 and no
// error.
func ReadPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file %s: %w", path, err)
	}

	s := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid pid in %s: %q", path, s)
	}
	return pid, nil
}

// State is the derived process state of one PID file.
type State struct {
	PidFile string
	PID     int
	Alive   bool
}

// Inspect reads pidFile and checks the referenced process. It never caches.
// A read or parse failure returns a dead State together with the error.
func Inspect(t Table, pidFile string) (State, error) {
	st := State{PidFile: pidFile}
	pid, err := ReadPidFile(pidFile)
	if err != nil {
		return st, err
	}
	st.PID = pid
	st.Alive = t.Alive(pid)
	return st, nil
}

// IsAlive reports whether the process named by pidFile exists.
func IsAlive(t Table, pidFile string) bool {
	st, _ := Inspect(t, pidFile)
	return st.Alive
}
