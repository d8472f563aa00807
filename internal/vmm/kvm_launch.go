package vmm

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/xfeldman/kvmnode/internal/proc"
)

// Command is one external program invocation.
type Command struct {
	Path  string
	Args  []string
	Stdin string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Result is the outcome of a Command. FailReason is empty on success.
type Result struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	FailReason string
}

// Failed reports whether the command did not exit 0.
func (r Result) Failed() bool { return r.FailReason != "" }

// Output is stdout followed by stderr.
func (r Result) Output() string { return r.Stdout + r.Stderr }

// Runner executes commands to completion. kvm with -daemonize returns once
// the guest process has forked and written its PID file.
type Runner interface {
	Run(c Command) Result
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(c Command) Result {
	cmd := exec.Command(c.Path, c.Args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.FailReason = fmt.Sprintf("exited with status %d", res.ExitCode)
		} else {
			res.ExitCode = -1
			res.FailReason = err.Error()
		}
	}
	return res
}

// Execute launches rt for inst. NIC and migration arguments are appended to
// a copy of the command; rt itself is left untouched so it can be saved and
// replayed. With incoming set, kvm starts listening for a migration instead
// of booting.
func (k *KVM) Execute(inst *Instance, rt *Runtime, incoming *Endpoint) error {
	log := k.log.WithField("instance", inst.Name)

	st := k.state(inst.Name)
	if st.Alive {
		return errorf(KindAlreadyRunning, inst.Name, nil, "failed to start: already running")
	}
	if len(rt.Cmd) == 0 {
		return errorf(KindLaunchFailure, inst.Name, nil, "failed to start: empty runtime command")
	}

	cmd := make([]string, len(rt.Cmd), len(rt.Cmd)+4*len(rt.NICs)+4)
	copy(cmd, rt.Cmd)

	var scripts []string
	defer func() {
		for _, s := range scripts {
			if err := os.Remove(s); err != nil {
				log.Warnf("remove tap script: %v", err)
			}
		}
	}()

	if len(rt.NICs) == 0 {
		cmd = append(cmd, "-net", "none")
	}
	for _, nic := range rt.NICs {
		script, err := k.WriteTapScript(inst, nic)
		if err != nil {
			return err
		}
		scripts = append(scripts, script)
		cmd = append(cmd,
			"-net", "nic,macaddr="+nic.MAC+",model=virtio",
			"-net", "tap,script="+script,
		)
	}

	if incoming != nil {
		cmd = append(cmd, "-incoming", "tcp:"+net.JoinHostPort(incoming.Host, strconv.Itoa(incoming.Port)))
	}

	log.Debugf("launching %s", strings.Join(cmd, " "))
	res := k.runner.Run(Command{Path: cmd[0], Args: cmd[1:]})
	if res.Failed() {
		return &Error{
			Kind:     KindLaunchFailure,
			Instance: inst.Name,
			Msg:      "failed to start: " + res.FailReason,
			Output:   res.Output(),
		}
	}

	after, err := proc.Inspect(k.procs, st.PidFile)
	if err != nil || !after.Alive {
		return &Error{
			Kind:     KindLaunchFailure,
			Instance: inst.Name,
			Msg:      "failed to start: process not alive after launch",
			Output:   res.Output(),
			Err:      err,
		}
	}

	log.WithField("pid", after.PID).Info("instance process started")
	return nil
}
