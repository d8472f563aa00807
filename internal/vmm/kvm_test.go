package vmm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xfeldman/kvmnode/internal/config"
)

type fakeProcs struct {
	alive       map[int]bool
	cmdlines    map[int][]string
	killed      []int
	surviveKill bool
}

func (f *fakeProcs) Alive(pid int) bool { return f.alive[pid] }

func (f *fakeProcs) Kill(pid int) error {
	f.killed = append(f.killed, pid)
	if !f.surviveKill {
		delete(f.alive, pid)
	}
	return nil
}

func (f *fakeProcs) Cmdline(pid int) ([]string, error) {
	c, ok := f.cmdlines[pid]
	if !ok {
		return nil, fmt.Errorf("no such process %d", pid)
	}
	return c, nil
}

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

// fakeRunner plays kvm and socat. A kvm launch writes a PID file, creates
// both control sockets as plain files and registers a live process.
type fakeRunner struct {
	cfg   *config.Config
	procs *fakeProcs

	launches []Command
	monitor  []string
	nextPID  int

	launchFail bool
	noPidFile  bool
	onLaunch   func(c Command)

	// reply answers a monitor command; ok=false makes the relay fail.
	reply func(cmd string) (out string, ok bool)
}

func (r *fakeRunner) Run(c Command) Result {
	switch c.Path {
	case r.cfg.KVMPath:
		r.launches = append(r.launches, c)
		if r.onLaunch != nil {
			r.onLaunch(c)
		}
		if r.launchFail {
			return Result{ExitCode: 1, Stderr: "could not open disk image", FailReason: "exited with status 1"}
		}
		if r.noPidFile {
			return Result{}
		}
		r.nextPID++
		pid := r.nextPID
		os.WriteFile(argAfter(c.Args, "-pidfile"), []byte(strconv.Itoa(pid)+"\n"), 0644)
		for _, flag := range []string{"-monitor", "-serial"} {
			sock := strings.TrimSuffix(strings.TrimPrefix(argAfter(c.Args, flag), "unix:"), ",server,nowait")
			os.WriteFile(sock, nil, 0600)
		}
		r.procs.alive[pid] = true
		r.procs.cmdlines[pid] = append([]string{c.Path}, c.Args...)
		return Result{}

	case r.cfg.SocatPath:
		cmd := strings.TrimSuffix(c.Stdin, "\n")
		r.monitor = append(r.monitor, cmd)
		if r.reply == nil {
			return Result{}
		}
		out, ok := r.reply(cmd)
		if !ok {
			return Result{ExitCode: 1, Stderr: "Connection refused", FailReason: "exited with status 1"}
		}
		return Result{Stdout: out}
	}
	return Result{ExitCode: 127, FailReason: "unexpected command " + c.Path}
}

func (r *fakeRunner) monitorCount(cmd string) int {
	n := 0
	for _, m := range r.monitor {
		if m == cmd {
			n++
		}
	}
	return n
}

func argAfter(args []string, flag string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func hasPair(args []string, flag, value string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

type testEnv struct {
	k      *KVM
	cfg    *config.Config
	runner *fakeRunner
	procs  *fakeProcs
	clock  *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.RootDir = filepath.Join(base, "root")
	cfg.ScriptDir = filepath.Join(base, "scripts")
	cfg.ProcRoot = filepath.Join(base, "proc")
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	os.MkdirAll(cfg.ScriptDir, 0755)
	os.MkdirAll(cfg.ProcRoot, 0755)

	procs := &fakeProcs{alive: map[int]bool{}, cmdlines: map[int][]string{}}
	runner := &fakeRunner{cfg: cfg, procs: procs, nextPID: 4000}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	k, err := NewKVM(cfg,
		WithRunner(runner),
		WithProcessTable(procs),
		WithClock(clock),
		WithLogger(logrus.NewEntry(logger)),
		WithLinkLookup(func(string) error { return nil }),
	)
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{k: k, cfg: cfg, runner: runner, procs: procs, clock: clock}
}

func testInstance() *Instance {
	return &Instance{
		Name:     "web1",
		MemoryMB: 512,
		VCPUs:    2,
		HVParams: HVParams{KernelPath: "/boot/vmlinuz", ACPI: true},
	}
}

var testDisks = []BlockDevice{{ID: "disk0", Path: "/dev/vg/web1-root"}}

// start boots inst and returns its PID.
func (e *testEnv) start(t *testing.T, inst *Instance) int {
	t.Helper()
	if err := e.k.StartInstance(inst, testDisks); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	return e.runner.nextPID
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (e *testEnv) assertNoArtifacts(t *testing.T, name string) {
	t.Helper()
	p := e.k.Paths(name)
	for _, path := range []string{p.PidFile, p.Monitor, p.Serial, p.Runtime} {
		if exists(path) {
			t.Errorf("%s still exists", path)
		}
	}
}

func TestPaths(t *testing.T) {
	e := newTestEnv(t)
	p := e.k.Paths("web1")

	want := InstancePaths{
		PidFile: filepath.Join(e.cfg.RootDir, "pid", "web1"),
		Monitor: filepath.Join(e.cfg.RootDir, "ctrl", "web1.monitor"),
		Serial:  filepath.Join(e.cfg.RootDir, "ctrl", "web1.serial"),
		Runtime: filepath.Join(e.cfg.RootDir, "conf", "web1.runtime"),
	}
	if p != want {
		t.Errorf("Paths = %+v, want %+v", p, want)
	}
}

func TestStartInstance_NoNICs(t *testing.T) {
	e := newTestEnv(t)
	inst := testInstance()

	pid := e.start(t, inst)

	if len(e.runner.launches) != 1 {
		t.Fatalf("launches = %d, want 1", len(e.runner.launches))
	}
	args := e.runner.launches[0].Args
	if !hasPair(args, "-net", "none") {
		t.Errorf("launch args missing -net none: %v", args)
	}
	boots := 0
	for _, a := range args {
		if strings.Contains(a, "boot=on") {
			boots++
		}
	}
	if boots != 1 {
		t.Errorf("bootable drives = %d, want 1", boots)
	}

	st := e.k.state(inst.Name)
	if !st.Alive || st.PID != pid {
		t.Errorf("state = %+v, want alive pid %d", st, pid)
	}

	rt, err := e.k.LoadRuntime(inst.Name, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range rt.Cmd {
		if a == "-net" {
			t.Errorf("saved runtime carries network args: %v", rt.Cmd)
		}
	}
}

func TestStartInstance_AlreadyRunning(t *testing.T) {
	e := newTestEnv(t)
	inst := testInstance()
	pidFile := e.k.Paths(inst.Name).PidFile
	os.WriteFile(pidFile, []byte("77"), 0644)
	e.procs.alive[77] = true

	err := e.k.StartInstance(inst, testDisks)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want already running", err)
	}
	if len(e.runner.launches) != 0 {
		t.Errorf("launches = %d, want 0", len(e.runner.launches))
	}
	if exists(e.k.Paths(inst.Name).Runtime) {
		t.Error("runtime snapshot written for a running instance")
	}
}

func TestStartInstance_BadParams(t *testing.T) {
	e := newTestEnv(t)
	inst := testInstance()
	inst.HVParams.KernelPath = "vmlinuz"

	err := e.k.StartInstance(inst, testDisks)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("err = %v, want configuration error", err)
	}
	if len(e.runner.launches) != 0 {
		t.Errorf("launches = %d, want 0", len(e.runner.launches))
	}
}

func TestStartInstance_TapScripts(t *testing.T) {
	e := newTestEnv(t)
	inst := testInstance()
	inst.NICs = []NIC{
		{MAC: "aa:00:00:00:00:01", IP: "10.0.0.10", Bridge: "br0"},
		{MAC: "aa:00:00:00:00:02", Bridge: "br1"},
	}

	var scripts []string
	e.runner.onLaunch = func(c Command) {
		for _, a := range c.Args {
			if path, ok := strings.CutPrefix(a, "tap,script="); ok {
				scripts = append(scripts, path)
				fi, err := os.Stat(path)
				if err != nil {
					t.Errorf("tap script missing at launch: %v", err)
					continue
				}
				if fi.Mode().Perm() != 0755 {
					t.Errorf("tap script mode = %v, want 0755", fi.Mode().Perm())
				}
			}
		}
	}
	e.start(t, inst)

	if len(scripts) != 2 {
		t.Fatalf("tap scripts = %d, want 2", len(scripts))
	}
	args := e.runner.launches[0].Args
	if !hasPair(args, "-net", "nic,macaddr=aa:00:00:00:00:01,model=virtio") {
		t.Errorf("missing first nic: %v", args)
	}
	if !hasPair(args, "-net", "nic,macaddr=aa:00:00:00:00:02,model=virtio") {
		t.Errorf("missing second nic: %v", args)
	}
	if hasPair(args, "-net", "none") {
		t.Error("-net none present with NICs")
	}
	for _, s := range scripts {
		if exists(s) {
			t.Errorf("tap script %s not removed after launch", s)
		}
		if filepath.Dir(s) != e.cfg.ScriptDir {
			t.Errorf("tap script in %s, want %s", filepath.Dir(s), e.cfg.ScriptDir)
		}
	}
}

func TestStartInstance_LaunchFailure(t *testing.T) {
	e := newTestEnv(t)
	e.runner.launchFail = true

	err := e.k.StartInstance(testInstance(), testDisks)
	if !errors.Is(err, ErrLaunchFailure) {
		t.Fatalf("err = %v, want launch failure", err)
	}
	var verr *Error
	errors.As(err, &verr)
	if !strings.Contains(verr.Output, "could not open disk image") {
		t.Errorf("Output = %q, want captured stderr", verr.Output)
	}
}

func TestStartInstance_DiesAfterFork(t *testing.T) {
	e := newTestEnv(t)
	e.runner.noPidFile = true

	err := e.k.StartInstance(testInstance(), testDisks)
	if !errors.Is(err, ErrLaunchFailure) {
		t.Fatalf("err = %v, want launch failure", err)
	}
	if !strings.Contains(err.Error(), "not alive") {
		t.Errorf("err = %q, want liveness message", err)
	}
}

func TestExecute_DoesNotMutateRuntime(t *testing.T) {
	e := newTestEnv(t)
	inst := testInstance()
	inst.NICs = []NIC{{MAC: "aa:00:00:00:00:01", Bridge: "br0"}}

	rt := e.k.BuildRuntime(inst, testDisks)
	before := len(rt.Cmd)
	if err := e.k.Execute(inst, rt, &Endpoint{Host: "10.0.0.5", Port: 8102}); err != nil {
		t.Fatal(err)
	}
	if len(rt.Cmd) != before {
		t.Errorf("runtime cmd grew from %d to %d tokens", before, len(rt.Cmd))
	}
	if !hasPair(e.runner.launches[0].Args, "-incoming", "tcp:10.0.0.5:8102") {
		t.Errorf("missing -incoming: %v", e.runner.launches[0].Args)
	}
}

func TestStopInstance_Absent(t *testing.T) {
	e := newTestEnv(t)

	stopped, err := e.k.StopInstance(testInstance(), false)
	if err != nil {
		t.Fatal(err)
	}
	if !stopped {
		t.Error("stopped = false, want true")
	}
	if len(e.runner.monitor) != 0 {
		t.Errorf("monitor commands = %v, want none", e.runner.monitor)
	}
	if len(e.procs.killed) != 0 {
		t.Errorf("killed = %v, want none", e.procs.killed)
	}
}

func TestStopInstance_Force(t *testing.T) {
	e := newTestEnv(t)
	inst := testInstance()
	pid := e.start(t, inst)

	stopped, err := e.k.StopInstance(inst, true)
	if err != nil {
		t.Fatal(err)
	}
	if !stopped {
		t.Fatal("stopped = false, want true")
	}
	if len(e.procs.killed) != 1 || e.procs.killed[0] != pid {
		t.Errorf("killed = %v, want [%d]", e.procs.killed, pid)
	}
	if len(e.runner.monitor) != 0 {
		t.Errorf("monitor commands = %v, want none", e.runner.monitor)
	}
	e.assertNoArtifacts(t, inst.Name)
}

func TestStopInstance_NoACPIKills(t *testing.T) {
	e := newTestEnv(t)
	inst := testInstance()
	inst.HVParams.ACPI = false
	e.start(t, inst)

	stopped, err := e.k.StopInstance(inst, false)
	if err != nil {
		t.Fatal(err)
	}
	if !stopped {
		t.Fatal("stopped = false, want true")
	}
	if e.runner.monitorCount("system_powerdown") != 0 {
		t.Error("system_powerdown sent to a guest without ACPI")
	}
	e.assertNoArtifacts(t, inst.Name)
}

func TestStopInstance_Graceful(t *testing.T) {
	e := newTestEnv(t)
	inst := testInstance()
	pid := e.start(t, inst)

	e.runner.reply = func(cmd string) (string, bool) {
		if cmd == "system_powerdown" && e.runner.monitorCount(cmd) == 2 {
			delete(e.procs.alive, pid)
		}
		return "", true
	}

	stopped, err := e.k.StopInstance(inst, false)
	if err != nil {
		t.Fatal(err)
	}
	if !stopped {
		t.Fatal("stopped = false, want true")
	}
	if n := e.runner.monitorCount("system_powerdown"); n != 2 {
		t.Errorf("system_powerdown sent %d times, want 2", n)
	}
	if len(e.procs.killed) != 0 {
		t.Errorf("killed = %v, want none", e.procs.killed)
	}
	want := []time.Duration{time.Second, 1300 * time.Millisecond}
	if len(e.clock.sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", e.clock.sleeps, want)
	}
	for i := range want {
		if e.clock.sleeps[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, e.clock.sleeps[i], want[i])
		}
	}
	e.assertNoArtifacts(t, inst.Name)
}

func TestStopInstance_GracefulEscalation(t *testing.T) {
	e := newTestEnv(t)
	inst := testInstance()
	e.start(t, inst)
	// A guest ignoring powerdown, behind a flaky relay.
	e.runner.reply = func(cmd string) (string, bool) {
		return "", e.runner.monitorCount(cmd)%2 == 0
	}

	start := e.clock.now
	stopped, err := e.k.StopInstance(inst, false)
	if err != nil {
		t.Fatal(err)
	}
	if stopped {
		t.Fatal("stopped = true, want false for a guest ignoring powerdown")
	}
	if elapsed := e.clock.now.Sub(start); elapsed < e.cfg.PowerdownTimeout {
		t.Errorf("gave up after %v, want at least %v", elapsed, e.cfg.PowerdownTimeout)
	}
	if !exists(e.k.Paths(inst.Name).PidFile) {
		t.Error("pid file removed while the process is alive")
	}

	stopped, err = e.k.StopInstance(inst, true)
	if err != nil {
		t.Fatal(err)
	}
	if !stopped {
		t.Fatal("forced stop = false, want true")
	}
	e.assertNoArtifacts(t, inst.Name)
}

func TestStopInstance_SurvivesKill(t *testing.T) {
	e := newTestEnv(t)
	inst := testInstance()
	e.start(t, inst)
	e.procs.surviveKill = true

	stopped, err := e.k.StopInstance(inst, true)
	if err != nil {
		t.Fatal(err)
	}
	if stopped {
		t.Error("stopped = true for a process that survived SIGKILL")
	}
	if !exists(e.k.Paths(inst.Name).PidFile) {
		t.Error("pid file removed while the process is alive")
	}
}

func TestRebootInstance(t *testing.T) {
	e := newTestEnv(t)
	inst := testInstance()
	inst.HVParams.ACPI = false
	first := e.start(t, inst)

	// Reboot must replay the saved runtime, not rebuild it.
	rt, err := e.k.LoadRuntime(inst.Name, nil)
	if err != nil {
		t.Fatal(err)
	}
	rt.Cmd = append(rt.Cmd, "-cpu", "host")
	if err := e.k.SaveRuntime(inst.Name, rt); err != nil {
		t.Fatal(err)
	}

	if err := e.k.RebootInstance(inst); err != nil {
		t.Fatalf("RebootInstance: %v", err)
	}

	if len(e.runner.launches) != 2 {
		t.Fatalf("launches = %d, want 2", len(e.runner.launches))
	}
	if !hasPair(e.runner.launches[1].Args, "-cpu", "host") {
		t.Errorf("reboot did not use the saved runtime: %v", e.runner.launches[1].Args)
	}
	if e.procs.alive[first] {
		t.Error("old process still alive")
	}
	st := e.k.state(inst.Name)
	if !st.Alive || st.PID == first {
		t.Errorf("state = %+v, want a new live pid", st)
	}
	if !exists(e.k.Paths(inst.Name).Runtime) {
		t.Error("runtime snapshot missing after reboot")
	}
}

func TestRebootInstance_NotRunning(t *testing.T) {
	e := newTestEnv(t)

	err := e.k.RebootInstance(testInstance())
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want not running", err)
	}
	if len(e.runner.launches) != 0 {
		t.Errorf("launches = %d, want 0", len(e.runner.launches))
	}
}
