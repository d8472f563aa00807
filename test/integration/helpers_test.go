//go:build integration

package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xfeldman/kvmnode/internal/client"
)

var (
	binDir     string
	stateDir   string
	socketPath string
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	root := repoRoot()
	var err error
	if binDir, err = os.MkdirTemp("", "kvmnode-bin-"); err != nil {
		fmt.Fprintf(os.Stderr, "temp dir: %v\n", err)
		return 1
	}
	defer os.RemoveAll(binDir)
	for _, name := range []string{"kvmd", "kvmctl"} {
		build := exec.Command("go", "build", "-o", filepath.Join(binDir, name), "./cmd/"+name)
		build.Dir = root
		build.Stdout, build.Stderr = os.Stderr, os.Stderr
		if err := build.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "build %s: %v\n", name, err)
			return 1
		}
	}

	if stateDir, err = os.MkdirTemp("", "kvmnode-it-"); err != nil {
		fmt.Fprintf(os.Stderr, "temp dir: %v\n", err)
		return 1
	}
	defer os.RemoveAll(stateDir)
	socketPath = filepath.Join(stateDir, "kvmd.sock")

	cmd := exec.Command(filepath.Join(binDir, "kvmd"))
	cmd.Env = append(os.Environ(),
		"KVMNODE_ROOT_DIR="+filepath.Join(stateDir, "root"),
		"KVMNODE_SOCKET_PATH="+socketPath,
		"KVMNODE_DB_PATH="+filepath.Join(stateDir, "journal.db"),
		"KVMNODE_LOG_LEVEL=debug",
	)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "start kvmd: %v\n", err)
		return 1
	}
	defer func() {
		cmd.Process.Signal(os.Interrupt)
		cmd.Wait()
	}()

	ready := false
	for i := 0; i < 30; i++ {
		if _, err := client.New(socketPath).Status(context.Background()); err == nil {
			ready = true
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if !ready {
		fmt.Fprintln(os.Stderr, "kvmd did not start within timeout")
		return 1
	}

	return m.Run()
}

func repoRoot() string {
	// Walk up from the test file to find go.mod
	dir, _ := os.Getwd()
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "."
		}
		dir = parent
	}
}

func kvmctl(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	args = append([]string{"--socket", socketPath}, args...)
	cmd := exec.CommandContext(ctx, filepath.Join(binDir, "kvmctl"), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	out := stdout.String() + stderr.String()
	return strings.TrimSpace(out), err
}

func kvmctlRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := kvmctl(args...)
	if err != nil {
		t.Fatalf("kvmctl %v failed: %v\noutput: %s", args, err, out)
	}
	return out
}

// requireKVM skips unless a test kernel and a usable /dev/kvm are present.
func requireKVM(t *testing.T) string {
	t.Helper()
	kernel := os.Getenv("KVMNODE_TEST_KERNEL")
	if kernel == "" {
		t.Skip("KVMNODE_TEST_KERNEL not set")
	}
	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skip("/dev/kvm not available")
	}
	return kernel
}

func writeInstanceFile(t *testing.T, name, kernel string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".toml")
	content := fmt.Sprintf(`[instance]
name = %q
memory_mb = 128
vcpus = 1

[instance.hvparams]
kernel_path = %q
acpi = true
`, name, kernel)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
