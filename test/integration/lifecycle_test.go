//go:build integration

package integration

import (
	"strings"
	"testing"
)

func TestDaemonStatus(t *testing.T) {
	out := kvmctlRun(t, "status")
	if !strings.Contains(out, "Backend: kvm") {
		t.Fatalf("expected kvm backend, got: %s", out)
	}
}

func TestNodeInfo(t *testing.T) {
	out := kvmctlRun(t, "node")
	if !strings.Contains(out, "Memory total:") || !strings.Contains(out, "CPUs:") {
		t.Fatalf("unexpected node output: %s", out)
	}
}

func TestVerifyBridgesMissing(t *testing.T) {
	out, err := kvmctl("verify-bridges", "kvmnode-no-such-br")
	if err == nil {
		t.Fatalf("expected failure for a missing bridge, got: %s", out)
	}
	if !strings.Contains(out, "kvmnode-no-such-br") {
		t.Fatalf("missing bridge not reported: %s", out)
	}
}

func TestCheckParamsRelativeKernel(t *testing.T) {
	path := writeInstanceFile(t, "params-it", "vmlinuz")
	out, err := kvmctl("check-params", path)
	if err == nil {
		t.Fatalf("expected relative kernel to be rejected, got: %s", out)
	}
}

func TestStartRebootStop(t *testing.T) {
	kernel := requireKVM(t)
	const name = "lifecycle-it"
	path := writeInstanceFile(t, name, kernel)
	t.Cleanup(func() { kvmctl("stop", "--force", name) })

	kvmctlRun(t, "start", path)

	out := kvmctlRun(t, "list")
	if !strings.Contains(out, name) {
		t.Fatalf("instance missing from list: %s", out)
	}
	out = kvmctlRun(t, "info", name)
	if !strings.Contains(out, "Memory: 128M") {
		t.Fatalf("unexpected info: %s", out)
	}

	if out, err := kvmctl("start", path); err == nil {
		t.Fatalf("second start succeeded: %s", out)
	}

	kvmctlRun(t, "reboot", path)
	kvmctlRun(t, "stop", "--force", name)

	if out, err := kvmctl("info", name); err == nil {
		t.Fatalf("instance still reported after stop: %s", out)
	}

	out = kvmctlRun(t, "history", name)
	for _, op := range []string{"start", "reboot", "force-stop"} {
		if !strings.Contains(out, op) {
			t.Errorf("history missing %s:\n%s", op, out)
		}
	}
}
