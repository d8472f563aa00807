package client

import (
	"github.com/xfeldman/kvmnode/internal/vmm"
)

// DaemonStatus is the response of GET /v1/status.
type DaemonStatus struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
	Version string `json:"version"`
	// Problem is the backend self-check result; empty when healthy.
	Problem string `json:"problem,omitempty"`
}

// StartRequest is the body of POST /v1/instances/{name}/start.
type StartRequest struct {
	Instance vmm.Instance      `json:"instance"`
	Disks    []vmm.BlockDevice `json:"disks"`
}

// StopRequest is the body of POST /v1/instances/{name}/stop.
type StopRequest struct {
	Instance vmm.Instance `json:"instance"`
	Force    bool         `json:"force,omitempty"`
}

// StopResponse reports whether the instance is gone.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// RebootRequest is the body of POST /v1/instances/{name}/reboot.
type RebootRequest struct {
	Instance vmm.Instance `json:"instance"`
}

// AcceptRequest is the body of POST /v1/instances/{name}/accept. Info is
// the zstd-compressed runtime blob.
type AcceptRequest struct {
	Instance vmm.Instance `json:"instance"`
	Info     []byte       `json:"info"`
	Target   string       `json:"target"`
}

// FinalizeRequest is the body of POST /v1/instances/{name}/finalize.
type FinalizeRequest struct {
	Instance vmm.Instance `json:"instance"`
	Info     []byte       `json:"info"`
	Success  bool         `json:"success"`
}

// MigrateRequest is the body of POST /v1/instances/{name}/migrate.
//
// With TargetAPI empty only the source side runs; the target must already
// be listening. Otherwise the daemon runs the whole handshake against the
// kvmd at TargetAPI and needs Instance.
type MigrateRequest struct {
	Target    string        `json:"target"`
	Live      bool          `json:"live"`
	TargetAPI string        `json:"target_api,omitempty"`
	Instance  *vmm.Instance `json:"instance,omitempty"`
}

// ParamsRequest is the body of POST /v1/params/check. Strict also checks
// that the files exist on the node.
type ParamsRequest struct {
	Params vmm.HVParams `json:"params"`
	Strict bool         `json:"strict,omitempty"`
}

// BridgesRequest is the body of POST /v1/bridges/verify.
type BridgesRequest struct {
	Bridges []string `json:"bridges"`
}

// BridgesResponse lists the bridges missing on the node.
type BridgesResponse struct {
	Missing []string `json:"missing"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// APIError is returned when the API returns an error response.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	return e.Message
}

// Is lets errors.Is(err, vmm.ErrNotRunning) and friends work for errors
// reported by a remote daemon.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*vmm.Error)
	return ok && e.Kind != "" && t.Kind.String() == e.Kind
}
