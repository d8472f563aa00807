// Package client is the Go client for the kvmd HTTP API, used by kvmctl and
// by daemons talking to their migration peers.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xfeldman/kvmnode/internal/config"
	"github.com/xfeldman/kvmnode/internal/journal"
	"github.com/xfeldman/kvmnode/internal/nodeinfo"
	"github.com/xfeldman/kvmnode/internal/vmm"
)

// Client talks to kvmd over a unix socket or TCP.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client connected to the kvmd unix socket at socketPath.
func New(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					d.Timeout = 5 * time.Second
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			// Migrations and graceful stops block for a long time.
			Timeout: 0,
		},
		baseURL: "http://kvmd",
	}
}

// NewTCP creates a client for a kvmd listening on addr (host:port).
func NewTCP(addr string) *Client {
	return NewWithHTTPClient("http://"+addr, &http.Client{})
}

// NewWithHTTPClient creates a client against baseURL using hc.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	return &Client{httpClient: hc, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// DefaultSocketPath returns the default kvmd socket path.
func DefaultSocketPath() string {
	return config.DefaultConfig().SocketPath
}

func instancePath(name, action string) string {
	p := "/v1/instances/" + url.PathEscape(name)
	if action != "" {
		p += "/" + action
	}
	return p
}

// Status returns daemon status.
func (c *Client) Status(ctx context.Context) (*DaemonStatus, error) {
	var out DaemonStatus
	if err := c.doJSON(ctx, "GET", "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Instances ---

// ListInstances returns the names of running instances.
func (c *Client) ListInstances(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.doJSON(ctx, "GET", "/v1/instances", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AllInstancesInfo describes every running instance.
func (c *Client) AllInstancesInfo(ctx context.Context) ([]vmm.InstanceInfo, error) {
	var out []vmm.InstanceInfo
	if err := c.doJSON(ctx, "GET", "/v1/instances/info", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InstanceInfo describes one instance. It returns nil without error when
// the instance is not running.
func (c *Client) InstanceInfo(ctx context.Context, name string) (*vmm.InstanceInfo, error) {
	var out vmm.InstanceInfo
	err := c.doJSON(ctx, "GET", instancePath(name, ""), nil, &out)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Start boots inst with disks.
func (c *Client) Start(ctx context.Context, inst *vmm.Instance, disks []vmm.BlockDevice) error {
	req := StartRequest{Instance: *inst, Disks: disks}
	return c.doJSON(ctx, "POST", instancePath(inst.Name, "start"), req, nil)
}

// Stop stops inst and reports whether it is gone.
func (c *Client) Stop(ctx context.Context, inst *vmm.Instance, force bool) (bool, error) {
	var out StopResponse
	req := StopRequest{Instance: *inst, Force: force}
	if err := c.doJSON(ctx, "POST", instancePath(inst.Name, "stop"), req, &out); err != nil {
		return false, err
	}
	return out.Stopped, nil
}

// Reboot restarts inst from its saved runtime.
func (c *Client) Reboot(ctx context.Context, inst *vmm.Instance) error {
	return c.doJSON(ctx, "POST", instancePath(inst.Name, "reboot"), RebootRequest{Instance: *inst}, nil)
}

// Migrate asks the daemon to migrate inst to targetHost. With targetAPI set
// the daemon runs the whole handshake against that peer.
func (c *Client) Migrate(ctx context.Context, inst *vmm.Instance, targetHost, targetAPI string, live bool) error {
	req := MigrateRequest{Target: targetHost, Live: live, TargetAPI: targetAPI, Instance: inst}
	return c.doJSON(ctx, "POST", instancePath(inst.Name, "migrate"), req, nil)
}

// --- Migration peer ---
//
// These satisfy migration.Peer. They carry no context; a migration runs to
// completion once started.

// MigrationInfo fetches the runtime blob of inst.
func (c *Client) MigrationInfo(inst *vmm.Instance) ([]byte, error) {
	resp, err := c.doRaw(context.Background(), "GET", instancePath(inst.Name, "migration-info"), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read migration info: %w", err)
	}
	return DecompressBlob(data)
}

// AcceptInstance makes the peer listen for inst.
func (c *Client) AcceptInstance(inst *vmm.Instance, info []byte, target string) error {
	req := AcceptRequest{Instance: *inst, Info: CompressBlob(info), Target: target}
	return c.doJSON(context.Background(), "POST", instancePath(inst.Name, "accept"), req, nil)
}

// MigrateInstance runs only the source side of a migration on the peer.
func (c *Client) MigrateInstance(name, target string, live bool) error {
	req := MigrateRequest{Target: target, Live: live}
	return c.doJSON(context.Background(), "POST", instancePath(name, "migrate"), req, nil)
}

// FinalizeMigration settles the peer's incoming copy of inst.
func (c *Client) FinalizeMigration(inst *vmm.Instance, info []byte, success bool) error {
	req := FinalizeRequest{Instance: *inst, Info: CompressBlob(info), Success: success}
	return c.doJSON(context.Background(), "POST", instancePath(inst.Name, "finalize"), req, nil)
}

// --- Node ---

// NodeInfo returns host capacity.
func (c *Client) NodeInfo(ctx context.Context) (*nodeinfo.Info, error) {
	var out nodeinfo.Info
	if err := c.doJSON(ctx, "GET", "/v1/node", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckParams validates hypervisor parameters on the node.
func (c *Client) CheckParams(ctx context.Context, p vmm.HVParams, strict bool) error {
	return c.doJSON(ctx, "POST", "/v1/params/check", ParamsRequest{Params: p, Strict: strict}, nil)
}

// VerifyBridges returns the bridges missing on the node.
func (c *Client) VerifyBridges(ctx context.Context, bridges []string) ([]string, error) {
	var out BridgesResponse
	if err := c.doJSON(ctx, "POST", "/v1/bridges/verify", BridgesRequest{Bridges: bridges}, &out); err != nil {
		return nil, err
	}
	return out.Missing, nil
}

// History lists journaled operations, newest first. An empty instance
// means all instances.
func (c *Client) History(ctx context.Context, instance string, limit int) ([]*journal.Operation, error) {
	q := url.Values{}
	if instance != "" {
		q.Set("instance", instance)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []*journal.Operation
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Internal ---

func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	resp, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if result == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// doRaw makes an HTTP request and returns the raw response.
// Caller is responsible for closing resp.Body.
func (c *Client) doRaw(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

// parseError reads an error response body and returns an APIError.
func parseError(resp *http.Response) error {
	var errResp ErrorResponse
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error, Kind: errResp.Kind}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}
