package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/xfeldman/kvmnode/internal/vmm"
)

func TestBlobRoundTrip(t *testing.T) {
	in := []byte(`[["/usr/bin/kvm","-m","512","-smp","2"],[{"mac":"aa:00:00:00:00:01","ip":"","bridge":"br0"}]]`)
	out, err := DecompressBlob(CompressBlob(in))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, in) {
		t.Errorf("round trip = %s, want %s", out, in)
	}

	if _, err := DecompressBlob([]byte("plain json")); err == nil {
		t.Error("expected error for uncompressed input")
	}
}

func TestAPIErrorIs(t *testing.T) {
	err := error(&APIError{StatusCode: 409, Message: "instance web1: not running", Kind: "not_running"})
	if !errors.Is(err, vmm.ErrNotRunning) {
		t.Error("errors.Is(err, ErrNotRunning) = false")
	}
	if errors.Is(err, vmm.ErrAlreadyRunning) {
		t.Error("errors.Is(err, ErrAlreadyRunning) = true")
	}

	bare := error(&APIError{StatusCode: 500, Message: "boom"})
	if errors.Is(bare, vmm.ErrIOFailure) {
		t.Error("kindless APIError matched a kind")
	}
}

func TestParseError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/status":
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream gone\n"))
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"instance web1: failed to start: already running","kind":"already_running"}`))
		}
	}))
	defer ts.Close()
	c := NewWithHTTPClient(ts.URL, ts.Client())

	_, err := c.Status(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "upstream gone" {
		t.Errorf("APIError = %+v", apiErr)
	}

	err = c.Start(context.Background(), &vmm.Instance{Name: "web1"}, nil)
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Kind != "already_running" || !errors.Is(err, vmm.ErrAlreadyRunning) {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestInstanceInfoNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"instance not running"}`))
	}))
	defer ts.Close()

	info, err := NewWithHTTPClient(ts.URL, ts.Client()).InstanceInfo(context.Background(), "web1")
	if err != nil || info != nil {
		t.Errorf("InstanceInfo = %+v, %v; want nil, nil", info, err)
	}
}
