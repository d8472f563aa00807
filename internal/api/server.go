// Package api is the kvmd HTTP API: lifecycle, migration and node calls on
// top of a vmm.Hypervisor, served on a unix socket and optionally on TCP
// for peer daemons.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/xfeldman/kvmnode/internal/client"
	"github.com/xfeldman/kvmnode/internal/config"
	"github.com/xfeldman/kvmnode/internal/journal"
	"github.com/xfeldman/kvmnode/internal/logging"
	"github.com/xfeldman/kvmnode/internal/migration"
	"github.com/xfeldman/kvmnode/internal/version"
	"github.com/xfeldman/kvmnode/internal/vmm"
)

// Server is the kvmd HTTP API server.
type Server struct {
	cfg     *config.Config
	hv      vmm.Hypervisor
	journal *journal.DB
	metrics *Metrics
	coord   *migration.Coordinator
	log     *logrus.Entry
	router  chi.Router

	// dialPeer returns the migration peer for a kvmd TCP address.
	dialPeer func(addr string) migration.Peer

	mu        sync.Mutex
	servers   []*http.Server
	listeners []net.Listener
}

// NewServer creates a new API server. The journal may be nil.
func NewServer(cfg *config.Config, hv vmm.Hypervisor, j *journal.DB, log *logrus.Entry) *Server {
	if log == nil {
		log = logging.Component(nil, "api")
	}
	s := &Server{
		cfg:     cfg,
		hv:      hv,
		journal: j,
		metrics: NewMetrics(hv),
		coord:   migration.NewCoordinator(log.WithField("component", "migration")),
		log:     log,
		dialPeer: func(addr string) migration.Peer {
			return client.NewTCP(addr)
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/v1/status", s.handleStatus)
	r.Route("/v1/instances", func(r chi.Router) {
		r.Get("/", s.handleListInstances)
		r.Get("/info", s.handleAllInstancesInfo)
		r.Route("/{name}", func(r chi.Router) {
			r.Use(requireName)
			r.Get("/", s.handleInstanceInfo)
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Post("/reboot", s.handleReboot)
			r.Get("/migration-info", s.handleMigrationInfo)
			r.Post("/accept", s.handleAccept)
			r.Post("/finalize", s.handleFinalize)
			r.Post("/migrate", s.handleMigrate)
		})
	})
	r.Get("/v1/node", s.handleNode)
	r.Post("/v1/params/check", s.handleCheckParams)
	r.Post("/v1/bridges/verify", s.handleVerifyBridges)
	r.Get("/v1/history", s.handleHistory)
	r.Handle("/metrics", s.metrics.Handler())
	return r
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the unix socket and, when configured, on ListenAddr.
func (s *Server) Start() error {
	// Remove stale socket
	os.Remove(s.cfg.SocketPath)

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.serve(ln)
	s.log.Infof("kvmd API listening on %s", s.cfg.SocketPath)

	if s.cfg.ListenAddr != "" {
		tcp, err := net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			s.Stop(context.Background())
			return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
		}
		s.serve(tcp)
		s.log.Infof("kvmd API listening on %s", tcp.Addr())
	}
	return nil
}

func (s *Server) serve(ln net.Listener) {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("server error on %s: %v", ln.Addr(), err)
		}
	}()
}

// Addrs returns the addresses the server listens on.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		out = append(out, ln.Addr())
	}
	return out
}

// Stop gracefully shuts down all listeners.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	servers := s.servers
	s.servers, s.listeners = nil, nil
	s.mu.Unlock()

	var result *multierror.Error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// record journals and measures one lifecycle call. Journal failures are
// logged and never fail the call.
func (s *Server) record(instance, op string, fn func() error) error {
	start := time.Now()

	var entry *journal.Operation
	if s.journal != nil {
		var err error
		if entry, err = s.journal.Begin(instance, op); err != nil {
			s.log.Warnf("journal %s %s: %v", op, instance, err)
		}
	}

	err := fn()
	s.metrics.observe(op, err, time.Since(start))

	if entry != nil {
		if jerr := s.journal.Finish(entry, err); jerr != nil {
			s.log.Warnf("journal %s %s: %v", op, instance, jerr)
		}
	}

	log := s.log.WithFields(logrus.Fields{"instance": instance, "op": op})
	if err != nil {
		log.Warnf("failed: %v", err)
	} else {
		log.Debug("done")
	}
	return err
}

// Status response

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, client.DaemonStatus{
		Status:  "running",
		Backend: s.hv.Name(),
		Version: version.Version(),
		Problem: s.hv.Verify(),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, client.ErrorResponse{Error: msg})
}

// writeHVError maps an operation error to its HTTP status and writes it.
func writeHVError(w http.ResponseWriter, err error) {
	kind := errorKind(err)
	writeJSON(w, statusForKind(kind), client.ErrorResponse{Error: err.Error(), Kind: kind})
}

// errorKind names the kind of err, including kinds reported by a peer.
func errorKind(err error) string {
	if k, ok := vmm.KindOf(err); ok {
		return k.String()
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

func statusForKind(kind string) int {
	switch kind {
	case vmm.KindConfiguration.String():
		return http.StatusBadRequest
	case vmm.KindAlreadyRunning.String(), vmm.KindNotRunning.String():
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// requireName rejects instance names that cannot be a file name.
func requireName(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isValidName(chi.URLParam(r, "name")) {
			writeError(w, http.StatusBadRequest, "invalid instance name")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isValidName checks an instance name is safe to use in state paths.
// Names are usually FQDNs, so dots are allowed.
func isValidName(name string) bool {
	if len(name) == 0 || len(name) > 255 {
		return false
	}
	for _, c := range name {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.') {
			return false
		}
	}
	return name != "." && !strings.Contains(name, "..")
}
