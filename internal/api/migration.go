package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xfeldman/kvmnode/internal/client"
	"github.com/xfeldman/kvmnode/internal/vmm"
)

// handleMigrationInfo returns the runtime blob, zstd-compressed.
func (s *Server) handleMigrationInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.hv.MigrationInfo(&vmm.Instance{Name: chi.URLParam(r, "name")})
	if err != nil {
		writeHVError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zstd")
	w.WriteHeader(http.StatusOK)
	w.Write(client.CompressBlob(info))
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req client.AcceptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !bindInstance(w, r, &req.Instance) {
		return
	}
	if req.Target == "" {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	info, err := client.DecompressBlob(req.Info)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.record(req.Instance.Name, "accept", func() error {
		return s.hv.AcceptInstance(&req.Instance, info, req.Target)
	})
	if err != nil {
		writeHVError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "listening"})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req client.FinalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !bindInstance(w, r, &req.Instance) {
		return
	}
	info, err := client.DecompressBlob(req.Info)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.record(req.Instance.Name, "finalize", func() error {
		return s.hv.FinalizeMigration(&req.Instance, info, req.Success)
	})
	if err != nil {
		writeHVError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": req.Success})
}

// handleMigrate runs the source side only, or with target_api the whole
// handshake with this node as source.
func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req client.MigrateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Target == "" {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	inst := req.Instance
	if inst == nil {
		inst = &vmm.Instance{}
	}
	if !bindInstance(w, r, inst) {
		return
	}

	err := s.record(inst.Name, "migrate", func() error {
		if req.TargetAPI == "" {
			return s.hv.MigrateInstance(inst.Name, req.Target, req.Live)
		}
		return s.coord.Migrate(inst, s.hv, s.dialPeer(req.TargetAPI), req.Target, req.Live)
	})
	if err != nil {
		writeHVError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "migrated", "target": req.Target})
}
