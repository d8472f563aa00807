package api

import (
	"net/http"
	"strconv"

	"github.com/xfeldman/kvmnode/internal/client"
	"github.com/xfeldman/kvmnode/internal/journal"
)

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	info, err := s.hv.GetNodeInfo()
	if err != nil {
		writeHVError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCheckParams(w http.ResponseWriter, r *http.Request) {
	var req client.ParamsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	check := s.hv.CheckParameterSyntax
	if req.Strict {
		check = s.hv.ValidateParameters
	}
	if err := check(req.Params); err != nil {
		writeHVError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleVerifyBridges(w http.ResponseWriter, r *http.Request) {
	var req client.BridgesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	missing := s.hv.VerifyBridges(req.Bridges)
	if missing == nil {
		missing = []string{}
	}
	writeJSON(w, http.StatusOK, client.BridgesResponse{Missing: missing})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	ops, err := s.journal.List(r.URL.Query().Get("instance"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ops == nil {
		ops = []*journal.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}
