package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xfeldman/kvmnode/internal/client"
	"github.com/xfeldman/kvmnode/internal/vmm"
)

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	names, err := s.hv.ListInstances()
	if err != nil {
		writeHVError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleAllInstancesInfo(w http.ResponseWriter, r *http.Request) {
	infos, err := s.hv.GetAllInstancesInfo()
	if err != nil {
		writeHVError(w, err)
		return
	}
	if infos == nil {
		infos = []vmm.InstanceInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleInstanceInfo(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	info, err := s.hv.GetInstanceInfo(name)
	if err != nil {
		writeHVError(w, err)
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("instance %s is not running", name))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// bindInstance fills an empty instance name from the path and rejects a
// body naming another instance.
func bindInstance(w http.ResponseWriter, r *http.Request, inst *vmm.Instance) bool {
	name := chi.URLParam(r, "name")
	if inst.Name == "" {
		inst.Name = name
	}
	if inst.Name != name {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("body names instance %q, path %q", inst.Name, name))
		return false
	}
	return true
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req client.StartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !bindInstance(w, r, &req.Instance) {
		return
	}

	err := s.record(req.Instance.Name, "start", func() error {
		return s.hv.StartInstance(&req.Instance, req.Disks)
	})
	if err != nil {
		writeHVError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req client.StopRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !bindInstance(w, r, &req.Instance) {
		return
	}

	op := "stop"
	if req.Force {
		op = "force-stop"
	}
	var stopped bool
	err := s.record(req.Instance.Name, op, func() error {
		var err error
		stopped, err = s.hv.StopInstance(&req.Instance, req.Force)
		return err
	})
	if err != nil {
		writeHVError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client.StopResponse{Stopped: stopped})
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	var req client.RebootRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !bindInstance(w, r, &req.Instance) {
		return
	}

	err := s.record(req.Instance.Name, "reboot", func() error {
		return s.hv.RebootInstance(&req.Instance)
	})
	if err != nil {
		writeHVError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}
