package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

type createInstanceRequest struct {
	PackID string `json:"pack_id"`
	Name   string `json:"name"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.PackID) == "" {
		http.Error(w, "pack_id is required", http.StatusBadRequest)
		return
	}
	inst, err := s.manager.Create(r.Context(), req.PackID, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.manager.List(r.Context(), listLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

type startInstanceRequest struct {
	Env map[string]string `json:"env"`
}

// handleStartInstance resolves the pack's required_env through the
// secrets provider, then lets explicit request values override it. The
// manager still rejects the start if anything required is absent.
func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req startInstanceRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	env, err := s.resolveEnv(r, id, req.Env)
	if err != nil {
		writeError(w, err)
		return
	}
	inst, err := s.manager.Start(r.Context(), id, env)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) resolveEnv(r *http.Request, id string, overrides map[string]string) (map[string]string, error) {
	env := map[string]string{}
	if s.secrets != nil {
		inst, err := s.manager.Get(r.Context(), id)
		if err != nil {
			return nil, err
		}
		p, err := s.packs.Get(r.Context(), inst.PackID)
		if err != nil {
			return nil, err
		}
		resolved, err := s.secrets.ForPack(p.Manifest.RequiredEnv)
		if err != nil {
			return nil, err
		}
		env = resolved
	}
	for k, v := range overrides {
		env[k] = v
	}
	return env, nil
}

func (s *Server) handlePauseInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.manager.Pause(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.manager.Stop(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type callInstanceRequest struct {
	Function string          `json:"function"`
	Args     json.RawMessage `json:"args"`
}

func (s *Server) handleCallInstance(w http.ResponseWriter, r *http.Request) {
	var req callInstanceRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Function) == "" {
		http.Error(w, "function is required", http.StatusBadRequest)
		return
	}
	out, err := s.manager.Call(r.Context(), r.PathValue("id"), req.Function, req.Args)
	if err != nil {
		writeError(w, err)
		return
	}
	var result any
	if len(out) > 0 {
		if err := json.Unmarshal(out, &result); err != nil {
			result = string(out)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}
