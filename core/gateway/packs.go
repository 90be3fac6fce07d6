package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/packd-io/packd/core/pack"
)

const maxRequestBytes = 1 << 20

type installPackRequest struct {
	URL      string `json:"url"`
	Checksum string `json:"checksum"`
	Mode     string `json:"mode"`
}

func (s *Server) handleInstallPack(w http.ResponseWriter, r *http.Request) {
	var req installPackRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	mode := s.mode
	if req.Mode != "" {
		switch pack.InstallMode(req.Mode) {
		case pack.ModeDev, pack.ModeProd:
			mode = pack.InstallMode(req.Mode)
		default:
			http.Error(w, "unknown install mode", http.StatusBadRequest)
			return
		}
	}

	source := pack.InstallSource{Mode: mode, SourceURL: req.URL}
	installed, err := s.installer.Install(r.Context(), req.URL, source, req.Checksum)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, installed)
}

func (s *Server) handleListPacks(w http.ResponseWriter, r *http.Request) {
	packs, err := s.packs.List(r.Context(), listLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, packs)
}

func (s *Server) handleGetPack(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing pack id", http.StatusBadRequest)
		return
	}
	p, err := s.packs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUninstallPack(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing pack id", http.StatusBadRequest)
		return
	}
	if err := s.installer.Uninstall(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBytes))
	return dec.Decode(v)
}

func listLimit(r *http.Request) int64 {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
