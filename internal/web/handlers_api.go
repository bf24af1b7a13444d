package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"znp-host/internal/adapter"
	"znp-host/internal/provider"
	"znp-host/internal/store"
)

// statusQueryTimeout bounds the firmware query made by /api/status.
const statusQueryTimeout = 2 * time.Second

type statusResponse struct {
	Version         string        `json:"version"`
	State           adapter.State `json:"state"`
	MemoryAlignment string        `json:"memory_alignment,omitempty"`
	Firmware        string        `json:"firmware,omitempty"`
	Capabilities    []string      `json:"capabilities,omitempty"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if s.adapter == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "adapter not configured"})
		return
	}
	resp := statusResponse{
		Version: s.version,
		State:   s.adapter.State(),
	}
	if a := s.adapter.MemoryAlignment(); a != 0 {
		resp.MemoryAlignment = a.String()
	}

	proc := s.adapter.Processor()
	resp.Capabilities = proc.Capabilities().Names()
	// No capabilities means the adapter was never pinged.
	if len(resp.Capabilities) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), statusQueryTimeout)
		defer cancel()
		if v, err := proc.Version(ctx, false); err == nil {
			resp.Firmware = v.String()
		} else {
			s.logger.Debug("status: version unavailable", "err", err)
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPINetwork(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store not configured"})
		return
	}
	state, err := s.store.GetNetworkState()
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no network formed"})
		return
	}
	if err != nil {
		s.logger.Error("get network state", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

// deviceView is a provider device tagged with the provider that reported it.
type deviceView struct {
	Provider string `json:"provider"`
	provider.Device
}

func (s *Server) providerNames() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	views := []deviceView{}
	for _, name := range s.providerNames() {
		for _, d := range s.providers[name].ListDevices() {
			views = append(views, deviceView{Provider: name, Device: d})
		}
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, name := range s.providerNames() {
		if d, ok := s.providers[name].GetDevice(id); ok {
			s.writeJSON(w, http.StatusOK, deviceView{Provider: name, Device: d})
			return
		}
	}
	s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
}

type backupSummary struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Firmware  string    `json:"firmware,omitempty"`
	Items     int       `json:"items"`
}

func (s *Server) handleAPIListBackups(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store not configured"})
		return
	}
	backups, err := s.store.ListBackups()
	if err != nil {
		s.logger.Error("list backups", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	out := make([]backupSummary, 0, len(backups))
	for _, b := range backups {
		out = append(out, backupSummary{Name: b.Name, CreatedAt: b.CreatedAt, Firmware: b.Firmware, Items: len(b.Items)})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIGetBackup(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store not configured"})
		return
	}
	b, err := s.store.GetBackup(r.PathValue("name"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "backup not found"})
		return
	}
	if err != nil {
		s.logger.Error("get backup", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleAPIDeleteBackup(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store not configured"})
		return
	}
	name := r.PathValue("name")
	err := s.store.DeleteBackup(name)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "backup not found"})
		return
	}
	if err != nil {
		s.logger.Error("delete backup", "err", err, "name", name)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runScriptRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleAPIRunScript(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scripting not configured"})
		return
	}
	var req runScriptRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Code == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "code must not be empty"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.runner.Run(r.Context(), req.Code))
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
