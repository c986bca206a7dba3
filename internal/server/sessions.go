package server

import (
	"net/http"
	"strconv"
	"strings"
)

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	args := map[string]any{"limit": queryInt(r, "limit", 20)}
	if kinds := r.URL.Query().Get("kinds"); kinds != "" {
		args["kinds"] = strings.Split(kinds, ",")
	}
	if v := r.URL.Query().Get("activeMinutes"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			args["activeMinutes"] = n
		}
	}
	result, err := s.cfg.Sessions.List(r.Context(), args)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRaw(w, result)
}

func (s *Server) handleSessionSpawn(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var args map[string]any
	if err := decodeBody(r, &args); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	result, err := s.cfg.Sessions.Spawn(r.Context(), args)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeRaw(w, result)
}

func (s *Server) handleSessionCleanup(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		MaxAgeHours float64 `json:"maxAgeHours"`
	}
	// An empty body means the default cutoff.
	_ = decodeBody(r, &body)

	deleted, err := s.cfg.Sessions.Cleanup(body.MaxAgeHours)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"deleted": deleted,
		"count":   len(deleted),
	})
}

// handleSessionByKey routes /api/sessions/{key}[/history|/send].
// Session keys contain colons but no slashes, so the last path segment
// disambiguates the sub-action.
func (s *Server) handleSessionByKey(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	key, action, _ := strings.Cut(rest, "/")
	if key == "" {
		writeError(w, http.StatusBadRequest, "session key required")
		return
	}

	switch {
	case action == "history" && r.Method == http.MethodGet:
		result, err := s.cfg.Sessions.History(r.Context(), key,
			queryInt(r, "limit", 20),
			r.URL.Query().Get("includeTools") == "true",
		)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeRaw(w, result)
	case action == "send" && r.Method == http.MethodPost:
		var body struct {
			Message string `json:"message"`
		}
		if err := decodeBody(r, &body); err != nil || body.Message == "" {
			writeError(w, http.StatusBadRequest, "message required")
			return
		}
		result, err := s.cfg.Sessions.Send(r.Context(), key, body.Message)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeRaw(w, result)
	case action == "" && r.Method == http.MethodDelete:
		if err := s.cfg.Sessions.Delete(key); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": key})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		listed, err := s.cfg.Jobs.List(r.Context())
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": listed})
	case http.MethodPost:
		var job map[string]any
		if err := decodeBody(r, &job); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		result, err := s.cfg.Jobs.Add(r.Context(), job)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeRaw(w, result)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleCronByID(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/cron/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "job id required")
		return
	}

	switch {
	case action == "run" && r.Method == http.MethodPost:
		result, err := s.cfg.Jobs.Run(r.Context(), id)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeRaw(w, result)
	case action == "" && r.Method == http.MethodPatch:
		var patch map[string]any
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		result, err := s.cfg.Jobs.Update(r.Context(), id, patch)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeRaw(w, result)
	case action == "" && r.Method == http.MethodDelete:
		result, err := s.cfg.Jobs.Remove(r.Context(), id)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeRaw(w, result)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func writeRaw(w http.ResponseWriter, raw []byte) {
	w.Header().Set("Content-Type", "application/json")
	if len(raw) == 0 {
		_, _ = w.Write([]byte("{}"))
		return
	}
	_, _ = w.Write(raw)
}
