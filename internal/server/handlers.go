package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/basket/mission-control/internal/bus"
	"github.com/basket/mission-control/internal/heartbeat"
	"github.com/basket/mission-control/internal/store"
)

// --- Heartbeat checks ---

func (s *Server) handleChecks(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		views, notes, err := s.cfg.Heartbeat.List()
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"checks": views, "notes": notes})
	case http.MethodPost:
		var check heartbeat.Check
		if err := decodeBody(r, &check); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		if err := s.cfg.Heartbeat.Upsert(check); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "check": check})
	case http.MethodPut:
		var body struct {
			Checks []heartbeat.Check `json:"checks"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		if err := s.cfg.Heartbeat.Replace(body.Checks); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleCheckByID(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/heartbeat/checks/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "check id required")
		return
	}
	switch r.Method {
	case http.MethodPatch:
		var patch map[string]any
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		check, err := s.cfg.Heartbeat.Patch(id, patch)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "check": check})
	case http.MethodDelete:
		if err := s.cfg.Heartbeat.Delete(id); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- Preferences ---

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		listed, err := s.cfg.Prefs.List()
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"preferences": listed})
	case http.MethodPost:
		var body struct {
			Text string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil || body.Text == "" {
			writeError(w, http.StatusBadRequest, "text required")
			return
		}
		pref, err := s.cfg.Prefs.Submit(r.Context(), body.Text)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "preference": pref})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handlePreferenceByID(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/preferences/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "preference id required")
		return
	}

	if action == "resolve" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var body struct {
			Category string `json:"category"`
			Target   string `json:"target"`
			Response string `json:"response"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		pref, err := s.cfg.Prefs.Resolve(r.Context(), id, body.Category, body.Target, body.Response)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "preference": pref})
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var patch map[string]any
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		pref, err := s.cfg.Prefs.Update(id, patch)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "preference": pref})
	case http.MethodDelete:
		if err := s.cfg.Prefs.Remove(id); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- Tasks board ---

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		doc, err := s.cfg.Store.Read(store.DocTasks)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		if filtered, ok := filterTasks(doc, r.URL.Query()); ok {
			doc["tasks"] = filtered
		}
		writeJSON(w, http.StatusOK, doc)
	case http.MethodPut:
		var doc map[string]any
		if err := decodeBody(r, &doc); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		if err := s.cfg.Store.Write(store.DocTasks, doc); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case http.MethodPost:
		var body struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Status      string `json:"status"`
			Priority    string `json:"priority"`
		}
		if err := decodeBody(r, &body); err != nil || body.Title == "" {
			writeError(w, http.StatusBadRequest, "title required")
			return
		}
		if body.Status == "" {
			body.Status = "backlog"
		}
		if body.Priority == "" {
			body.Priority = "medium"
		}
		doc, err := s.cfg.Store.Read(store.DocTasks)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		nextID, _ := doc["nextId"].(float64)
		now := time.Now().Format(time.RFC3339)
		task := map[string]any{
			"id":          nextID,
			"title":       body.Title,
			"description": body.Description,
			"status":      body.Status,
			"priority":    body.Priority,
			"createdAt":   now,
			"updatedAt":   now,
		}
		tasks, _ := doc["tasks"].([]any)
		doc["tasks"] = append(tasks, task)
		doc["nextId"] = nextID + 1
		if err := s.cfg.Store.Write(store.DocTasks, doc); err != nil {
			s.writeDomainError(w, err)
			return
		}
		s.cfg.Bus.Publish(bus.TopicTaskCreated, task)
		writeJSON(w, http.StatusOK, task)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "task id required")
		return
	}

	doc, err := s.cfg.Store.Read(store.DocTasks)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	tasks, _ := doc["tasks"].([]any)
	idx := -1
	for i, raw := range tasks {
		if entry, ok := raw.(map[string]any); ok {
			if taskIDString(entry["id"]) == id {
				idx = i
				break
			}
		}
	}

	switch r.Method {
	case http.MethodPatch:
		if idx == -1 {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		var patch map[string]any
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		entry := tasks[idx].(map[string]any)
		for k, v := range patch {
			if k == "id" {
				continue
			}
			entry[k] = v
		}
		entry["updatedAt"] = time.Now().Format(time.RFC3339)
		if err := s.cfg.Store.Write(store.DocTasks, doc); err != nil {
			s.writeDomainError(w, err)
			return
		}
		s.cfg.Bus.Publish(bus.TopicTaskUpdated, entry)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task": entry})
	case http.MethodDelete:
		if idx == -1 {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		removed := tasks[idx]
		doc["tasks"] = append(tasks[:idx], tasks[idx+1:]...)
		if err := s.cfg.Store.Write(store.DocTasks, doc); err != nil {
			s.writeDomainError(w, err)
			return
		}
		s.cfg.Bus.Publish(bus.TopicTaskDeleted, removed)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// taskIDString normalizes stored ids for path matching. Tasks created
// through the API get numeric ids from nextId; hand-edited documents
// sometimes carry strings.
func taskIDString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}

// filterTasks applies status/assignee/priority query filters. Returns
// ok=false when no filter was requested so the document passes through
// untouched.
func filterTasks(doc map[string]any, query url.Values) ([]any, bool) {
	wanted := map[string]string{}
	for _, field := range []string{"status", "assignee", "priority"} {
		if v := query.Get(field); v != "" {
			wanted[field] = v
		}
	}
	if len(wanted) == 0 {
		return nil, false
	}
	tasks, _ := doc["tasks"].([]any)
	filtered := []any{}
	for _, raw := range tasks {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		match := true
		for field, want := range wanted {
			if got, _ := entry[field].(string); got != want {
				match = false
				break
			}
		}
		if match {
			filtered = append(filtered, entry)
		}
	}
	return filtered, true
}

// --- Agents board ---

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		doc, err := s.cfg.Store.Read(store.DocAgents)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case http.MethodPut:
		var doc map[string]any
		if err := decodeBody(r, &doc); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		if err := s.cfg.Store.Write(store.DocAgents, doc); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case http.MethodPost:
		var body map[string]any
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		doc, err := s.cfg.Store.Read(store.DocAgents)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		agents, _ := doc["agents"].([]any)
		sessionKey, _ := body["sessionKey"].(string)
		if sessionKey != "" {
			for _, raw := range agents {
				entry, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				if key, _ := entry["sessionKey"].(string); key == sessionKey {
					writeError(w, http.StatusConflict, "sessionKey already registered")
					return
				}
			}
		}
		if id, _ := body["id"].(string); id == "" {
			body["id"] = fmt.Sprintf("agent_%d", time.Now().UnixMilli())
		}
		if status, _ := body["status"].(string); status == "" {
			body["status"] = "active"
		}
		body["createdAt"] = time.Now().Format(time.RFC3339)
		doc["agents"] = append(agents, body)
		if err := s.cfg.Store.Write(store.DocAgents, doc); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, body)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "agent id required")
		return
	}

	doc, err := s.cfg.Store.Read(store.DocAgents)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	agents, _ := doc["agents"].([]any)
	idx := -1
	for i, raw := range agents {
		if entry, ok := raw.(map[string]any); ok {
			if got, _ := entry["id"].(string); got == id {
				idx = i
				break
			}
		}
	}

	switch r.Method {
	case http.MethodPatch:
		if idx == -1 {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		var patch map[string]any
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		entry := agents[idx].(map[string]any)
		for k, v := range patch {
			if k == "id" {
				continue
			}
			entry[k] = v
		}
		if err := s.cfg.Store.Write(store.DocAgents, doc); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "agent": entry})
	case http.MethodDelete:
		if idx == -1 {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		doc["agents"] = append(agents[:idx], agents[idx+1:]...)
		if err := s.cfg.Store.Write(store.DocAgents, doc); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- Activity feed ---

type activityItem struct {
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Timestamp string `json:"timestamp"`
}

// handleActivity merges recent board and queue entries into one
// reverse-chronological feed for the dashboard's sidebar.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	items := []activityItem{}
	if doc, err := s.cfg.Store.Read(store.DocTasks); err == nil {
		tasks, _ := doc["tasks"].([]any)
		for _, raw := range tasks {
			entry, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			title, _ := entry["title"].(string)
			ts, _ := entry["updatedAt"].(string)
			items = append(items, activityItem{Kind: "task", Title: title, Timestamp: ts})
		}
	}
	if listed, err := s.cfg.Prefs.List(); err == nil {
		for _, p := range listed {
			items = append(items, activityItem{
				Kind:      "preference",
				Title:     p.Text,
				Timestamp: time.UnixMilli(p.CreatedAt).Format(time.RFC3339),
			})
		}
	}
	items = append(items, s.gatewayActivity(r)...)
	sort.Slice(items, func(i, j int) bool { return items[i].Timestamp > items[j].Timestamp })
	if len(items) > 50 {
		items = items[:50]
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// gatewayActivity pulls recent session and cron-run entries. Either
// call failing degrades that slice to nothing rather than failing the
// feed.
func (s *Server) gatewayActivity(r *http.Request) []activityItem {
	items := []activityItem{}

	if raw, err := s.cfg.Sessions.List(r.Context(), map[string]any{"limit": 20}); err == nil {
		var listing struct {
			Sessions []map[string]any `json:"sessions"`
		}
		if json.Unmarshal(raw, &listing) != nil || listing.Sessions == nil {
			_ = json.Unmarshal(raw, &listing.Sessions)
		}
		for _, entry := range listing.Sessions {
			title, _ := entry["label"].(string)
			if title == "" {
				title, _ = entry["key"].(string)
			}
			items = append(items, activityItem{Kind: "session", Title: title, Timestamp: activityTimestamp(entry["updatedAt"])})
		}
	} else {
		s.logger.Debug("activity sessions fetch failed", "error", err)
	}

	if listed, err := s.cfg.Jobs.List(r.Context()); err == nil {
		for _, job := range listed {
			lastRun, ok := job["lastRun"].(float64)
			if !ok {
				continue
			}
			title, _ := job["name"].(string)
			if title == "" {
				title, _ = job["id"].(string)
			}
			items = append(items, activityItem{
				Kind:      "cron",
				Title:     title,
				Timestamp: time.UnixMilli(int64(lastRun)).Format(time.RFC3339),
			})
		}
	} else {
		s.logger.Debug("activity cron fetch failed", "error", err)
	}
	return items
}

// activityTimestamp normalizes gateway timestamps, which arrive either
// as unix milliseconds or already formatted.
func activityTimestamp(v any) string {
	switch ts := v.(type) {
	case string:
		return ts
	case float64:
		return time.UnixMilli(int64(ts)).Format(time.RFC3339)
	default:
		return ""
	}
}
