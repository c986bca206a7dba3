package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/mission-control/internal/gateway"
	"github.com/basket/mission-control/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(filepath.Join(dir, "data"), testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	sessionsDir := filepath.Join(dir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	m := New(Options{
		Store:     s,
		StorePath: filepath.Join(sessionsDir, "sessions.json"),
		Dir:       sessionsDir,
		Logger:    testLogger(),
	})
	return m, sessionsDir
}

func seedStore(t *testing.T, m *Manager, sessions map[string]map[string]any) {
	t.Helper()
	if err := m.saveStore(sessions); err != nil {
		t.Fatal(err)
	}
}

func TestManager_DeleteRemovesEntryAndTranscript(t *testing.T) {
	m, dir := newTestManager(t)
	transcript := filepath.Join(dir, "abc123.jsonl")
	if err := os.WriteFile(transcript, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	seedStore(t, m, map[string]map[string]any{
		"agent:main:subagent:one": {"sessionId": "abc123", "label": "research"},
		"agent:main:main":         {"sessionId": "main01"},
	})

	if err := m.Delete("agent:main:subagent:one"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	sessions, err := m.loadStore()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sessions["agent:main:subagent:one"]; ok {
		t.Error("entry still in store")
	}
	if _, ok := sessions["agent:main:main"]; !ok {
		t.Error("unrelated entry removed")
	}
	if _, err := os.Stat(transcript); !os.IsNotExist(err) {
		t.Error("transcript not removed")
	}
}

func TestManager_DeletePreservesOtherEntriesFields(t *testing.T) {
	m, _ := newTestManager(t)
	seedStore(t, m, map[string]map[string]any{
		"agent:main:subagent:old": {"sessionId": "old01", "updatedAt": int64(1000)},
		"agent:main:main": {
			"sessionId": "main01",
			"label":     "main",
			"model":     "claude-opus",
			"tokens":    map[string]any{"input": 1200.0, "output": 450.0},
			"updatedAt": time.Now().UnixMilli(),
		},
	})

	if err := m.Delete("agent:main:subagent:old"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	sessions, err := m.loadStore()
	if err != nil {
		t.Fatal(err)
	}
	main := sessions["agent:main:main"]
	if main == nil {
		t.Fatal("main entry gone")
	}
	if main["model"] != "claude-opus" {
		t.Errorf("model field lost after delete: remaining entry = %v", main)
	}
	tokens, ok := main["tokens"].(map[string]any)
	if !ok || tokens["input"] != 1200.0 {
		t.Errorf("tokens field lost after delete: %v", main["tokens"])
	}
}

func TestManager_CleanupPreservesSurvivorFields(t *testing.T) {
	m, _ := newTestManager(t)
	now := time.Now()
	m.now = func() time.Time { return now }
	seedStore(t, m, map[string]map[string]any{
		"agent:main:subagent:stale": {"sessionId": "s1", "updatedAt": now.Add(-48 * time.Hour).UnixMilli()},
		"agent:main:main": {
			"sessionId": "main01",
			"model":     "claude-opus",
			"tokens":    map[string]any{"input": 50.0},
			"updatedAt": now.UnixMilli(),
		},
	})

	if _, err := m.Cleanup(24); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	sessions, _ := m.loadStore()
	main := sessions["agent:main:main"]
	if main == nil || main["model"] != "claude-opus" {
		t.Errorf("survivor lost fields: %v", main)
	}
}

func TestManager_DeleteUnknownKey(t *testing.T) {
	m, _ := newTestManager(t)
	seedStore(t, m, map[string]map[string]any{})
	if err := m.Delete("agent:main:ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete unknown: %v, want ErrNotFound", err)
	}
}

func TestManager_DeleteSurvivesMissingTranscript(t *testing.T) {
	m, _ := newTestManager(t)
	seedStore(t, m, map[string]map[string]any{
		"agent:main:subagent:x": {"sessionId": "gone999"},
	})
	if err := m.Delete("agent:main:subagent:x"); err != nil {
		t.Fatalf("missing transcript must not fail the delete: %v", err)
	}
}

func TestManager_DeleteScrubsAgentBoard(t *testing.T) {
	m, _ := newTestManager(t)
	seedStore(t, m, map[string]map[string]any{
		"agent:main:subagent:y": {"sessionId": "y1"},
	})
	if err := m.store.Write(store.DocAgents, map[string]any{
		"agents": []any{
			map[string]any{"id": "keeper", "sessionKey": "agent:main:main"},
			map[string]any{"id": "goner", "sessionKey": "agent:main:subagent:y"},
		},
	}); err != nil {
		t.Fatal(err)
	}

	if err := m.Delete("agent:main:subagent:y"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	doc, err := m.store.Read(store.DocAgents)
	if err != nil {
		t.Fatal(err)
	}
	agents := doc["agents"].([]any)
	if len(agents) != 1 {
		t.Fatalf("agents = %v, want only the keeper", agents)
	}
	if agents[0].(map[string]any)["id"] != "keeper" {
		t.Errorf("wrong agent kept: %v", agents[0])
	}
}

func TestManager_CleanupSelectsOnlyStaleSubagents(t *testing.T) {
	m, dir := newTestManager(t)
	now := time.Now()
	m.now = func() time.Time { return now }

	staleTranscript := filepath.Join(dir, "stale01.jsonl")
	if err := os.WriteFile(staleTranscript, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	seedStore(t, m, map[string]map[string]any{
		// stale subagent: removed
		"agent:main:subagent:stale": {"sessionId": "stale01", "label": "old research", "updatedAt": now.Add(-48 * time.Hour).UnixMilli()},
		// fresh subagent: kept
		"agent:main:subagent:fresh": {"sessionId": "fresh01", "updatedAt": now.Add(-time.Hour).UnixMilli()},
		// stale but not a subagent: kept
		"agent:main:main": {"sessionId": "main01", "updatedAt": 0},
	})

	deleted, err := m.Cleanup(24)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(deleted) != 1 {
		t.Fatalf("deleted = %+v, want exactly the stale subagent", deleted)
	}
	if deleted[0].Key != "agent:main:subagent:stale" || deleted[0].Label != "old research" {
		t.Errorf("report = %+v", deleted[0])
	}

	sessions, _ := m.loadStore()
	if _, ok := sessions["agent:main:subagent:fresh"]; !ok {
		t.Error("fresh subagent removed")
	}
	if _, ok := sessions["agent:main:main"]; !ok {
		t.Error("main session removed")
	}
	if _, err := os.Stat(staleTranscript); !os.IsNotExist(err) {
		t.Error("stale transcript not removed")
	}
}

func TestManager_CleanupNothingToDo(t *testing.T) {
	m, _ := newTestManager(t)
	seedStore(t, m, map[string]map[string]any{
		"agent:main:main": {"sessionId": "main01"},
	})
	deleted, err := m.Cleanup(24)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(deleted) != 0 {
		t.Errorf("deleted = %+v, want none", deleted)
	}
}

func TestManager_CleanupMissingStoreFile(t *testing.T) {
	m, _ := newTestManager(t)
	deleted, err := m.Cleanup(24)
	if err != nil {
		t.Fatalf("Cleanup with no store file: %v", err)
	}
	if len(deleted) != 0 {
		t.Errorf("deleted = %+v", deleted)
	}
}

func TestManager_SpawnProxiesToGateway(t *testing.T) {
	var gotTool string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Tool string          `json:"tool"`
			Args json.RawMessage `json:"args"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotTool = req.Tool
		json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"details": map[string]any{"sessionKey": "agent:main:subagent:new"}},
		})
	}))
	defer srv.Close()

	m, _ := newTestManager(t)
	m.gw = gateway.NewClient(gateway.Options{URL: srv.URL, RetryBase: time.Millisecond, Logger: testLogger()})

	result, err := m.Spawn(context.Background(), map[string]any{"task": "dig into logs", "label": "digger"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if gotTool != "sessions_spawn" {
		t.Errorf("tool = %q, want sessions_spawn", gotTool)
	}
	var out struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(result, &out); err != nil || out.SessionKey == "" {
		t.Errorf("spawn result = %s (err %v)", result, err)
	}
	// Spawn creates no local state.
	sessions, _ := m.loadStore()
	if len(sessions) != 0 {
		t.Errorf("spawn must not touch the local store: %v", sessions)
	}
}

func TestManager_SpawnDefaultsLabel(t *testing.T) {
	var gotArgs map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Args map[string]any `json:"args"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotArgs = req.Args
		json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"details": map[string]any{}},
		})
	}))
	defer srv.Close()

	m, _ := newTestManager(t)
	m.gw = gateway.NewClient(gateway.Options{URL: srv.URL, RetryBase: time.Millisecond, Logger: testLogger()})

	if _, err := m.Spawn(context.Background(), map[string]any{"task": "summarize"}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	label, _ := gotArgs["label"].(string)
	if !strings.HasPrefix(label, "task-") || len(label) != len("task-")+8 {
		t.Errorf("label = %q, want generated task- fragment", label)
	}
}

func TestManager_ListMarksActive(t *testing.T) {
	now := time.Now()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"result": map[string]any{"details": map[string]any{
				"sessions": []any{
					map[string]any{"key": "agent:main:main", "updatedAt": now.Add(-time.Minute).UnixMilli()},
					map[string]any{"key": "agent:main:subagent:old", "updatedAt": now.Add(-time.Hour).UnixMilli()},
				},
			}},
		})
	}))
	defer srv.Close()

	m, _ := newTestManager(t)
	m.gw = gateway.NewClient(gateway.Options{URL: srv.URL, RetryBase: time.Millisecond, Logger: testLogger()})
	m.now = func() time.Time { return now }

	raw, err := m.List(context.Background(), nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var out struct {
		Sessions []map[string]any `json:"sessions"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	byKey := map[string]bool{}
	for _, s := range out.Sessions {
		active, _ := s["active"].(bool)
		byKey[s["key"].(string)] = active
	}
	if !byKey["agent:main:main"] {
		t.Error("recently updated session not marked active")
	}
	if byKey["agent:main:subagent:old"] {
		t.Error("stale session marked active")
	}
}
