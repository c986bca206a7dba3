// Package session manages the lifecycle of gateway sessions as seen
// from the control plane. The gateway owns session bookkeeping; spawn
// and messaging proxy straight through. Deletion and cleanup operate on
// the shared session-store document the gateway maintains on disk, plus
// best-effort removal of transcript files and agent-board references.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/mission-control/internal/bus"
	"github.com/basket/mission-control/internal/gateway"
	"github.com/basket/mission-control/internal/otel"
	"github.com/basket/mission-control/internal/store"
)

// ErrNotFound is returned when a session key is absent from the store.
var ErrNotFound = errors.New("session not found")

// Store entries are kept as raw objects keyed by session key. The
// gateway owns the document and carries fields (model, token counters)
// this process never touches; only the three it reads get accessors.

func entryString(entry map[string]any, key string) string {
	v, _ := entry[key].(string)
	return v
}

func entryUpdatedAt(entry map[string]any) int64 {
	v, _ := entry["updatedAt"].(float64) // unix ms
	return int64(v)
}

// Deleted identifies one removed session in a cleanup report.
type Deleted struct {
	Key   string `json:"key"`
	Label string `json:"label,omitempty"`
}

// Manager handles spawn, delete, and cleanup.
type Manager struct {
	gw        *gateway.Client
	store     *store.Store
	storePath string // sessions.json, gateway-owned
	dir       string // transcript directory, <sessionId>.jsonl files
	logger    *slog.Logger
	bus       *bus.Bus
	metrics   *otel.Metrics
	now       func() time.Time
}

// Options configures a Manager.
type Options struct {
	Gateway   *gateway.Client
	Store     *store.Store
	StorePath string
	Dir       string
	Logger    *slog.Logger
	Bus       *bus.Bus
	Metrics   *otel.Metrics
}

// New builds a Manager.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		gw:        opts.Gateway,
		store:     opts.Store,
		storePath: opts.StorePath,
		dir:       opts.Dir,
		logger:    opts.Logger.With("component", "session"),
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		now:       time.Now,
	}
}

// activeWindow is how recently a session must have been updated to
// count as active in listings.
const activeWindow = 5 * time.Minute

// List proxies a session listing to the gateway and stamps each entry
// with a derived active flag.
func (m *Manager) List(ctx context.Context, args map[string]any) (json.RawMessage, error) {
	raw, err := m.gw.Invoke(ctx, "sessions_list", args)
	if err != nil {
		return nil, err
	}
	return m.markActive(raw), nil
}

// markActive decorates listed sessions in place. Payload shapes it does
// not recognize pass through untouched.
func (m *Manager) markActive(raw json.RawMessage) json.RawMessage {
	cutoff := m.now().Add(-activeWindow).UnixMilli()

	decorate := func(entries []any) {
		for _, e := range entries {
			entry, ok := e.(map[string]any)
			if !ok {
				continue
			}
			if updatedAt, ok := entry["updatedAt"].(float64); ok {
				entry["active"] = int64(updatedAt) > cutoff
			}
		}
	}

	var wrapped map[string]any
	if json.Unmarshal(raw, &wrapped) == nil {
		if entries, ok := wrapped["sessions"].([]any); ok {
			decorate(entries)
			if out, err := json.Marshal(wrapped); err == nil {
				return out
			}
		}
		return raw
	}
	var bare []any
	if json.Unmarshal(raw, &bare) == nil {
		decorate(bare)
		if out, err := json.Marshal(bare); err == nil {
			return out
		}
	}
	return raw
}

// History proxies a transcript fetch to the gateway.
func (m *Manager) History(ctx context.Context, key string, limit int, includeTools bool) (json.RawMessage, error) {
	return m.gw.Invoke(ctx, "sessions_history", map[string]any{
		"sessionKey":   key,
		"limit":        limit,
		"includeTools": includeTools,
	})
}

// Send delivers a message to a session through the gateway.
func (m *Manager) Send(ctx context.Context, key, message string) (json.RawMessage, error) {
	result, err := m.gw.Invoke(ctx, "sessions_send", map[string]any{
		"sessionKey": key,
		"message":    message,
	})
	if err == nil && m.bus != nil {
		m.bus.Publish(bus.TopicMessageSent, map[string]any{"sessionKey": key})
	}
	return result, err
}

// Spawn asks the gateway for a new session. No local state is created;
// the gateway's answer carries the session identifier.
func (m *Manager) Spawn(ctx context.Context, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	if label, _ := args["label"].(string); label == "" {
		args["label"] = "task-" + uuid.NewString()[:8]
	}
	result, err := m.gw.Invoke(ctx, "sessions_spawn", args)
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.SessionsSpawned.Add(ctx, 1)
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicSessionSpawned, json.RawMessage(result))
	}
	return result, nil
}

// Delete removes a session from the store document by key. The store
// entry's removal is the operation of record; transcript deletion and
// agent-board scrubbing are best effort and never abort it.
func (m *Manager) Delete(key string) error {
	sessions, err := m.loadStore()
	if err != nil {
		return err
	}
	entry, ok := sessions[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	m.removeTranscript(entryString(entry, "sessionId"))
	delete(sessions, key)
	if err := m.saveStore(sessions); err != nil {
		return err
	}

	m.scrubAgents(key)
	if m.bus != nil {
		m.bus.Publish(bus.TopicSessionDeleted, Deleted{Key: key, Label: entryString(entry, "label")})
	}
	m.logger.Info("session deleted", "key", key)
	return nil
}

// Cleanup removes every delegated "subagent" session not updated within
// maxAgeHours. Returns the removed keys so the caller can render an
// audit trail.
func (m *Manager) Cleanup(maxAgeHours float64) ([]Deleted, error) {
	if maxAgeHours <= 0 {
		maxAgeHours = 24
	}
	cutoff := m.now().UnixMilli() - int64(maxAgeHours*3600_000)

	sessions, err := m.loadStore()
	if err != nil {
		return nil, err
	}

	deleted := []Deleted{}
	for key, entry := range sessions {
		if !strings.Contains(key, "subagent") {
			continue
		}
		if entryUpdatedAt(entry) > cutoff {
			continue
		}
		m.removeTranscript(entryString(entry, "sessionId"))
		delete(sessions, key)
		deleted = append(deleted, Deleted{Key: key, Label: entryString(entry, "label")})
	}

	if len(deleted) > 0 {
		if err := m.saveStore(sessions); err != nil {
			return nil, err
		}
		for _, d := range deleted {
			m.scrubAgents(d.Key)
			if m.bus != nil {
				m.bus.Publish(bus.TopicSessionDeleted, d)
			}
		}
		m.logger.Info("session cleanup removed sessions", "count", len(deleted))
	}
	return deleted, nil
}

func (m *Manager) removeTranscript(sessionID string) {
	if sessionID == "" {
		return
	}
	path := filepath.Join(m.dir, sessionID+".jsonl")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("transcript removal failed", "path", path, "error", err)
	}
}

// scrubAgents drops any agent-board entry referencing the deleted
// session key. Best effort: a broken agents document never fails the
// delete.
func (m *Manager) scrubAgents(key string) {
	if m.store == nil {
		return
	}
	doc, err := m.store.Read(store.DocAgents)
	if err != nil {
		m.logger.Warn("agent scrub read failed", "error", err)
		return
	}
	agents, _ := doc["agents"].([]any)
	kept := make([]any, 0, len(agents))
	changed := false
	for _, a := range agents {
		if entry, ok := a.(map[string]any); ok {
			if sk, _ := entry["sessionKey"].(string); sk == key {
				changed = true
				continue
			}
		}
		kept = append(kept, a)
	}
	if !changed {
		return
	}
	doc["agents"] = kept
	if err := m.store.Write(store.DocAgents, doc); err != nil {
		m.logger.Warn("agent scrub write failed", "error", err)
	}
}

func (m *Manager) loadStore() (map[string]map[string]any, error) {
	raw, err := os.ReadFile(m.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]map[string]any{}, nil
		}
		return nil, fmt.Errorf("read session store: %w", err)
	}
	var sessions map[string]map[string]any
	if err := json.Unmarshal(raw, &sessions); err != nil {
		return nil, fmt.Errorf("parse session store: %w", err)
	}
	if sessions == nil {
		sessions = map[string]map[string]any{}
	}
	return sessions, nil
}

func (m *Manager) saveStore(sessions map[string]map[string]any) error {
	raw, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0o755); err != nil {
		return err
	}
	tmp := m.storePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.storePath); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
