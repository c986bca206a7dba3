// Package prefs is the asynchronous preference command queue. A viewer
// submits free-form text; the queue persists it as pending and notifies
// the main agent session with instructions naming the entry id and the
// fields to fill in. The agent's own later callback through the standard
// write API is the only thing that advances an entry to applied — the
// queue never waits, polls, or times entries out.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/basket/mission-control/internal/bus"
	"github.com/basket/mission-control/internal/gateway"
	"github.com/basket/mission-control/internal/otel"
	"github.com/basket/mission-control/internal/store"
)

// Preference states. The machine is one-way: pending -> applied.
const (
	StatusPending = "pending"
	StatusApplied = "applied"
)

// ErrNotFound is returned when a preference id does not exist.
var ErrNotFound = errors.New("preference not found")

// ErrNotPending is returned when resolving an entry that already left
// the pending state.
var ErrNotPending = errors.New("preference is not pending")

// Preference is one queued command.
type Preference struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Category  string `json:"category,omitempty"`
	Target    string `json:"target,omitempty"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"` // unix ms
	AppliedAt *int64 `json:"appliedAt"` // unix ms, null while pending
	Response  string `json:"response,omitempty"`
}

// Queue persists preferences and notifies the agent.
type Queue struct {
	store          *store.Store
	gw             *gateway.Client
	logger         *slog.Logger
	bus            *bus.Bus
	metrics        *otel.Metrics
	mainSessionKey string
	now            func() time.Time
}

// Options configures a Queue.
type Options struct {
	Store          *store.Store
	Gateway        *gateway.Client
	Logger         *slog.Logger
	Bus            *bus.Bus
	Metrics        *otel.Metrics
	MainSessionKey string // session notified on submit, e.g. "agent:main:main"
}

// New builds a Queue.
func New(opts Options) *Queue {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MainSessionKey == "" {
		opts.MainSessionKey = "agent:main:main"
	}
	return &Queue{
		store:          opts.Store,
		gw:             opts.Gateway,
		logger:         opts.Logger.With("component", "prefs"),
		bus:            opts.Bus,
		metrics:        opts.Metrics,
		mainSessionKey: opts.MainSessionKey,
		now:            time.Now,
	}
}

// List returns all preferences, newest first.
func (q *Queue) List() ([]Preference, error) {
	prefs, err := q.load()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(prefs, func(i, j int) bool {
		return prefs[i].CreatedAt > prefs[j].CreatedAt
	})
	return prefs, nil
}

// Submit creates a pending entry, persists it, then notifies the main
// agent session in a fire-and-forget goroutine. The entry is returned
// as soon as it is on disk; a failed notification only logs.
func (q *Queue) Submit(ctx context.Context, text string) (Preference, error) {
	if text == "" {
		return Preference{}, errors.New("text required")
	}
	prefs, err := q.load()
	if err != nil {
		return Preference{}, err
	}

	now := q.now().UnixMilli()
	id := fmt.Sprintf("pref_%d", now)
	for _, existing := range prefs {
		if existing.ID == id {
			// Two submissions in the same millisecond.
			id = fmt.Sprintf("%s_%.8s", id, uuid.NewString())
			break
		}
	}
	pref := Preference{
		ID:        id,
		Text:      text,
		Status:    StatusPending,
		CreatedAt: now,
	}
	prefs = append([]Preference{pref}, prefs...)
	if err := q.save(prefs); err != nil {
		return Preference{}, err
	}

	if q.metrics != nil {
		q.metrics.PreferencesPending.Add(ctx, 1)
	}
	if q.bus != nil {
		q.bus.Publish(bus.TopicPreferenceSubmitted, pref)
	}
	go q.notify(pref)
	return pref, nil
}

// notify tells the agent which entry to resolve and what to fill in.
// Detached from the submit request: the caller already has its answer.
func (q *Queue) notify(pref Preference) {
	if q.gw == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	message := fmt.Sprintf(
		"[Dashboard Command] New preference from the dashboard: %q. "+
			"Process it: read the preferences document, find preference id %q, "+
			"categorize it, decide which file it belongs in, apply the change, "+
			"then update the entry with: category, target, status=%q, and a short response describing what you did.",
		pref.Text, pref.ID, StatusApplied,
	)
	_, err := q.gw.Invoke(ctx, "sessions_send", map[string]any{
		"sessionKey": q.mainSessionKey,
		"message":    message,
	})
	if err != nil {
		q.logger.Error("preference notification failed", "id", pref.ID, "error", err)
	}
}

// Resolve is the agent's callback: it moves a pending entry to applied
// and records category, target, and response. It is the only path to
// the applied state.
func (q *Queue) Resolve(ctx context.Context, id, category, target, response string) (Preference, error) {
	prefs, err := q.load()
	if err != nil {
		return Preference{}, err
	}
	for i := range prefs {
		if prefs[i].ID != id {
			continue
		}
		if prefs[i].Status != StatusPending {
			return Preference{}, fmt.Errorf("%w: %s is %s", ErrNotPending, id, prefs[i].Status)
		}
		applied := q.now().UnixMilli()
		prefs[i].Status = StatusApplied
		prefs[i].Category = category
		prefs[i].Target = target
		prefs[i].Response = response
		prefs[i].AppliedAt = &applied
		if err := q.save(prefs); err != nil {
			return Preference{}, err
		}
		if q.metrics != nil {
			q.metrics.PreferencesPending.Add(ctx, -1)
		}
		if q.bus != nil {
			q.bus.Publish(bus.TopicPreferenceResolved, prefs[i])
		}
		return prefs[i], nil
	}
	return Preference{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Update merges arbitrary fields into an entry. Kept for dashboard
// edits; status transitions should go through Resolve.
func (q *Queue) Update(id string, patch map[string]any) (Preference, error) {
	prefs, err := q.load()
	if err != nil {
		return Preference{}, err
	}
	for i := range prefs {
		if prefs[i].ID != id {
			continue
		}
		raw, err := json.Marshal(prefs[i])
		if err != nil {
			return Preference{}, err
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return Preference{}, err
		}
		for k, v := range patch {
			m[k] = v
		}
		merged, err := json.Marshal(m)
		if err != nil {
			return Preference{}, err
		}
		var out Preference
		if err := json.Unmarshal(merged, &out); err != nil {
			return Preference{}, fmt.Errorf("invalid patch: %w", err)
		}
		out.ID = id
		prefs[i] = out
		if err := q.save(prefs); err != nil {
			return Preference{}, err
		}
		return out, nil
	}
	return Preference{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Remove deletes an entry in any state. Removing an unknown id is a
// no-op.
func (q *Queue) Remove(id string) error {
	prefs, err := q.load()
	if err != nil {
		return err
	}
	kept := prefs[:0]
	for _, p := range prefs {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	return q.save(kept)
}

func (q *Queue) load() ([]Preference, error) {
	doc, err := q.store.Read(store.DocPreferences)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc["preferences"])
	if err != nil {
		return nil, err
	}
	var prefs []Preference
	if err := json.Unmarshal(raw, &prefs); err != nil {
		q.logger.Warn("preferences document has unexpected entries", "error", err)
		return nil, nil
	}
	return prefs, nil
}

func (q *Queue) save(prefs []Preference) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return err
	}
	arr := []any{}
	if err := json.Unmarshal(raw, &arr); err != nil {
		return err
	}
	return q.store.Write(store.DocPreferences, map[string]any{"preferences": arr})
}
