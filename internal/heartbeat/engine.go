// Package heartbeat manages the recurring checks the agent is expected to
// perform. Definitions live in the heartbeat-checks document; last-run
// times come from a state file the agent itself writes under its
// workspace. The engine merges both at read time and derives an overdue
// flag per check. Overdue-ness is never persisted.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/mission-control/internal/bus"
	"github.com/basket/mission-control/internal/store"
)

// ErrNotFound is returned when a check id has no definition.
var ErrNotFound = errors.New("check not found")

// ErrInvalid marks a check definition that failed validation.
var ErrInvalid = errors.New("invalid check")

// Check is a recurring duty definition. Only schedule metadata lives
// here; last-run times are externally reported.
type Check struct {
	ID             string  `json:"id"`
	Name           string  `json:"name,omitempty"`
	Description    string  `json:"description,omitempty"`
	FrequencyHours float64 `json:"frequencyHours"`
	Priority       string  `json:"priority,omitempty"`
	Enabled        bool    `json:"enabled"`
	Time           string  `json:"time,omitempty"` // optional fixed time-of-day, "HH:MM"
}

// CheckView is a Check enriched with derived runtime state.
type CheckView struct {
	Check
	LastRun *int64 `json:"lastRun"` // unix milliseconds, null when never run
	Overdue bool   `json:"overdue"`
}

// stateFile mirrors the agent-authored heartbeat state. The two legacy
// fields predate the lastChecks map and still feed their original check
// ids; the state file format is externally owned, so the special cases
// stay.
type stateFile struct {
	LastChecks        map[string]float64 `json:"lastChecks"`
	LastDailyReview   string             `json:"lastDailyReview"`
	LastMoltbookCheck float64            `json:"lastMoltbookCheck"`
	Notes             any                `json:"notes"`
}

// Engine merges check definitions with agent-reported run state.
type Engine struct {
	store     *store.Store
	statePath string
	logger    *slog.Logger
	bus       *bus.Bus
	now       func() time.Time
}

// New builds an Engine. statePath is the agent-authored state file,
// read-only from the engine's point of view.
func New(s *store.Store, statePath string, logger *slog.Logger, b *bus.Bus) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     s,
		statePath: statePath,
		logger:    logger.With("component", "heartbeat"),
		bus:       b,
		now:       time.Now,
	}
}

// List returns every check with lastRun and overdue derived against now.
// A missing or unreadable state file means no check has ever run.
func (e *Engine) List() ([]CheckView, any, error) {
	checks, err := e.loadChecks()
	if err != nil {
		return nil, nil, err
	}
	state := e.loadState()
	now := e.now().UnixMilli()

	views := make([]CheckView, 0, len(checks))
	for _, c := range checks {
		lastRun := e.lastRunFor(c.ID, state)
		overdue := c.Enabled
		if lastRun != nil {
			overdue = c.Enabled && now-*lastRun > int64(c.FrequencyHours*3600_000)
		}
		views = append(views, CheckView{Check: c, LastRun: lastRun, Overdue: overdue})
	}
	return views, state.Notes, nil
}

// lastRunFor resolves a check's last-run time in unix milliseconds.
// Values in the state file may be seconds or milliseconds; anything
// above 1e12 is already milliseconds.
func (e *Engine) lastRunFor(id string, state stateFile) *int64 {
	var raw float64
	if v, ok := state.LastChecks[id]; ok {
		raw = v
	}
	switch id {
	case "daily_review":
		if state.LastDailyReview != "" {
			// The agent records only the date; the review runs at 21:00 local.
			t, err := time.ParseInLocation("2006-01-02T15:04:05", state.LastDailyReview+"T21:00:00", time.Local)
			if err == nil {
				raw = float64(t.Unix())
			}
		}
	case "moltbook":
		if state.LastMoltbookCheck != 0 {
			raw = state.LastMoltbookCheck
		}
	}
	if raw == 0 {
		return nil
	}
	ms := int64(raw)
	if raw < 1e12 {
		ms = int64(raw * 1000)
	}
	return &ms
}

// Upsert creates or replaces a check definition by id.
func (e *Engine) Upsert(c Check) error {
	if err := validate(c); err != nil {
		return err
	}
	checks, err := e.loadChecks()
	if err != nil {
		return err
	}
	replaced := false
	for i := range checks {
		if checks[i].ID == c.ID {
			checks[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		checks = append(checks, c)
	}
	return e.saveChecks(checks)
}

// Patch merges the given fields into an existing check. Unknown ids
// return ErrNotFound.
func (e *Engine) Patch(id string, patch map[string]any) (Check, error) {
	checks, err := e.loadChecks()
	if err != nil {
		return Check{}, err
	}
	for i := range checks {
		if checks[i].ID != id {
			continue
		}
		merged, err := mergeCheck(checks[i], patch)
		if err != nil {
			return Check{}, err
		}
		merged.ID = id
		if err := validate(merged); err != nil {
			return Check{}, err
		}
		checks[i] = merged
		if err := e.saveChecks(checks); err != nil {
			return Check{}, err
		}
		return merged, nil
	}
	return Check{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Delete removes a check definition. Deleting an unknown id is a no-op.
func (e *Engine) Delete(id string) error {
	checks, err := e.loadChecks()
	if err != nil {
		return err
	}
	kept := checks[:0]
	for _, c := range checks {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	return e.saveChecks(kept)
}

// Replace swaps the whole definition set.
func (e *Engine) Replace(checks []Check) error {
	for _, c := range checks {
		if err := validate(c); err != nil {
			return err
		}
	}
	return e.saveChecks(checks)
}

func validate(c Check) error {
	if c.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if c.FrequencyHours <= 0 {
		return fmt.Errorf("%w: frequencyHours must be positive", ErrInvalid)
	}
	switch c.Priority {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("%w: priority must be low, medium, or high", ErrInvalid)
	}
	return nil
}

func mergeCheck(base Check, patch map[string]any) (Check, error) {
	raw, err := json.Marshal(base)
	if err != nil {
		return Check{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Check{}, err
	}
	for k, v := range patch {
		m[k] = v
	}
	merged, err := json.Marshal(m)
	if err != nil {
		return Check{}, err
	}
	var out Check
	if err := json.Unmarshal(merged, &out); err != nil {
		return Check{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return out, nil
}

func (e *Engine) loadChecks() ([]Check, error) {
	doc, err := e.store.Read(store.DocChecks)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc["checks"])
	if err != nil {
		return nil, err
	}
	var checks []Check
	if err := json.Unmarshal(raw, &checks); err != nil {
		e.logger.Warn("checks document has unexpected entries", "error", err)
		return nil, nil
	}
	return checks, nil
}

func (e *Engine) saveChecks(checks []Check) error {
	raw, err := json.Marshal(checks)
	if err != nil {
		return err
	}
	arr := []any{}
	if err := json.Unmarshal(raw, &arr); err != nil {
		return err
	}
	return e.store.Write(store.DocChecks, map[string]any{"checks": arr})
}

func (e *Engine) loadState() stateFile {
	var state stateFile
	raw, err := os.ReadFile(e.statePath)
	if err != nil {
		return state
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		e.logger.Warn("heartbeat state file unreadable", "path", e.statePath, "error", err)
	}
	return state
}

// Watch follows the agent-authored state file and publishes a
// heartbeat.state_changed event whenever it is rewritten, so viewers
// re-fetch overdue state without polling. Returns once the watcher is
// installed; stops when ctx is cancelled.
func (e *Engine) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the parent dir: agents typically replace the file via rename,
	// which drops a watch on the file itself.
	_ = fsw.Add(filepath.Dir(e.statePath))

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Name != e.statePath {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if e.bus != nil {
					views, notes, err := e.List()
					if err != nil {
						e.logger.Warn("reload after state change failed", "error", err)
						continue
					}
					e.bus.Publish(bus.TopicHeartbeatState, map[string]any{
						"checks": views,
						"notes":  notes,
					})
				}
				e.logger.Debug("heartbeat state file changed", "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				e.logger.Error("heartbeat state watcher error", "error", err)
			}
		}
	}()
	return nil
}
