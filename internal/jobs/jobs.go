// Package jobs mirrors the gateway's cron jobs. The gateway owns the
// job set; every mutation goes through the proxy. The control plane
// enriches listings with a locally derived next-run time so the
// dashboard can show schedules even when the gateway omits them.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/mission-control/internal/bus"
	"github.com/basket/mission-control/internal/gateway"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Jobs are kept as raw objects: the gateway owns the job schema, and a
// listing must carry every field it reported, known to us or not. The
// mirror only reads id/enabled/schedule and writes nextRun.

// Mirror proxies cron operations to the gateway.
type Mirror struct {
	gw     *gateway.Client
	logger *slog.Logger
	bus    *bus.Bus
	now    func() time.Time
}

// New builds a Mirror.
func New(gw *gateway.Client, logger *slog.Logger, b *bus.Bus) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		gw:     gw,
		logger: logger.With("component", "jobs"),
		bus:    b,
		now:    time.Now,
	}
}

// List fetches every job, disabled ones included, and fills in nextRun
// for jobs whose schedule parses and that the gateway left blank. The
// gateway's job objects pass through untouched otherwise.
func (m *Mirror) List(ctx context.Context) ([]map[string]any, error) {
	raw, err := m.gw.Invoke(ctx, "cron", map[string]any{
		"action":          "list",
		"includeDisabled": true,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Jobs []map[string]any `json:"jobs"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Jobs == nil {
		// Some gateway builds answer with a bare array.
		if err2 := json.Unmarshal(raw, &out.Jobs); err2 != nil && err != nil {
			return nil, err
		}
	}
	for _, job := range out.Jobs {
		m.deriveNextRun(job)
	}
	return out.Jobs, nil
}

func (m *Mirror) deriveNextRun(job map[string]any) {
	if job["nextRun"] != nil {
		return
	}
	enabled, _ := job["enabled"].(bool)
	schedule, _ := job["schedule"].(string)
	if !enabled || schedule == "" {
		return
	}
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		m.logger.Debug("unparseable job schedule", "job", job["id"], "schedule", schedule)
		return
	}
	job["nextRun"] = sched.Next(m.now()).UnixMilli()
}

// Add creates a job on the gateway.
func (m *Mirror) Add(ctx context.Context, job map[string]any) (json.RawMessage, error) {
	result, err := m.gw.Invoke(ctx, "cron", map[string]any{
		"action": "add",
		"job":    job,
	})
	if err == nil && m.bus != nil {
		m.bus.Publish(bus.TopicCronJobAdded, job)
	}
	return result, err
}

// Update patches a job on the gateway.
func (m *Mirror) Update(ctx context.Context, id string, patch map[string]any) (json.RawMessage, error) {
	return m.gw.Invoke(ctx, "cron", map[string]any{
		"action": "update",
		"jobId":  id,
		"patch":  patch,
	})
}

// Remove deletes a job on the gateway.
func (m *Mirror) Remove(ctx context.Context, id string) (json.RawMessage, error) {
	return m.gw.Invoke(ctx, "cron", map[string]any{
		"action": "remove",
		"jobId":  id,
	})
}

// Run triggers a job immediately.
func (m *Mirror) Run(ctx context.Context, id string) (json.RawMessage, error) {
	result, err := m.gw.Invoke(ctx, "cron", map[string]any{
		"action": "run",
		"jobId":  id,
	})
	if err == nil && m.bus != nil {
		m.bus.Publish(bus.TopicCronJobRun, map[string]any{"jobId": id})
	}
	return result, err
}
