// Package sampler runs the periodic system monitor. A fast tick collects
// host metrics, probes gateway liveness, and broadcasts a full snapshot;
// a slower tick probes connectivity and broadcasts only on state changes.
package sampler

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/basket/mission-control/internal/bus"
	"github.com/basket/mission-control/internal/gateway"
	"github.com/basket/mission-control/internal/otel"
)

// SystemSnapshot is the full state broadcast on every fast tick.
// Each field degrades to zero when its collector fails; one slow or
// broken metric never aborts the snapshot.
type SystemSnapshot struct {
	LastUpdate    string  `json:"lastUpdate"` // RFC 3339
	CPU           float64 `json:"cpu"`        // percent
	Memory        float64 `json:"memory"`     // percent
	Disk          float64 `json:"disk"`       // percent, root partition
	Uptime        uint64  `json:"uptime"`     // host uptime, seconds
	GatewayStatus string  `json:"gatewayStatus"`
}

// Options configures a Sampler.
type Options struct {
	Gateway       *gateway.Client
	Bus           *bus.Bus
	Logger        *slog.Logger
	Metrics       *otel.Metrics
	StatsInterval time.Duration // fast tick, snapshot broadcast
	ProbeInterval time.Duration // slow tick, edge-triggered connectivity
}

// Sampler owns the current SystemSnapshot.
type Sampler struct {
	gw      *gateway.Client
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics

	statsInterval time.Duration
	probeInterval time.Duration

	mu      sync.RWMutex
	current SystemSnapshot
}

// New builds a Sampler. Intervals default to 30s and 5m.
func New(opts Options) *Sampler {
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 30 * time.Second
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sampler{
		gw:            opts.Gateway,
		bus:           opts.Bus,
		logger:        opts.Logger.With("component", "sampler"),
		metrics:       opts.Metrics,
		statsInterval: opts.StatsInterval,
		probeInterval: opts.ProbeInterval,
		current:       SystemSnapshot{GatewayStatus: string(gateway.StatusUnknown)},
	}
}

// Current returns the latest snapshot. Safe for concurrent use; the
// broadcast hub pushes this to every newly-connected viewer.
func (s *Sampler) Current() SystemSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Start launches both tickers and returns immediately. An initial
// snapshot is taken up front so Current() is never empty. Both loops
// stop when ctx is cancelled.
func (s *Sampler) Start(ctx context.Context) {
	s.tick(ctx)
	go s.statsLoop(ctx)
	go s.probeLoop(ctx)
}

func (s *Sampler) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick gathers one snapshot, stores it as current, and broadcasts it.
func (s *Sampler) tick(ctx context.Context) {
	start := time.Now()
	snap := s.collect(ctx)

	s.mu.Lock()
	s.current = snap
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(bus.TopicSystemStats, snap)
	}
	if s.metrics != nil {
		s.metrics.SamplerTicks.Add(ctx, 1)
		s.metrics.SamplerDuration.Record(ctx, time.Since(start).Seconds())
	}
}

func (s *Sampler) collect(ctx context.Context) SystemSnapshot {
	snap := SystemSnapshot{
		LastUpdate:    time.Now().Format(time.RFC3339),
		GatewayStatus: string(s.gatewayState()),
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		snap.CPU = math.Round(pct[0])
	} else if err != nil {
		s.logger.Debug("cpu sample failed", "error", err)
	}

	if vmem, err := mem.VirtualMemory(); err == nil {
		snap.Memory = math.Round(vmem.UsedPercent)
	} else {
		s.logger.Debug("memory sample failed", "error", err)
	}

	// Disk stat goes through the kernel and can hang on a sick mount;
	// bound it so one bad disk never stalls the tick.
	diskCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if usage, err := disk.UsageWithContext(diskCtx, "/"); err == nil {
		snap.Disk = math.Round(usage.UsedPercent)
	} else {
		s.logger.Debug("disk sample failed", "error", err)
	}
	cancel()

	if up, err := host.Uptime(); err == nil {
		snap.Uptime = up
	}

	// Best-effort liveness probe; the snapshot carries whatever state
	// the probe leaves behind.
	if s.gw != nil {
		if err := s.gw.Ping(ctx); err != nil {
			s.logger.Debug("gateway liveness probe failed", "error", err)
		}
		snap.GatewayStatus = string(s.gw.Status().State())
	}

	return snap
}

func (s *Sampler) gatewayState() gateway.ConnState {
	if s.gw == nil {
		return gateway.StatusUnknown
	}
	return s.gw.Status().State()
}

// probeLoop is the slow connectivity check. It broadcasts a
// gateway.status event only when the state actually flips, so a healthy
// steady state generates no traffic.
func (s *Sampler) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	last := s.gatewayState()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last = s.probe(ctx, last)
		}
	}
}

func (s *Sampler) probe(ctx context.Context, last gateway.ConnState) gateway.ConnState {
	if s.gw == nil {
		return last
	}
	err := s.gw.Ping(ctx)
	state := s.gw.Status().State()
	if state == last {
		return state
	}

	ev := bus.GatewayStatusEvent{
		Status:    string(state),
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicGatewayStatus, ev)
	}
	s.logger.Info("gateway connectivity changed", "from", string(last), "to", string(state))
	return state
}
