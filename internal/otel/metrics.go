package otel

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the control-plane instruments.
type Metrics struct {
	GatewayInvokes     metric.Int64Counter
	GatewayFailures    metric.Int64Counter
	GatewayRetries     metric.Int64Counter
	GatewayDuration    metric.Float64Histogram
	BroadcastsSent     metric.Int64Counter
	BroadcastsDropped  metric.Int64Counter
	SamplerTicks       metric.Int64Counter
	SamplerDuration    metric.Float64Histogram
	PreferencesPending metric.Int64UpDownCounter
	SessionsSpawned    metric.Int64Counter
	WSConnections      metric.Int64UpDownCounter
}

// NewMetrics creates the standard control-plane instruments from a meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.GatewayInvokes, err = meter.Int64Counter("missionctl.gateway.invokes",
		metric.WithDescription("Gateway tool invocations"),
	); err != nil {
		return nil, err
	}
	if m.GatewayFailures, err = meter.Int64Counter("missionctl.gateway.failures",
		metric.WithDescription("Gateway invocations that exhausted all retries"),
	); err != nil {
		return nil, err
	}
	if m.GatewayRetries, err = meter.Int64Counter("missionctl.gateway.retries",
		metric.WithDescription("Gateway invocation retry attempts"),
	); err != nil {
		return nil, err
	}
	if m.GatewayDuration, err = meter.Float64Histogram("missionctl.gateway.duration",
		metric.WithDescription("Gateway invocation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.BroadcastsSent, err = meter.Int64Counter("missionctl.broadcast.sent",
		metric.WithDescription("Events delivered to websocket subscribers"),
	); err != nil {
		return nil, err
	}
	if m.BroadcastsDropped, err = meter.Int64Counter("missionctl.broadcast.dropped",
		metric.WithDescription("Events dropped due to slow subscribers"),
	); err != nil {
		return nil, err
	}
	if m.SamplerTicks, err = meter.Int64Counter("missionctl.sampler.ticks",
		metric.WithDescription("System sampler tick count"),
	); err != nil {
		return nil, err
	}
	if m.SamplerDuration, err = meter.Float64Histogram("missionctl.sampler.duration",
		metric.WithDescription("System sampler collection duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.PreferencesPending, err = meter.Int64UpDownCounter("missionctl.preferences.pending",
		metric.WithDescription("Preference commands awaiting resolution"),
	); err != nil {
		return nil, err
	}
	if m.SessionsSpawned, err = meter.Int64Counter("missionctl.sessions.spawned",
		metric.WithDescription("Subagent sessions spawned"),
	); err != nil {
		return nil, err
	}
	if m.WSConnections, err = meter.Int64UpDownCounter("missionctl.ws.connections",
		metric.WithDescription("Active websocket connections"),
	); err != nil {
		return nil, err
	}

	return m, nil
}
