// Package observe holds the OpenTelemetry instruments shared by the relay
// and the call client. Tests should build their own Metrics with NewMetrics
// and a ManualReader instead of touching the global provider.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dkeye/circlechat"

// Metrics holds all metric instruments. OTel types handle their own locking.
type Metrics struct {
	// Relay side.
	HubConnections metric.Int64UpDownCounter
	// RelayedFrames counts frames by attribute.String("type", ...) and
	// attribute.String("route", "targeted"|"broadcast"|"reply").
	RelayedFrames metric.Int64Counter
	DroppedFrames metric.Int64Counter
	Kicks         metric.Int64Counter

	// Client side.
	ReconnectAttempts metric.Int64Counter
	// Signaling counts outbound negotiation frames by attribute.String("kind", ...).
	Signaling   metric.Int64Counter
	GlareDrops  metric.Int64Counter
	ActivePeers metric.Int64UpDownCounter
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.HubConnections, err = m.Int64UpDownCounter("circlechat.hub.connections",
		metric.WithDescription("Open relay WebSocket connections."),
	); err != nil {
		return nil, err
	}
	if met.RelayedFrames, err = m.Int64Counter("circlechat.hub.frames",
		metric.WithDescription("Frames relayed by type and route."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("circlechat.hub.dropped_frames",
		metric.WithDescription("Frames dropped on full member queues."),
	); err != nil {
		return nil, err
	}
	if met.Kicks, err = m.Int64Counter("circlechat.hub.kicks",
		metric.WithDescription("Members disconnected for backpressure."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("circlechat.channel.reconnects",
		metric.WithDescription("Channel reconnect attempts scheduled."),
	); err != nil {
		return nil, err
	}
	if met.Signaling, err = m.Int64Counter("circlechat.call.signaling",
		metric.WithDescription("Outbound offers, answers and candidates."),
	); err != nil {
		return nil, err
	}
	if met.GlareDrops, err = m.Int64Counter("circlechat.call.glare_drops",
		metric.WithDescription("Inbound offers dropped because a negotiation was in flight."),
	); err != nil {
		return nil, err
	}
	if met.ActivePeers, err = m.Int64UpDownCounter("circlechat.call.active_peers",
		metric.WithDescription("Peer connections currently held by the registry."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance built on the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}
