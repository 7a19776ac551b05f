// Package observe provides application-wide observability primitives for
// hmiaudio: OpenTelemetry metrics with a Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API; [InitProvider]
// installs the SDK meter provider with a Prometheus exporter so the
// instruments can be scraped via a standard /metrics endpoint. Tests use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all hmiaudio metrics.
const meterName = "github.com/elektro-kapsel/hmiaudio"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// VoicesStarted counts play requests handed to the mixer, including those
	// it rejects. Use with attribute:
	//   attribute.String("clip", ...)
	VoicesStarted metric.Int64Counter

	// VoicesEnded counts voice completions. Use with attribute:
	//   attribute.String("reason", ...) — natural, preempted, cancelled, rejected
	VoicesEnded metric.Int64Counter

	// TagUpdates counts tag updates received from the upstream runtime.
	TagUpdates metric.Int64Counter

	// TagWrites counts tag writes sent to the upstream runtime.
	TagWrites metric.Int64Counter

	// AlarmEvents counts alarm notifications received.
	AlarmEvents metric.Int64Counter

	// UpstreamReconnects counts reconnect attempts to the HMI runtime.
	UpstreamReconnects metric.Int64Counter

	// Underruns counts device callbacks the driver flagged with an output
	// underflow.
	Underruns metric.Int64Counter

	// StateTransitions counts state machine transitions. Use with attributes:
	//   attribute.String("machine", ...), attribute.String("state", ...)
	StateTransitions metric.Int64Counter

	meter metric.Meter
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.VoicesStarted, err = m.Int64Counter("hmiaudio.voices.started",
		metric.WithDescription("Play requests handed to the mixer.")); err != nil {
		return nil, err
	}
	if met.VoicesEnded, err = m.Int64Counter("hmiaudio.voices.ended",
		metric.WithDescription("Voice completions by reason.")); err != nil {
		return nil, err
	}
	if met.TagUpdates, err = m.Int64Counter("hmiaudio.tags.updates",
		metric.WithDescription("Tag updates received from the HMI runtime.")); err != nil {
		return nil, err
	}
	if met.TagWrites, err = m.Int64Counter("hmiaudio.tags.writes",
		metric.WithDescription("Tag writes sent to the HMI runtime.")); err != nil {
		return nil, err
	}
	if met.AlarmEvents, err = m.Int64Counter("hmiaudio.alarms.events",
		metric.WithDescription("Alarm notifications received.")); err != nil {
		return nil, err
	}
	if met.UpstreamReconnects, err = m.Int64Counter("hmiaudio.upstream.reconnects",
		metric.WithDescription("Reconnect attempts to the HMI runtime.")); err != nil {
		return nil, err
	}
	if met.Underruns, err = m.Int64Counter("hmiaudio.callback.underruns",
		metric.WithDescription("Device callbacks flagged with an output underflow.")); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("hmiaudio.machine.transitions",
		metric.WithDescription("State machine transitions.")); err != nil {
		return nil, err
	}
	met.meter = m
	return met, nil
}

// RegisterLiveVoices installs the live-voice gauge, observed from fn on every
// metrics collection. Called once the mixer exists.
func (m *Metrics) RegisterLiveVoices(fn func() int64) error {
	_, err := m.meter.Int64ObservableGauge("hmiaudio.voices.live",
		metric.WithDescription("Voices currently mixing."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn())
			return nil
		}))
	return err
}
