// ABOUTME: Gateway instruments: counters for sends by outcome, appended events, pin operations and connections
// ABOUTME: A nil *Metrics records nothing so components can run uninstrumented in tests

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the gateway's metric instruments. A nil *Metrics records nothing.
type Metrics struct {
	Sends             metric.Int64Counter
	EventsAppended    metric.Int64Counter
	AppendRetries     metric.Int64Counter
	PinOperations     metric.Int64Counter
	Connections       metric.Int64UpDownCounter
	ExecutionDuration metric.Float64Histogram
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Sends, err = meter.Int64Counter("vespid.sends",
		metric.WithDescription("Session sends by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsAppended, err = meter.Int64Counter("vespid.events.appended",
		metric.WithDescription("Session events appended by event type"),
	)
	if err != nil {
		return nil, err
	}

	m.AppendRetries, err = meter.Int64Counter("vespid.events.append_retries",
		metric.WithDescription("Appends retried after losing a seq race"),
	)
	if err != nil {
		return nil, err
	}

	m.PinOperations, err = meter.Int64Counter("vespid.pins",
		metric.WithDescription("Pin resolutions by result"),
	)
	if err != nil {
		return nil, err
	}

	m.Connections, err = meter.Int64UpDownCounter("vespid.connections",
		metric.WithDescription("Open websocket connections by peer kind"),
	)
	if err != nil {
		return nil, err
	}

	m.ExecutionDuration, err = meter.Float64Histogram("vespid.execution.duration",
		metric.WithDescription("Agent execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("vespid.ratelimit.rejects",
		metric.WithDescription("Client frames rejected by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordSend counts a send outcome (accepted, rejected, duplicate, pending).
func (m *Metrics) RecordSend(ctx context.Context, outcome, code string) {
	if m == nil {
		return
	}
	m.Sends.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("code", code),
	))
}

// RecordAppend counts an appended event.
func (m *Metrics) RecordAppend(ctx context.Context, eventType string, retries int) {
	if m == nil {
		return
	}
	m.EventsAppended.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
	if retries > 0 {
		m.AppendRetries.Add(ctx, int64(retries))
	}
}

// RecordPin counts a pin resolution (existing, pinned, lost_race).
func (m *Metrics) RecordPin(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.PinOperations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// ConnectionOpened and ConnectionClosed track open sockets by peer (agent, client).
func (m *Metrics) ConnectionOpened(ctx context.Context, peer string) {
	if m == nil {
		return
	}
	m.Connections.Add(ctx, 1, metric.WithAttributes(attribute.String("peer", peer)))
}

func (m *Metrics) ConnectionClosed(ctx context.Context, peer string) {
	if m == nil {
		return
	}
	m.Connections.Add(ctx, -1, metric.WithAttributes(attribute.String("peer", peer)))
}

// RecordExecution records how long an agent execution took and how it ended.
func (m *Metrics) RecordExecution(ctx context.Context, d time.Duration, result string) {
	if m == nil {
		return
	}
	m.ExecutionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("result", result)))
}

// RecordRateLimited counts a client frame dropped by the rate limiter.
func (m *Metrics) RecordRateLimited(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}
