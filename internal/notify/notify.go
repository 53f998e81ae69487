// Package notify delivers detected events to downstream consumers.
package notify

import (
	"context"
	"log/slog"
	"time"
)

const TypeResistanceEvent = "resistance_event"

type Metadata struct {
	DetectionLatencyMs float64   `json:"detection_latency_ms"`
	Timestamp          time.Time `json:"timestamp"`
}

// Envelope is the wire shape of every notification.
type Envelope struct {
	Type     string   `json:"type"`
	Data     any      `json:"data"`
	Metadata Metadata `json:"metadata"`
}

func NewEnvelope(typ string, data any, latency time.Duration) Envelope {
	return Envelope{
		Type: typ,
		Data: data,
		Metadata: Metadata{
			DetectionLatencyMs: float64(latency.Microseconds()) / 1000,
			Timestamp:          time.Now().UTC(),
		},
	}
}

type Sink interface {
	Notify(ctx context.Context, env Envelope) error
}

type SinkFunc func(ctx context.Context, env Envelope) error

func (f SinkFunc) Notify(ctx context.Context, env Envelope) error { return f(ctx, env) }

// LogSink writes notifications to the default logger.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, env Envelope) error {
	slog.Info("notify: event",
		"type", env.Type,
		"latency_ms", env.Metadata.DetectionLatencyMs,
	)
	return nil
}
