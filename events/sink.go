package events

import (
	"context"
	"log/slog"
)

// Sink receives state-change notifications. Delivery is best effort:
// Notify must not block the caller on slow transports and reports its own
// failures.
type Sink interface {
	Notify(ctx context.Context, event Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event)

// Notify implements Sink.
func (f SinkFunc) Notify(ctx context.Context, event Event) { f(ctx, event) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(context.Context, Event) {})

// MultiSink fans an event out to several sinks in order.
type MultiSink []Sink

// Notify implements Sink.
func (m MultiSink) Notify(ctx context.Context, event Event) {
	for _, s := range m {
		s.Notify(ctx, event)
	}
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

// Notify implements Sink.
func (s LogSink) Notify(ctx context.Context, event Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "workflow event",
		"type", event.Type,
		"instance_id", event.InstanceID,
		"from", event.FromState,
		"to", event.ToState,
		"reason", event.Reason,
	)
}
