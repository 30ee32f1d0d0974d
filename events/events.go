package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/songzhibin97/approval-workflow/types"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Event types.
const (
	TypeStateChanged        = "state_changed"
	TypeCheckpointRequested = "checkpoint_requested"
	TypeCheckpointResolved  = "checkpoint_resolved"
	TypeCompensationApplied = "compensation_applied"

	// TypeAll subscribes a handler to every event type.
	TypeAll = "*"
)

// Event is a notification about a committed change to an instance.
type Event struct {
	Type       string                 `json:"type"`
	InstanceID uint64                 `json:"instance_id"`
	FromState  types.State            `json:"from_state,omitempty"`
	ToState    types.State            `json:"to_state,omitempty"`
	Timestamp  int64                  `json:"timestamp"`
	Reason     string                 `json:"reason,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// NewEvent builds an event stamped at, in Unix milliseconds. Callers pass
// the commit time of the change so events and history agree.
func NewEvent(typ string, instanceID uint64, from, to types.State, reason string, at int64) Event {
	return Event{
		Type:       typ,
		InstanceID: instanceID,
		FromState:  from,
		ToState:    to,
		Timestamp:  at,
		Reason:     reason,
	}
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// EventBus dispatches events to subscribed handlers on a background
// goroutine. It implements Sink, so the core can hand it events without
// waiting on delivery.
type EventBus struct {
	handlers     map[string][]EventHandler
	mu           sync.RWMutex
	eventCh      chan Event
	errHandler   func(event Event, err error)
	errHandlerMu sync.RWMutex
	wg           sync.WaitGroup
	closed       bool
	closeMu      sync.RWMutex
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler sets a custom error handler function.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandlerMu.Lock()
		defer eb.errHandlerMu.Unlock()
		eb.errHandler = handler
	}
}

// NewEventBus creates a bus with a buffer of 100 events that logs handler
// errors through slog unless WithErrorHandler is given.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers:   make(map[string][]EventHandler),
		eventCh:    make(chan Event, 100),
		errHandler: defaultErrorHandler,
	}
	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe subscribes a handler to an event type, or to every type with TypeAll.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) {
	eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

// SubscribeSink forwards every event to sink.
func (eb *EventBus) SubscribeSink(sink Sink) {
	eb.SubscribeFunc(TypeAll, func(ctx context.Context, event Event) error {
		sink.Notify(ctx, event)
		return nil
	})
}

// Unsubscribe removes a specific handler from an event type.
// Returns true if the handler was found and removed.
func (eb *EventBus) Unsubscribe(eventType string, handler EventHandler) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers, exists := eb.handlers[eventType]
	if !exists {
		return false
	}
	for i, h := range handlers {
		if fmt.Sprintf("%p", h) != fmt.Sprintf("%p", handler) {
			continue
		}
		handlers[i] = handlers[len(handlers)-1]
		eb.handlers[eventType] = handlers[:len(handlers)-1]
		if len(eb.handlers[eventType]) == 0 {
			delete(eb.handlers, eventType)
		}
		return true
	}
	return false
}

// HasSubscribers checks if any handler would receive an event of eventType.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	return len(eb.handlersFor(eventType)) > 0
}

// Publish queues an event for asynchronous delivery. It never blocks: a
// full buffer returns ErrChannelFull.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}

	select {
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// Notify implements Sink. Delivery problems go to the error handler.
func (eb *EventBus) Notify(ctx context.Context, event Event) {
	err := eb.Publish(ctx, event)
	if err == nil || errors.Is(err, ErrNoHandler) {
		return
	}
	eb.handleError(event, err)
}

// PublishSync runs every handler for the event and returns their errors.
// Execution is bounded by a 5-second timeout.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	closed := eb.closed
	eb.closeMu.RUnlock()
	if closed {
		return []error{ErrBusClosed}
	}

	handlers := eb.handlersFor(event.Type)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return eb.executeHandlers(timeoutCtx, handlers, event)
}

// Stop stops the event processing goroutine and waits for completion.
// Unprocessed events are discarded.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		for len(eb.eventCh) > 0 {
			<-eb.eventCh
		}
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

// Drain closes the bus to new events and waits until the queued ones have
// been delivered, or until ctx is done.
func (eb *EventBus) Drain(ctx context.Context) error {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (eb *EventBus) handlersFor(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	out := make([]EventHandler, 0, len(eb.handlers[eventType])+len(eb.handlers[TypeAll]))
	out = append(out, eb.handlers[eventType]...)
	if eventType != TypeAll {
		out = append(out, eb.handlers[TypeAll]...)
	}
	return out
}

func (eb *EventBus) handleError(event Event, err error) {
	eb.errHandlerMu.RLock()
	handler := eb.errHandler
	eb.errHandlerMu.RUnlock()
	handler(event, err)
}

func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		handlers := eb.handlersFor(event.Type)
		if len(handlers) == 0 {
			continue
		}
		for _, err := range eb.executeHandlers(context.Background(), handlers, event) {
			eb.handleError(event, err)
		}
	}
}

// executeHandlers runs handlers concurrently and collects their errors.
// A panicking handler is reported as an error.
func (eb *EventBus) executeHandlers(ctx context.Context, handlers []EventHandler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
				}
			}()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errs
}

func defaultErrorHandler(event Event, err error) {
	slog.Error("event handler failed",
		"type", event.Type,
		"instance_id", event.InstanceID,
		"error", err,
	)
}
