package events

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/songzhibin97/approval-workflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHandler struct {
	handleFunc func(ctx context.Context, event Event) error
}

func (m *mockHandler) Handle(ctx context.Context, event Event) error {
	if m.handleFunc != nil {
		return m.handleFunc(ctx, event)
	}
	return nil
}

// collector records events handed to it as a Sink.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) Notify(_ context.Context, event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 5*time.Millisecond)
}

func TestEventBus_SubscribeAndUnsubscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	h1, h2 := &mockHandler{}, &mockHandler{}
	eb.Subscribe(TypeStateChanged, h1)
	eb.Subscribe(TypeStateChanged, h2)
	assert.True(t, eb.HasSubscribers(TypeStateChanged))

	assert.True(t, eb.Unsubscribe(TypeStateChanged, h1))
	assert.False(t, eb.Unsubscribe(TypeStateChanged, &mockHandler{}))
	assert.True(t, eb.Unsubscribe(TypeStateChanged, h2))
	assert.False(t, eb.HasSubscribers(TypeStateChanged))
}

func TestEventBus_Publish(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	got := make(chan Event, 1)
	eb.SubscribeFunc(TypeStateChanged, func(ctx context.Context, event Event) error {
		got <- event
		return nil
	})

	ev := NewEvent(TypeStateChanged, 123, types.StateRunning, types.StateAwaitingApproval, "checkpoint requested", 1_700_000_000_000)
	require.NoError(t, eb.Publish(context.Background(), ev))

	select {
	case e := <-got:
		assert.Equal(t, uint64(123), e.InstanceID)
		assert.Equal(t, types.StateAwaitingApproval, e.ToState)
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestEventBus_WildcardSubscription(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	c := &collector{}
	eb.SubscribeSink(c)
	assert.True(t, eb.HasSubscribers(TypeCheckpointResolved))

	require.NoError(t, eb.Publish(context.Background(), Event{Type: TypeCheckpointRequested, InstanceID: 1}))
	require.NoError(t, eb.Publish(context.Background(), Event{Type: TypeCheckpointResolved, InstanceID: 1}))

	waitFor(t, func() bool { return len(c.snapshot()) == 2 })
}

func TestEventBus_PublishErrors(t *testing.T) {
	t.Run("NoHandler", func(t *testing.T) {
		eb := NewEventBus()
		defer eb.Stop()
		assert.ErrorIs(t, eb.Publish(context.Background(), Event{Type: "unknown"}), ErrNoHandler)
	})

	t.Run("Closed", func(t *testing.T) {
		eb := NewEventBus()
		eb.Subscribe(TypeStateChanged, &mockHandler{})
		eb.Stop()
		assert.ErrorIs(t, eb.Publish(context.Background(), Event{Type: TypeStateChanged}), ErrBusClosed)
		assert.Equal(t, []error{ErrBusClosed}, eb.PublishSync(context.Background(), Event{Type: TypeStateChanged}))
	})

	t.Run("CancelledContext", func(t *testing.T) {
		eb := NewEventBus()
		defer eb.Stop()
		eb.Subscribe(TypeStateChanged, &mockHandler{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, eb.Publish(ctx, Event{Type: TypeStateChanged}), context.Canceled)
	})

	t.Run("ChannelFull", func(t *testing.T) {
		block := make(chan struct{})
		eb := NewEventBus(WithBufferSize(1))
		defer eb.Stop()
		defer close(block)

		started := make(chan struct{}, 1)
		eb.SubscribeFunc(TypeStateChanged, func(ctx context.Context, event Event) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-block
			return nil
		})

		ctx := context.Background()
		require.NoError(t, eb.Publish(ctx, Event{Type: TypeStateChanged}))
		<-started // first event is being handled; the buffer is empty again
		require.NoError(t, eb.Publish(ctx, Event{Type: TypeStateChanged}))
		assert.ErrorIs(t, eb.Publish(ctx, Event{Type: TypeStateChanged}), ErrChannelFull)
	})
}

func TestEventBus_PublishSync(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.SubscribeFunc(TypeStateChanged, func(ctx context.Context, event Event) error {
		return errors.New("test error")
	})
	eb.SubscribeFunc(TypeStateChanged, func(ctx context.Context, event Event) error {
		panic("boom")
	})

	errs := eb.PublishSync(context.Background(), Event{Type: TypeStateChanged, InstanceID: 1})
	require.Len(t, errs, 2)

	assert.Equal(t, []error{ErrNoHandler}, eb.PublishSync(context.Background(), Event{Type: "other"}))
}

func TestEventBus_ErrorHandler(t *testing.T) {
	var mu sync.Mutex
	var reported []error

	eb := NewEventBus(
		WithBufferSize(200),
		WithErrorHandler(func(event Event, err error) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, err)
		}),
	)
	defer eb.Stop()
	assert.Equal(t, 200, cap(eb.eventCh))

	eb.SubscribeFunc(TypeStateChanged, func(ctx context.Context, event Event) error {
		return errors.New("delivery failed")
	})
	eb.Notify(context.Background(), Event{Type: TypeStateChanged})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reported) == 1
	})
}

func TestEventBus_NotifyIgnoresMissingHandlers(t *testing.T) {
	called := false
	eb := NewEventBus(WithErrorHandler(func(Event, error) { called = true }))
	eb.Notify(context.Background(), Event{Type: "nobody_listens"})
	eb.Stop()
	assert.False(t, called)
}

func TestEventBus_Drain(t *testing.T) {
	t.Run("DeliversQueued", func(t *testing.T) {
		eb := NewEventBus()
		c := &collector{}
		eb.SubscribeSink(SinkFunc(func(ctx context.Context, e Event) {
			time.Sleep(10 * time.Millisecond)
			c.Notify(ctx, e)
		}))
		for i := 0; i < 5; i++ {
			require.NoError(t, eb.Publish(context.Background(), Event{Type: TypeStateChanged, InstanceID: uint64(i)}))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, eb.Drain(ctx))
		assert.Len(t, c.snapshot(), 5)
		assert.ErrorIs(t, eb.Publish(context.Background(), Event{Type: TypeStateChanged}), ErrBusClosed)
		require.NoError(t, eb.Drain(ctx))
	})

	t.Run("GivesUpWithContext", func(t *testing.T) {
		block := make(chan struct{})
		defer close(block)
		eb := NewEventBus()
		eb.SubscribeFunc(TypeStateChanged, func(context.Context, Event) error {
			<-block
			return nil
		})
		require.NoError(t, eb.Publish(context.Background(), Event{Type: TypeStateChanged}))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, eb.Drain(ctx), context.DeadlineExceeded)
	})
}

func TestSinks(t *testing.T) {
	a, b := &collector{}, &collector{}
	var seen int
	multi := MultiSink{a, b, SinkFunc(func(context.Context, Event) { seen++ }), Nop, LogSink{}}

	multi.Notify(context.Background(), Event{Type: TypeStateChanged, InstanceID: 9})

	assert.Len(t, a.snapshot(), 1)
	assert.Len(t, b.snapshot(), 1)
	assert.Equal(t, 1, seen)
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "state_changed.ROLLED_BACK", RoutingKey(Event{Type: TypeStateChanged, ToState: types.StateRolledBack}))
	assert.Equal(t, "checkpoint_resolved", RoutingKey(Event{Type: TypeCheckpointResolved}))
}

func TestRabbitSink(t *testing.T) {
	url := os.Getenv("RABBITMQ_URL")
	if url == "" {
		t.Skip("RABBITMQ_URL not set")
	}

	exchange := "workflow.events.test"
	sink, err := NewRabbitSink(url, exchange, nil)
	require.NoError(t, err)
	defer sink.Close()

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(q.Name, "state_changed.#", exchange, false, nil))
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	require.NoError(t, err)

	ev := NewEvent(TypeStateChanged, 42, types.StateRunning, types.StateCompleted, "", time.Now().UnixMilli())
	require.NoError(t, sink.Publish(context.Background(), ev))

	select {
	case d := <-deliveries:
		assert.Equal(t, "state_changed.COMPLETED", d.RoutingKey)
		assert.Equal(t, "application/json", d.ContentType)
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}
}
