package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pharmagent/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBusDeliversInOrderPerSession(t *testing.T) {
	bus := NewBus(logger.Nop())
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx, "s1")
	require.NoError(t, err)
	other, err := bus.Subscribe(ctx, "s2")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, bus.Publish(ctx, Event{Type: TypeLog, SessionID: "s1", Payload: EventPayload{"n": i}}))
	}
	require.NoError(t, bus.Publish(ctx, Event{Type: TypeRun, SessionID: "s2"}))

	for i := 0; i < 20; i++ {
		select {
		case evt := <-sub:
			assert.Equal(t, TypeLog, evt.Type)
			assert.Equal(t, "s1", evt.SessionID)
			assert.NotEmpty(t, evt.TS)
			assert.Equal(t, fmt.Sprint(i), fmt.Sprint(evt.Payload["n"]))
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
	select {
	case evt := <-other:
		assert.Equal(t, TypeRun, evt.Type)
		assert.Equal(t, EventPayload{}, evt.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("s2 event not delivered")
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()
	assert.NoError(t, bus.Publish(context.Background(), Event{Type: TypeStatus, SessionID: "nobody"}))
	assert.NoError(t, Discard{}.Publish(context.Background(), Event{}))
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	bus := NewBus(logger.Nop())
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := bus.Subscribe(ctx, "s1")
	require.NoError(t, err)
	cancel()
	select {
	case _, ok := <-sub:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
}
