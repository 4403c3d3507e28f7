package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_EmitReachesSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	got := make(chan Event, 2)
	bus.Subscribe(EventGameCreated, "a", func(ctx context.Context, e Event) error {
		got <- e
		return nil
	})
	bus.Subscribe(EventGameCreated, "b", func(ctx context.Context, e Event) error {
		got <- e
		return nil
	})
	assert.Equal(t, 2, bus.HandlerCount(EventGameCreated))

	bus.Emit(context.Background(), Event{
		Type:    EventGameCreated,
		Source:  "test",
		Payload: GamePayload{GameID: "g1", GameName: "Dungeon1"},
	})

	for i := 0; i < 2; i++ {
		select {
		case e := <-got:
			assert.Equal(t, "g1", e.Payload.(GamePayload).GameID)
			assert.False(t, e.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("handler not called")
		}
	}
}

func TestEventBus_EmitSyncReturnsFirstError(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	boom := errors.New("boom")
	bus.Subscribe(EventDeliveryFailed, "failing", func(ctx context.Context, e Event) error {
		return boom
	})
	bus.Subscribe(EventDeliveryFailed, "panicking", func(ctx context.Context, e Event) error {
		panic("bad handler")
	})

	err := bus.EmitSync(context.Background(), Event{Type: EventDeliveryFailed})
	require.ErrorIs(t, err, boom)
}

func TestEventBus_StopWaitsAndRejects(t *testing.T) {
	bus := NewEventBus()

	var calls atomic.Int32
	bus.Subscribe(EventGameStarted, "slow", func(ctx context.Context, e Event) error {
		time.Sleep(20 * time.Millisecond)
		calls.Add(1)
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventGameStarted})
	bus.Stop()
	assert.Equal(t, int32(1), calls.Load())

	bus.Emit(context.Background(), Event{Type: EventGameStarted})
	assert.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventGameStarted}))
	assert.Equal(t, int32(1), calls.Load())
}
