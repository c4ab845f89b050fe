package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBusPublishAndDrain(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	go func() {
		bus.Publish(ctx, Event{Type: PlanStarted, PlanID: "p-1"})
		bus.Publish(ctx, Event{Type: PlanCompleted, PlanID: "p-1"})
		bus.Close()
	}()

	var got []Event
	for ev := range bus.Events() {
		got = append(got, ev)
	}

	require.Len(t, got, 2)
	require.Equal(t, PlanStarted, got[0].Type)
	require.Equal(t, PlanCompleted, got[1].Type)
	require.False(t, got[0].At.IsZero())
}

func TestPublishRespectsCancellation(t *testing.T) {
	bus := &Bus{ch: make(chan Event)} // unbuffered, nobody reading
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		bus.Publish(ctx, Event{Type: StepStarted})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish did not respect context cancellation")
	}
}
