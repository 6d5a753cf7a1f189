package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docflow/internal/trigger"
)

func TestBus_DeliversToTypedSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := Subscribe[RunQueued](bus, 1)
	defer unsub()

	require.NoError(t, bus.Publish(context.Background(), RunQueued{RunID: "r1", Workflow: "docs"}))

	select {
	case got := <-ch:
		require.Equal(t, "r1", got.RunID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_IgnoresOtherEventTypes(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := Subscribe[RunQueued](bus, 1)
	defer unsub()

	require.NoError(t, bus.Publish(context.Background(), RunFinished{RunID: "r1"}))

	select {
	case <-ch:
		t.Fatal("RunQueued subscriber received a RunFinished event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_PublishBlocksUntilContextCancelled(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, unsub := Subscribe[EventReceived](bus, 0)
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := bus.Publish(ctx, EventReceived{Event: trigger.Event{Type: trigger.EventPush}})
	require.Error(t, err)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := Subscribe[RunQueued](bus, 1)
	require.Equal(t, 1, SubscriberCount[RunQueued](bus))

	unsub()
	require.Equal(t, 0, SubscriberCount[RunQueued](bus))

	_, open := <-ch
	require.False(t, open)
}

func TestBus_CloseClosesAllSubscriptions(t *testing.T) {
	bus := NewBus()

	ch, _ := Subscribe[RunFinished](bus, 1)
	bus.Close()

	_, open := <-ch
	require.False(t, open)

	require.Error(t, bus.Publish(context.Background(), RunFinished{}))

	// Subscribing after close yields a closed channel.
	ch2, _ := Subscribe[RunQueued](bus, 1)
	_, open = <-ch2
	require.False(t, open)
}
