package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := NewBroadcaster(10, time.Minute, testLogger())
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Broadcast(Event{Type: TypeJobStarted, JobID: "job-1"})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case ev := <-sub.ch:
			assert.Equal(t, TypeJobStarted, ev.Type)
			assert.Equal(t, "job-1", ev.JobID)
			assert.False(t, ev.Timestamp.IsZero())
		default:
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestBroadcastNeverBlocksOnFullSubscriber(t *testing.T) {
	b := NewBroadcaster(2, time.Minute, testLogger())
	slow := b.Subscribe()
	defer b.Unsubscribe(slow)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			b.Broadcast(Event{Type: TypeTaskOutput, JobID: "job-1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full subscriber channel")
	}
	// Only the queue capacity was retained.
	assert.Equal(t, 2, len(slow.ch))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(10, time.Minute, testLogger())
	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())
	_, open := <-sub.ch
	assert.False(t, open)

	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}

func TestStreamEmitsKeepaliveWhenQuiet(t *testing.T) {
	b := NewBroadcaster(10, 20*time.Millisecond, testLogger())
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := b.Stream(ctx, sub)
	select {
	case ev := <-ch:
		assert.Equal(t, TypeKeepalive, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no keepalive during a quiet stretch")
	}
}

func TestStreamDeliversEventsBeforeKeepalive(t *testing.T) {
	b := NewBroadcaster(10, time.Minute, testLogger())
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch := b.Stream(ctx, sub)

	b.Broadcast(Event{Type: TypeJobCompleted, JobID: "job-1"})
	select {
	case ev := <-ch:
		assert.Equal(t, TypeJobCompleted, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestStreamEndsOnUnsubscribe(t *testing.T) {
	b := NewBroadcaster(10, time.Minute, testLogger())
	sub := b.Subscribe()

	ch := b.Stream(context.Background(), sub)
	b.Unsubscribe(sub)

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("stream did not end after unsubscribe")
	}
}

func TestStreamEndsOnContextCancel(t *testing.T) {
	b := NewBroadcaster(10, time.Minute, testLogger())
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Stream(ctx, sub)
	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("stream did not end after cancel")
	}
}
