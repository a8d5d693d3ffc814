// ABOUTME: Tests for the mission event broadcaster
// ABOUTME: Covers fan-out, slow subscribers, mission end and context cleanup

package mission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/consult-gateway/internal/relay"
)

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	b.Begin("m1")
	b.Begin("m2")
	ch1, _, _ := b.Subscribe(t.Context(), "m1")
	ch2, _, _ := b.Subscribe(t.Context(), "m1")
	other, _, _ := b.Subscribe(t.Context(), "m2")

	b.Publish("m1", relay.NewEvent(relay.EventToken, []byte("hi")))

	for _, ch := range []<-chan relay.Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, "hi", string(ev.Data))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	select {
	case ev := <-other:
		t.Fatalf("unexpected event for other mission: %v", ev.Type)
	default:
	}
}

func TestBroadcaster_SlowSubscriberDrops(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	b.Begin("m1")
	ch, _, _ := b.Subscribe(t.Context(), "m1")
	for range subscriberBuffer + 10 {
		b.Publish("m1", relay.NewEvent(relay.EventToken, nil))
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestBroadcaster_EndClosesSubscriptions(t *testing.T) {
	b := NewBroadcaster(nil)

	b.Begin("m1")
	ch, _, ok := b.Subscribe(t.Context(), "m1")
	require.True(t, ok)
	b.End("m1")

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, b.Subscribers("m1"))

	// Publishing after the end is a no-op.
	b.Publish("m1", relay.NewEvent(relay.EventDone, nil))
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	b.Begin("m1")
	ch, _, _ := b.Subscribe(ctx, "m1")
	require.Equal(t, 1, b.Subscribers("m1"))

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	assert.Zero(t, b.Subscribers("m1"))
}

func TestBroadcaster_UnsubscribeTwice(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	b.Begin("m1")
	_, id, _ := b.Subscribe(t.Context(), "m1")
	b.Unsubscribe("m1", id)
	b.Unsubscribe("m1", id)
	assert.Zero(t, b.Subscribers("m1"))
}

func TestBroadcaster_RefusesEndedMission(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	_, _, ok := b.Subscribe(t.Context(), "never-started")
	assert.False(t, ok)

	b.Begin("m1")
	b.End("m1")
	ch, _, ok := b.Subscribe(t.Context(), "m1")
	assert.False(t, ok)
	assert.Nil(t, ch)
	assert.Zero(t, b.Subscribers("m1"))

	b.Begin("m2")
	b.Close()
	_, _, ok = b.Subscribe(t.Context(), "m2")
	assert.False(t, ok)
}
