// ABOUTME: In-memory fan-out of mission events to observers of a mission
// ABOUTME: Lets a reconnecting client follow a mission it did not launch on this connection

package mission

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/consult-gateway/internal/relay"
)

// subscriberBuffer is each observer's channel capacity. Matches the relay buffer.
const subscriberBuffer = 64

// Broadcaster publishes mission events to every subscriber of a mission ID.
// Slow subscribers lose events rather than stalling the mission. Only missions
// between Begin and End accept subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	live        map[string]struct{}
	subscribers map[string]map[string]chan relay.Event // missionID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		live:        make(map[string]struct{}),
		subscribers: make(map[string]map[string]chan relay.Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Begin opens missionID for subscribers.
func (b *Broadcaster) Begin(missionID string) {
	b.mu.Lock()
	b.live[missionID] = struct{}{}
	b.mu.Unlock()
}

// Subscribe registers for events on missionID. The channel is closed when the
// mission ends, on Unsubscribe, or when ctx is cancelled. ok is false, and no
// channel is returned, when the mission is not live here.
func (b *Broadcaster) Subscribe(ctx context.Context, missionID string) (events <-chan relay.Event, subID string, ok bool) {
	subID = uuid.NewString()
	ch := make(chan relay.Event, subscriberBuffer)

	b.mu.Lock()
	if _, live := b.live[missionID]; !live {
		b.mu.Unlock()
		return nil, "", false
	}
	if _, ok := b.subscribers[missionID]; !ok {
		b.subscribers[missionID] = make(map[string]chan relay.Event)
	}
	b.subscribers[missionID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "mission_id", missionID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(missionID, subID)
	}()

	return ch, subID, true
}

// Publish delivers ev to all subscribers of missionID without blocking.
func (b *Broadcaster) Publish(missionID string, ev relay.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[missionID] {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"mission_id", missionID,
				"sub_id", subID,
				"type", ev.Type)
		}
	}
}

// End closes every subscription for missionID and refuses new ones.
func (b *Broadcaster) End(missionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.live, missionID)

	for subID, ch := range b.subscribers[missionID] {
		close(ch)
		delete(b.subscribers[missionID], subID)
	}
	delete(b.subscribers, missionID)
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(missionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[missionID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, missionID)
	}

	b.logger.Debug("subscriber removed", "mission_id", missionID, "sub_id", subID)
}

// Subscribers returns the number of live subscriptions for missionID.
func (b *Broadcaster) Subscribers(missionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[missionID])
}

// Close closes all subscriptions and ends every mission.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.live)

	for missionID, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, missionID)
	}
}
