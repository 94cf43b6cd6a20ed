package app

import (
	"sync"

	"github.com/txkodo/claude-code-web/internal/logging"
	"github.com/txkodo/claude-code-web/internal/session"
)

// Subscriber is one live transport connection receiving session events
// through a buffered channel. A slow consumer never blocks publishing; events
// beyond the buffer are dropped and counted.
type Subscriber struct {
	ch chan session.Event
}

// NewSubscriber creates a subscriber with the given channel buffer.
func NewSubscriber(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 100
	}
	return &Subscriber{ch: make(chan session.Event, buffer)}
}

// Events is the channel the transport drains.
func (s *Subscriber) Events() <-chan session.Event {
	return s.ch
}

// EventBroadcaster fans each session's event stream out to the subscribers of
// that session's topic. A subscriber's subscription set survives across
// publishes and across sessions; dropping a subscriber removes it from every
// topic deterministically.
type EventBroadcaster struct {
	mu    sync.RWMutex
	subs  map[string]map[*Subscriber]struct{} // sessionID -> subscribers
	bySub map[*Subscriber]map[string]struct{} // reverse index for teardown

	metrics *Metrics
	logger  logging.Logger
}

// NewEventBroadcaster creates a broadcaster. metrics may be nil.
func NewEventBroadcaster(metrics *Metrics) *EventBroadcaster {
	return &EventBroadcaster{
		subs:    make(map[string]map[*Subscriber]struct{}),
		bySub:   make(map[*Subscriber]map[string]struct{}),
		metrics: metrics,
		logger:  logging.NewComponentLogger("EventBroadcaster"),
	}
}

// Subscribe adds sub to the topic of sessionID.
func (b *EventBroadcaster) Subscribe(sub *Subscriber, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[*Subscriber]struct{})
	}
	b.subs[sessionID][sub] = struct{}{}
	if b.bySub[sub] == nil {
		b.bySub[sub] = make(map[string]struct{})
	}
	b.bySub[sub][sessionID] = struct{}{}

	b.logger.Debug("Subscriber added to session %s (total: %d)", sessionID, len(b.subs[sessionID]))
}

// Unsubscribe removes sub from the topic of sessionID. Unknown pairs are a
// no-op.
func (b *EventBroadcaster) Unsubscribe(sub *Subscriber, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub, sessionID)
}

// Drop removes sub from every topic and closes its channel. No event is
// delivered to sub after Drop returns.
func (b *EventBroadcaster) Drop(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sessionID := range b.bySub[sub] {
		b.removeLocked(sub, sessionID)
	}
	delete(b.bySub, sub)
	close(sub.ch)
}

// Publish delivers the event to every subscriber of its session topic, in
// emission order. Subscribers with a full buffer miss the event; late joiners
// reconstruct state via the session's message snapshot instead of replay.
func (b *EventBroadcaster) Publish(ev session.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[ev.SessionID] {
		select {
		case sub.ch <- ev:
			if b.metrics != nil {
				b.metrics.EventsPublished.Inc()
			}
		default:
			b.logger.Warn("Subscriber buffer full for session %s, dropping %s event", ev.SessionID, ev.Type)
			if b.metrics != nil {
				b.metrics.EventsDropped.Inc()
			}
		}
	}
}

// SubscriberCount returns the number of subscribers on a session's topic.
func (b *EventBroadcaster) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

func (b *EventBroadcaster) removeLocked(sub *Subscriber, sessionID string) {
	if set, ok := b.subs[sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sessionID)
		}
	}
	if set, ok := b.bySub[sub]; ok {
		delete(set, sessionID)
	}
}
