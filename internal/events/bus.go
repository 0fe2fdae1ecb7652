// Package events provides a small non-blocking fan-out bus for peer
// lifecycle notifications, so status pages or webhooks can subscribe
// without the core data plane depending on who's listening.
package events

import (
	"log/slog"
	"sync"
)

const subscriberBufferSize = 64

// Bus fans out Events to any number of subscribers. Publish never blocks:
// a subscriber whose buffer is full has the event dropped for it, and a
// counter is logged instead of backpressuring the publisher.
type Bus struct {
	mu        sync.Mutex
	logger    *slog.Logger
	subs      map[int]chan Event
	nextID    int
	dropCount map[int]int
}

// NewBus creates an empty Bus. logger may be nil, in which case drops are
// logged to slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:    logger,
		subs:      make(map[int]chan Event),
		dropCount: make(map[int]int),
	}
}

// Subscribe registers a new subscriber and returns its channel and an
// unsubscribe function.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBufferSize)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			delete(b.dropCount, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

// Publish fans ev out to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropCount[id]++
			b.logger.Warn("events: subscriber buffer full, dropping event",
				"subscriber", id, "kind", ev.Kind, "peer_id", ev.PeerID, "dropped_total", b.dropCount[id])
		}
	}
}

// LogSubscriber starts a goroutine that logs every event published on ch
// until ch is closed. It is the default subscriber cmd/xtunneld wires in.
func LogSubscriber(logger *slog.Logger, ch <-chan Event) {
	go func() {
		for ev := range ch {
			logger.Info("peer lifecycle event", "kind", ev.Kind, "peer_id", ev.PeerID, "reason", ev.Reason)
		}
	}()
}
