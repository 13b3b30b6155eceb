package agent

import (
	"sync"

	"github.com/openloop-ai/openloop/pkg/logger"
)

// Publisher broadcasts events to session subscribers. Delivery is
// fire-and-forget; failures never abort the loop.
type Publisher interface {
	Publish(ev Event)
}

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind starts losing events rather than blocking the
// loop.
const subscriberBuffer = 256

// Broker is an in-process Publisher with per-session topics. One session's
// events reach each subscriber in publish order; cross-session ordering is
// not guaranteed.
type Broker struct {
	mu     sync.RWMutex
	nextID int64
	subs   map[string]map[int64]chan Event
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int64]chan Event)}
}

// Subscribe registers for one session's events. The returned cancel
// function must be called to release the subscription; the channel closes
// when it runs.
func (b *Broker) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	topic, ok := b.subs[sessionID]
	if !ok {
		topic = make(map[int64]chan Event)
		b.subs[sessionID] = topic
	}
	topic[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		topic, ok := b.subs[sessionID]
		if !ok {
			return
		}
		if sub, ok := topic[id]; ok {
			delete(topic, id)
			close(sub)
		}
		if len(topic) == 0 {
			delete(b.subs, sessionID)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of its session without
// blocking. Slow subscribers drop events.
func (b *Broker) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			logger.Warn("dropping event for slow subscriber",
				"sessionId", ev.SessionID, "type", ev.Type)
		}
	}
}
