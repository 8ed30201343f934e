// Package eventbus carries cross-cutting session signals between components.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog"
)

// Kind names a signal type.
type Kind string

const (
	ConversationDeleted Kind = "conversation-deleted"
	ProjectDeleted      Kind = "project-deleted"
	TitleUpdated        Kind = "title-updated"
)

// Event is a signal published on the bus. Title is only set for TitleUpdated.
type Event struct {
	Kind  Kind
	ID    int64
	Title string
}

// Handler receives published events.
type Handler func(Event)

type subscriber struct {
	kinds   map[Kind]struct{}
	handler Handler
}

func (s subscriber) wants(kind Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Bus is a typed publish-subscribe hub. Delivery is synchronous on the publisher's
// goroutine, in no particular subscriber order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]subscriber
	nextID uint64
	logger zerolog.Logger
}

// New creates an empty bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]subscriber),
		logger: logger.With().Str("component", "eventbus").Logger(),
	}
}

// Subscribe registers handler for the given kinds (all kinds when none are given).
// The returned function unregisters it and is safe to call more than once.
func (b *Bus) Subscribe(handler Handler, kinds ...Kind) (unsubscribe func()) {
	sub := subscriber{handler: handler}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every matching subscriber. Handlers run without the bus
// lock held, so they may subscribe or unsubscribe.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.wants(ev.Kind) {
			targets = append(targets, sub.handler)
		}
	}
	b.mu.RUnlock()

	b.logger.Debug().
		Str("kind", string(ev.Kind)).
		Int64("id", ev.ID).
		Int("subscribers", len(targets)).
		Msg("event published")

	for _, h := range targets {
		h(ev)
	}
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
