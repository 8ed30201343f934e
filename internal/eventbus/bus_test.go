package eventbus

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestBus_PublishFiltersByKind(t *testing.T) {
	b := New(zerolog.Nop())

	var deleted, all []Event
	b.Subscribe(func(ev Event) { deleted = append(deleted, ev) }, ConversationDeleted)
	b.Subscribe(func(ev Event) { all = append(all, ev) })

	b.Publish(Event{Kind: ConversationDeleted, ID: 4})
	b.Publish(Event{Kind: TitleUpdated, ID: 4, Title: "renamed"})

	if len(deleted) != 1 || deleted[0].ID != 4 {
		t.Fatalf("unexpected filtered delivery: %+v", deleted)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 events for catch-all subscriber, got %d", len(all))
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(zerolog.Nop())

	calls := 0
	unsubscribe := b.Subscribe(func(Event) { calls++ })
	if b.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", b.SubscriberCount())
	}

	unsubscribe()
	unsubscribe()

	b.Publish(Event{Kind: ProjectDeleted, ID: 1})
	if calls != 0 {
		t.Fatalf("handler called after unsubscribe: %d", calls)
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0", b.SubscriberCount())
	}
}

func TestBus_HandlerMayUnsubscribeItself(t *testing.T) {
	b := New(zerolog.Nop())

	calls := 0
	var unsubscribe func()
	unsubscribe = b.Subscribe(func(Event) {
		calls++
		unsubscribe()
	})

	b.Publish(Event{Kind: ConversationDeleted, ID: 1})
	b.Publish(Event{Kind: ConversationDeleted, ID: 2})

	if calls != 1 {
		t.Fatalf("expected exactly one delivery, got %d", calls)
	}
}
