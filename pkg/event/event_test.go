package event

import "testing"

func TestOnUnsubscribeStopsDelivery(t *testing.T) {
	em := NewEmitter()
	var calls int
	off := em.On(ConversationCreated, func(Event) { calls++ })

	em.Emit(ConversationCreatedEvent{UserID: "u", ConversationID: "c"})
	off()
	em.Emit(ConversationCreatedEvent{UserID: "u", ConversationID: "c"})

	if calls != 1 {
		t.Fatalf("listener fired %d times, want 1", calls)
	}
}

func TestOnAnyUnsubscribeRemovesOnlyItsListener(t *testing.T) {
	em := NewEmitter()
	var a, b int
	offA := em.OnAny(func(Event) { a++ })
	em.OnAny(func(Event) { b++ })

	offA()
	offA() // repeated call is a no-op
	em.Emit(MessageCreatedEvent{UserID: "u", ConversationID: "c", MessageID: "m"})

	if a != 0 {
		t.Fatalf("removed listener fired %d times", a)
	}
	if b != 1 {
		t.Fatalf("surviving listener fired %d times, want 1", b)
	}
}

func TestOnFiltersByEventName(t *testing.T) {
	em := NewEmitter()
	var calls int
	em.On(ConversationDeleted, func(Event) { calls++ })

	em.Emit(ConversationCreatedEvent{UserID: "u", ConversationID: "c"})
	if calls != 0 {
		t.Fatalf("listener fired for a foreign event")
	}
	em.Emit(ConversationDeletedEvent{UserID: "u", ConversationID: "c"})
	if calls != 1 {
		t.Fatalf("listener fired %d times, want 1", calls)
	}
}
