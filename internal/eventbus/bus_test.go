package eventbus

import (
	"testing"
)

func TestPublishFansOutAndDrops(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TypeDeliverySent, Data: Delivery{OrderID: "1"}})
	b.Publish(Event{Type: TypeDeliveryFailed})

	if e := <-a; e.Type != TypeDeliverySent || e.Time.IsZero() {
		t.Fatalf("first event = %+v", e)
	}
	if len(c) != 2 {
		t.Fatalf("buffered subscriber got %d events, want 2", len(c))
	}
	if Dropped(b) != 1 {
		t.Fatalf("dropped = %d, want 1", Dropped(b))
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	b.Publish(Event{Type: TypeReadySent})
}
