package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubC()

	b.Publish(Event{Type: TypeQueued, Data: Notification{ID: "1"}})
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != TypeQueued || e.Time.IsZero() {
			t.Fatalf("event = %+v", e)
		}
		if n, ok := e.Data.(Notification); !ok || n.ID != "1" {
			t.Fatalf("data = %#v", e.Data)
		}
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatal("expected closed channel")
	}
	b.Publish(Event{Type: TypeDelivered})
	if e := <-c; e.Type != TypeDelivered {
		t.Fatalf("event = %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if e := <-ch; e.Type != "a" {
		t.Fatalf("event = %+v", e)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}
