package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	b := New()
	a, unA := b.Subscribe(2)
	c, unC := b.Subscribe(2)
	defer unA()
	defer unC()

	b.Publish(Event{Type: TaskStarted, Data: "x"})
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != TaskStarted || e.Time.IsZero() {
			t.Fatalf("unexpected event: %+v", e)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	unsub()

	var got []string
	for e := range ch {
		got = append(got, e.Type)
	}
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("got=%v", got)
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "c"})
}
