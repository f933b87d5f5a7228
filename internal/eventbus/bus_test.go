package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	Emit(b, "task.triggered", "t1")

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != "task.triggered" || e.Data != "t1" || e.Time.IsZero() {
			t.Fatalf("unexpected event: %+v", e)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	if e := <-ch; e.Type != "a" {
		t.Fatalf("first event = %q, want a", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("expected drop, got %q", e.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	Emit(b, "after", nil)
	Emit(nil, "nil bus", nil)
}

func TestHasPrefix(t *testing.T) {
	tests := []struct {
		typ, ns string
		want    bool
	}{
		{"task.failed", "task", true},
		{"task", "task", true},
		{"tasks.x", "task", false},
		{"notify.sent", "task", false},
	}
	for _, tt := range tests {
		if got := HasPrefix(Event{Type: tt.typ}, tt.ns); got != tt.want {
			t.Fatalf("HasPrefix(%q, %q) = %v, want %v", tt.typ, tt.ns, got, tt.want)
		}
	}
}
