package events

import (
	"testing"
	"time"
)

func recv(t *testing.T, s *Subscriber) Event {
	t.Helper()
	select {
	case ev, ok := <-s.C:
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHub_FanOut(t *testing.T) {
	t.Parallel()
	hub := NewHub(4)
	defer hub.Close()

	a := hub.Subscribe("")
	b := hub.Subscribe("")

	hub.Publish(Event{Type: TypeTranscriptFinal, SessionID: "s-1"})

	for _, sub := range []*Subscriber{a, b} {
		ev := recv(t, sub)
		if ev.Type != TypeTranscriptFinal || ev.SessionID != "s-1" {
			t.Errorf("event %+v", ev)
		}
		if ev.At.IsZero() {
			t.Error("publish did not stamp the event time")
		}
	}
}

func TestHub_SessionFilter(t *testing.T) {
	t.Parallel()
	hub := NewHub(4)
	defer hub.Close()

	mine := hub.Subscribe("s-1")
	hub.Publish(Event{Type: TypeWarning, SessionID: "s-2"})
	hub.Publish(Event{Type: TypeReportReady, SessionID: "s-1"})

	ev := recv(t, mine)
	if ev.Type != TypeReportReady {
		t.Fatalf("filtered subscriber saw %s", ev.Type)
	}
	select {
	case ev := <-mine.C:
		t.Fatalf("unexpected second event %+v", ev)
	default:
	}
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	t.Parallel()
	hub := NewHub(1)
	defer hub.Close()

	slow := hub.Subscribe("")
	hub.Publish(Event{Type: TypeWarning})
	// Buffer full: this publish drops the subscriber.
	hub.Publish(Event{Type: TypeWarning})

	// The buffered event drains, then the channel closes.
	<-slow.C
	select {
	case _, ok := <-slow.C:
		if ok {
			t.Fatal("expected closed channel after drop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber channel never closed")
	}
}

func TestHub_CloseUnblocksSubscribers(t *testing.T) {
	t.Parallel()
	hub := NewHub(4)
	sub := hub.Subscribe("")
	hub.Close()

	if _, ok := <-sub.C; ok {
		t.Fatal("channel open after hub close")
	}
	// Publishing after close is a no-op.
	hub.Publish(Event{Type: TypeWarning})
}
