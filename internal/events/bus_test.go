package events

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBusPreservesOrderPerSubscriber(t *testing.T) {
	bus := NewBus(newLogger())

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	bus.Subscribe("recorder", func(evt Event) {
		mu.Lock()
		got = append(got, evt.Text)
		n := len(got)
		mu.Unlock()
		if n == 100 {
			close(done)
		}
	})

	for i := 0; i < 100; i++ {
		bus.Publish(Event{Kind: KindText, Text: string(rune('a' + i%26))})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	bus.Close()

	for i, text := range got {
		if text != string(rune('a'+i%26)) {
			t.Fatalf("event %d out of order: %q", i, text)
		}
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewBus(newLogger())
	release := make(chan struct{})
	bus.Subscribe("slow", func(Event) { <-release })

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(Event{Kind: KindStatus})
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	close(release)
	bus.Close()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(newLogger())
	defer bus.Close()

	delivered := make(chan Event, 10)
	cancel := bus.Subscribe("once", func(evt Event) { delivered <- evt })
	bus.Publish(Event{Kind: KindModeReady})
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("expected first event")
	}

	cancel()
	bus.Publish(Event{Kind: KindModeReady})
	select {
	case evt := <-delivered:
		t.Fatalf("unexpected delivery after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandlerPanicDoesNotKillSubscriber(t *testing.T) {
	bus := NewBus(newLogger())
	defer bus.Close()

	seen := make(chan string, 2)
	bus.Subscribe("flaky", func(evt Event) {
		if evt.Text == "boom" {
			panic("boom")
		}
		seen <- evt.Text
	})
	bus.Publish(Event{Kind: KindText, Text: "boom"})
	bus.Publish(Event{Kind: KindText, Text: "after"})

	select {
	case text := <-seen:
		if text != "after" {
			t.Fatalf("unexpected text %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber stopped after panic")
	}
}
