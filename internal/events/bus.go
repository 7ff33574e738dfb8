package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/domain"
)

type Kind string

const (
	KindText        Kind = "text"
	KindStatus      Kind = "status"
	KindModeChanged Kind = "mode_changed"
	KindModeReady   Kind = "mode_ready"
	KindThreadDied  Kind = "thread_died"
	// KindHeartbeat is published by the health monitor on healthy checks.
	KindHeartbeat Kind = "heartbeat"
)

// Event is a single notification from the transcription core to its
// consumers. Generation identifies the session that produced it.
type Event struct {
	Kind       Kind
	Text       string
	Status     domain.Status
	Mode       domain.Mode
	Provider   string
	Generation uint64
	Time       time.Time
}

func (e Event) String() string {
	switch e.Kind {
	case KindText:
		return fmt.Sprintf("text(gen=%d, %q)", e.Generation, e.Text)
	case KindStatus:
		return fmt.Sprintf("status(gen=%d, %s)", e.Generation, e.Status)
	default:
		return fmt.Sprintf("%s(gen=%d, %s)", e.Kind, e.Generation, e.Mode)
	}
}

// Publisher is the write side of the Bus.
type Publisher interface {
	Publish(evt Event)
}

// Bus fans events out to subscribers. Publish never blocks: each subscriber
// owns an unbounded queue drained by its own goroutine, so one slow
// consumer cannot stall producers and per-subscriber order matches publish
// order.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
	closed bool
	logger *slog.Logger
	wg     sync.WaitGroup
}

type subscription struct {
	name    string
	handler func(Event)
	mu      sync.Mutex
	queue   []Event
	closed  bool
	wake    chan struct{}
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*subscription),
		logger: logger.With(slog.String("component", "events")),
	}
}

// Subscribe registers handler and returns a function that detaches it.
// Events already queued for the subscriber are still delivered.
func (b *Bus) Subscribe(name string, handler func(Event)) func() {
	sub := &subscription{
		name:    name,
		handler: handler,
		wake:    make(chan struct{}, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		b.deliver(sub)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			sub.close()
		})
	}
}

func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.push(evt)
	}
}

// Close stops accepting events and waits for subscribers to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.wg.Wait()
}

func (b *Bus) deliver(sub *subscription) {
	for {
		evt, ok := sub.next()
		if !ok {
			return
		}
		b.dispatch(sub, evt)
	}
}

func (b *Bus) dispatch(sub *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("subscriber", sub.name),
				slog.String("event", evt.String()),
				slog.Any("panic", r))
		}
	}()
	sub.handler(evt)
}

func (s *subscription) push(evt Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next blocks until an event is queued. It returns false once the
// subscription is closed and its queue is empty.
func (s *subscription) next() (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			evt := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return evt, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, false
		}
		<-s.wake
	}
}
