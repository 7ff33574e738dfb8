package eventstore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-captions/internal/events"
)

// generationsKept bounds the generation to session ID map; events from
// older generations are still delivered late occasionally.
const generationsKept = 16

type Subscriber interface {
	Subscribe(name string, handler func(events.Event)) func()
}

// Recorder writes bus events into the store, one session row per
// generation. Heartbeats are not recorded.
type Recorder struct {
	store  *Store
	logger *slog.Logger
	ctx    context.Context

	mu          sync.Mutex
	sessions    map[uint64]string
	unsubscribe func()
}

func NewRecorder(ctx context.Context, store *Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:    store,
		logger:   logger.With(slog.String("component", "event-recorder")),
		ctx:      ctx,
		sessions: make(map[uint64]string),
	}
}

func (r *Recorder) Start(bus Subscriber) {
	r.unsubscribe = bus.Subscribe("event-recorder", r.Record)
}

func (r *Recorder) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

// Record stores one event.
func (r *Recorder) Record(evt events.Event) {
	if evt.Kind == events.KindHeartbeat || evt.Generation == 0 {
		return
	}
	sessionID, err := r.session(evt)
	if err != nil {
		r.logger.Warn("failed to record session", slog.Uint64("generation", evt.Generation), slogError(err))
		return
	}

	var payload []byte
	switch evt.Kind {
	case events.KindText:
		payload = []byte(evt.Text)
	case events.KindStatus:
		payload = []byte(evt.Status)
	default:
		payload = []byte(evt.Mode)
	}
	err = r.store.AppendEvent(r.ctx, Event{
		SessionID:  sessionID,
		Generation: evt.Generation,
		Type:       string(evt.Kind),
		Provider:   evt.Provider,
		Payload:    payload,
		CreatedAt:  evt.Time,
	})
	if err != nil {
		r.logger.Warn("failed to record event", slog.String("event", evt.String()), slogError(err))
	}
}

// SessionID returns the stored session for a generation seen so far.
func (r *Recorder) SessionID(gen uint64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.sessions[gen]
	return id, ok
}

func (r *Recorder) session(evt events.Event) (string, error) {
	r.mu.Lock()
	id, ok := r.sessions[evt.Generation]
	if !ok {
		id = uuid.NewString()
		r.sessions[evt.Generation] = id
		for gen := range r.sessions {
			if gen+generationsKept < evt.Generation {
				delete(r.sessions, gen)
			}
		}
	}
	r.mu.Unlock()

	if ok && evt.Kind != events.KindModeReady {
		return id, nil
	}
	// The row is written on first sight and refreshed when the session
	// reports ready, by which point the provider is settled.
	err := r.store.AppendSession(r.ctx, Session{
		ID:         id,
		Generation: evt.Generation,
		Mode:       string(evt.Mode),
		Provider:   evt.Provider,
		CreatedAt:  evt.Time,
	})
	return id, err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
