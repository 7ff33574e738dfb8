package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-captions/internal/domain"
	"github.com/loqalabs/loqa-captions/internal/events"
)

const (
	// escalateAfter is the number of online deaths after which the session
	// moves to offline mode for good.
	escalateAfter      = 3
	fallbackDelay      = 2 * time.Second
	threadRestartDelay = 3 * time.Second
)

// Subscriber is the read side of the event bus.
type Subscriber interface {
	Subscribe(name string, handler func(events.Event)) func()
}

// Escalator reacts to adapters reporting their own death: it restarts the
// same mode, or after repeated online failures switches to offline.
type Escalator struct {
	sup         *Supervisor
	state       *State
	bus         Subscriber
	logger      *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
}

func NewEscalator(parent context.Context, sup *Supervisor, bus Subscriber, logger *slog.Logger) *Escalator {
	ctx, cancel := context.WithCancel(parent)
	return &Escalator{
		sup:    sup,
		state:  sup.state,
		bus:    bus,
		logger: logger.With(slog.String("component", "escalator")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (e *Escalator) Start() {
	e.unsubscribe = e.bus.Subscribe("escalator", func(evt events.Event) {
		if evt.Kind == events.KindThreadDied {
			e.ThreadDied(evt.Generation, evt.Mode)
		}
	})
}

func (e *Escalator) Close() {
	e.cancel()
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
}

// ThreadDied handles the death of the session of gen running in mode. It
// only schedules work; the restart itself runs on a timer.
func (e *Escalator) ThreadDied(gen uint64, mode domain.Mode) {
	if current := e.state.Generation(); gen != current {
		e.logger.Info("ignoring death of superseded session", slog.Uint64("generation", gen), slog.Uint64("current", current))
		return
	}
	claimed, count, gen, exhausted := e.state.claimBudgetedRestart()
	if exhausted {
		e.logger.Error("session died with restart budget exhausted, giving up", slog.Int("restarts", count))
		e.sup.publish(events.Event{Kind: events.KindStatus, Status: domain.StatusGaveUp})
		return
	}
	if !claimed {
		e.logger.Info("restart already in progress or session stopped, ignoring death")
		return
	}

	if mode == domain.ModeOnline && count >= escalateAfter && !e.state.PhoneAudio() {
		e.logger.Warn("online backend keeps failing, falling back to offline",
			slog.Int("failures", count), slog.Uint64("generation", gen))
		e.sup.metrics.escalation(e.ctx)
		e.sup.publish(events.Event{Kind: events.KindStatus, Status: domain.StatusFallback})
		e.sup.scheduleRestart(gen, fallbackDelay, func() {
			e.state.ResetBudget()
			next := e.sup.start(e.ctx, domain.ModeOffline, true)
			e.sup.publish(events.Event{Kind: events.KindModeChanged, Mode: domain.ModeOffline, Generation: next})
		})
		return
	}

	e.logger.Warn("session died, scheduling restart",
		slog.Int("attempt", count), slog.Uint64("generation", gen))
	e.sup.metrics.restart(e.ctx, "thread died")
	e.sup.publish(events.Event{Kind: events.KindStatus, Status: domain.StatusRestarting})
	e.sup.scheduleRestart(gen, threadRestartDelay, func() {
		e.sup.start(e.ctx, mode, true)
	})
}
