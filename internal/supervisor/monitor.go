package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/domain"
	"github.com/loqalabs/loqa-captions/internal/events"
)

// Health is the outcome of one monitor check.
type Health string

const (
	HealthSkipped     Health = "skipped"
	HealthOK          Health = "healthy"
	HealthThreadDead  Health = "thread not running"
	HealthCaptureDead Health = "capture process not running"
	HealthStale       Health = "no transcript"
)

const (
	healthRestartDelay = 2 * time.Second
	// captureGrace covers the capture retry window after a session starts,
	// during which a missing capture process is expected.
	captureGrace = 10 * time.Second
)

// Monitor periodically checks the session and restarts it when the adapter
// or its capture process has died, or when transcripts have stopped.
type Monitor struct {
	sup        *Supervisor
	state      *State
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(parent context.Context, cfg config.SupervisorConfig, sup *Supervisor, logger *slog.Logger) *Monitor {
	ctx, cancel := context.WithCancel(parent)
	return &Monitor{
		sup:        sup,
		state:      sup.state,
		interval:   time.Duration(cfg.HealthIntervalMS) * time.Millisecond,
		staleAfter: time.Duration(cfg.StaleAfterMS) * time.Millisecond,
		logger:     logger.With(slog.String("component", "health-monitor")),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := m.sup.clock.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.Chan():
				m.Check()
			}
		}
	}()
}

func (m *Monitor) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) classify(snap Snapshot) Health {
	now := m.sup.clock.Now()
	switch {
	case !snap.ThreadAlive:
		return HealthThreadDead
	case !snap.CaptureAlive && now.Sub(snap.StartedAt) > captureGrace:
		return HealthCaptureDead
	case !snap.LastText.IsZero() && now.Sub(snap.LastText) > m.staleAfter:
		return HealthStale
	}
	return HealthOK
}

// Check runs one health evaluation and acts on it.
func (m *Monitor) Check() Health {
	snap := m.state.Snapshot()
	if snap.Restarting || snap.Stopped || snap.GaveUp || snap.NeedsConfig {
		return HealthSkipped
	}

	problem := m.classify(snap)
	if problem == HealthOK {
		m.logger.Info("heartbeat",
			slog.Uint64("generation", snap.Generation),
			slog.String("mode", string(snap.Mode)),
			slog.String("provider", snap.Provider),
			slog.Bool("thread", snap.ThreadAlive),
			slog.Bool("capture", snap.CaptureAlive))
		m.sup.publish(events.Event{Kind: events.KindHeartbeat})
		return problem
	}

	claimed, count, gen, exhausted := m.state.claimBudgetedRestart()
	if exhausted {
		m.logger.Error("restart budget exhausted, giving up", slog.String("problem", string(problem)), slog.Int("restarts", count))
		m.sup.publish(events.Event{Kind: events.KindStatus, Status: domain.StatusGaveUp})
		return problem
	}
	if !claimed {
		return HealthSkipped
	}

	m.logger.Warn("unhealthy session, restarting",
		slog.String("problem", string(problem)),
		slog.Int("attempt", count),
		slog.Uint64("generation", gen))
	m.sup.metrics.restart(m.ctx, string(problem))
	m.sup.publish(events.Event{Kind: events.KindStatus, Status: domain.StatusRestarting})

	mode := snap.Mode
	if snap.ThreadAlive {
		m.sup.Stop(m.ctx)
	}
	m.sup.scheduleRestart(gen, healthRestartDelay, func() {
		m.sup.start(m.ctx, mode, true)
	})
	return problem
}
