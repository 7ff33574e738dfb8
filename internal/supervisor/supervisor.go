// Package supervisor owns the single transcription session: it starts and
// stops backend adapters, watches their health and restarts or escalates
// them within a bounded budget.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/domain"
	"github.com/loqalabs/loqa-captions/internal/events"
	"github.com/loqalabs/loqa-captions/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrRestartInProgress is returned by SwitchMode while an automatic restart
// holds the restart flag.
var ErrRestartInProgress = errors.New("restart already in progress")

const (
	rerouteDelay = 500 * time.Millisecond
	closeTimeout = 5 * time.Second
)

// Settle holds the pauses that give the audio device time to be released
// between sessions.
type Settle struct {
	Start  time.Duration
	Stop   time.Duration
	Switch time.Duration
}

func DefaultSettle() Settle {
	return Settle{
		Start:  300 * time.Millisecond,
		Stop:   500 * time.Millisecond,
		Switch: 500 * time.Millisecond,
	}
}

// AdapterSource chooses backends. *stt.Factory implements it.
type AdapterSource interface {
	Select(mode domain.Mode) stt.Adapter
	Fallback(failed string, err error) (stt.Adapter, bool)
}

type DeviceResolver interface {
	Resolve(ctx context.Context, phone bool) string
}

type CaptureOpener interface {
	Open(ctx context.Context, device string, rate int, attach func(capture.Process)) (capture.Process, error)
}

type VolumeNormalizer interface {
	Normalize(ctx context.Context)
}

// Deps are the collaborators of a Supervisor. Mixer, Meter and Tracer are
// optional. A nil Settle uses DefaultSettle.
type Deps struct {
	State    *State
	Adapters AdapterSource
	Devices  DeviceResolver
	Recorder CaptureOpener
	Mixer    VolumeNormalizer
	Events   events.Publisher
	Clock    clockwork.Clock
	Settle   *Settle
	Meter    metric.Meter
	Tracer   trace.Tracer
}

type Supervisor struct {
	state    *State
	adapters AdapterSource
	devices  DeviceResolver
	recorder CaptureOpener
	mixer    VolumeNormalizer
	events   events.Publisher
	clock    clockwork.Clock
	settle   Settle
	tracer   trace.Tracer
	metrics  *metrics
	logger   *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	lifecycle sync.Mutex
	wg        sync.WaitGroup
}

func New(parent context.Context, deps Deps, logger *slog.Logger) (*Supervisor, error) {
	switch {
	case deps.State == nil:
		return nil, errors.New("supervisor requires state")
	case deps.Adapters == nil:
		return nil, errors.New("supervisor requires an adapter source")
	case deps.Devices == nil || deps.Recorder == nil:
		return nil, errors.New("supervisor requires capture devices and a recorder")
	case deps.Events == nil:
		return nil, errors.New("supervisor requires an event publisher")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	settle := DefaultSettle()
	if deps.Settle != nil {
		settle = *deps.Settle
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(instrumentation)
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		state:    deps.State,
		adapters: deps.Adapters,
		devices:  deps.Devices,
		recorder: deps.Recorder,
		mixer:    deps.Mixer,
		events:   deps.Events,
		clock:    deps.Clock,
		settle:   settle,
		tracer:   deps.Tracer,
		logger:   logger.With(slog.String("component", "supervisor")),
		ctx:      ctx,
		cancel:   cancel,
	}
	m, err := newMetrics(deps.Meter, deps.State)
	if err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	s.metrics = m
	return s, nil
}

func (s *Supervisor) State() *State { return s.state }

func (s *Supervisor) Snapshot() Snapshot { return s.state.Snapshot() }

// Healthy is false once the restart budget has run out.
func (s *Supervisor) Healthy() bool {
	return !s.state.Snapshot().GaveUp
}

// Start launches a new session in mode and returns its generation. Any
// running session is superseded and its capture process killed first.
// Readiness is reported asynchronously with a mode-ready event.
func (s *Supervisor) Start(ctx context.Context, mode domain.Mode) uint64 {
	return s.start(ctx, mode, false)
}

// start is Start for a caller holding the restart flag when release is
// set: the flag is cleared together with the generation bump, before the
// new adapter can report anything.
func (s *Supervisor) start(ctx context.Context, mode domain.Mode, release bool) uint64 {
	ctx, span := s.tracer.Start(ctx, "supervisor.start", trace.WithAttributes(attribute.String("mode", string(mode))))
	defer span.End()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.closing() {
		if release {
			s.state.ReleaseRestart()
		}
		span.SetStatus(codes.Error, "supervisor closed")
		return s.state.Generation()
	}

	s.state.stopCurrent()
	s.state.KillProcess()
	s.pause(s.settle.Start)
	if s.mixer != nil {
		s.mixer.Normalize(ctx)
	}

	adapter := s.adapters.Select(mode)
	sessCtx, cancel := context.WithCancel(s.ctx)
	gen, phone, stop := s.state.begin(mode, adapter.Name(), cancel, release)
	sess := &session{
		sup:      s,
		gen:      gen,
		mode:     mode,
		phone:    phone,
		ctx:      sessCtx,
		stop:     stop,
		provider: adapter.Name(),
		logger: s.logger.With(
			slog.Uint64("generation", gen),
			slog.String("mode", string(mode))),
	}

	span.SetAttributes(attribute.Int64("generation", int64(gen)), attribute.String("provider", adapter.Name()))
	s.logger.Info("starting transcription",
		slog.Uint64("generation", gen),
		slog.String("mode", string(mode)),
		slog.String("provider", adapter.Name()),
		slog.Bool("phone", phone))
	s.metrics.sessionStarted(ctx, string(mode), adapter.Name())

	s.wg.Add(1)
	go s.run(sess, adapter)
	return gen
}

// Stop ends the current session, if any, and waits for the audio device
// to settle.
func (s *Supervisor) Stop(ctx context.Context) {
	_, span := s.tracer.Start(ctx, "supervisor.stop")
	defer span.End()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.state.stopCurrent()
	s.state.KillProcess()
	s.pause(s.settle.Stop)
}

// SwitchMode restarts the session in mode with a fresh restart budget. It
// does nothing when mode is already current and fails with
// ErrRestartInProgress while an automatic restart is pending.
func (s *Supervisor) SwitchMode(ctx context.Context, mode domain.Mode) error {
	ctx, span := s.tracer.Start(ctx, "supervisor.switch_mode", trace.WithAttributes(attribute.String("mode", string(mode))))
	defer span.End()

	current := s.state.Mode()
	if mode == current {
		return nil
	}
	if !s.state.TryClaimRestart() {
		span.SetStatus(codes.Error, ErrRestartInProgress.Error())
		return ErrRestartInProgress
	}

	s.logger.Info("switching mode", slog.String("from", string(current)), slog.String("to", string(mode)))
	s.publish(events.Event{Kind: events.KindStatus, Status: domain.StatusSwitching})
	s.Stop(ctx)
	s.pause(s.settle.Switch)
	s.state.ResetBudget()
	gen := s.start(ctx, mode, true)
	s.publish(events.Event{Kind: events.KindModeChanged, Mode: mode, Generation: gen})
	return nil
}

// Reroute moves the session to the phone line or back to the room
// microphone. The route is recorded either way. It reports false while
// another restart holds the flag; that restart opens the recorded device.
// Otherwise the new session starts online after rerouteDelay unless
// something else started one first.
func (s *Supervisor) Reroute(ctx context.Context, phone bool) bool {
	ctx, span := s.tracer.Start(ctx, "supervisor.reroute", trace.WithAttributes(attribute.Bool("phone", phone)))
	defer span.End()

	if !s.state.claimRoute(phone) {
		span.SetAttributes(attribute.Bool("deferred", true))
		return false
	}
	s.logger.Info("rerouting audio", slog.Bool("phone", phone))
	s.publish(events.Event{Kind: events.KindStatus, Status: domain.StatusSwitching})
	s.Stop(ctx)
	s.scheduleRestart(s.state.Generation(), rerouteDelay, func() {
		s.start(s.ctx, domain.ModeOnline, true)
	})
	return true
}

// Close stops the session and waits briefly for adapters to return.
func (s *Supervisor) Close() {
	s.Stop(context.Background())
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeTimeout):
		s.logger.Warn("adapters still running at shutdown")
	}
}

func (s *Supervisor) pause(d time.Duration) {
	if d > 0 {
		s.clock.Sleep(d)
	}
}

// closing reports whether the supervisor itself is shutting down. Sessions
// ending then are stopped, not dead.
func (s *Supervisor) closing() bool {
	return s.ctx.Err() != nil
}

// scheduleRestart runs restart after delay unless a newer session started
// in the meantime. The caller holds the restart flag; restart must release
// it by starting with release set, and a skipped restart releases it here.
func (s *Supervisor) scheduleRestart(gen uint64, delay time.Duration, restart func()) {
	s.clock.AfterFunc(delay, func() {
		if s.closing() {
			s.state.ReleaseRestart()
			return
		}
		if current := s.state.Generation(); current != gen {
			s.logger.Info("scheduled restart skipped, generation changed",
				slog.Uint64("scheduled", gen), slog.Uint64("current", current))
			s.state.ReleaseRestart()
			return
		}
		restart()
	})
}

func (s *Supervisor) publish(evt events.Event) {
	snap := s.state.Snapshot()
	if evt.Generation == 0 {
		evt.Generation = snap.Generation
	}
	if evt.Provider == "" {
		evt.Provider = snap.Provider
	}
	if evt.Mode == "" {
		evt.Mode = snap.Mode
	}
	evt.Time = s.clock.Now()
	s.events.Publish(evt)
}

func (s *Supervisor) run(sess *session, adapter stt.Adapter) {
	defer s.wg.Done()
	err := s.runChain(sess, adapter)
	s.finish(sess, err)
}

// runChain runs adapter and, when it fails in a way another backend can
// cover, continues the same session with the fallback. Each backend is
// tried at most once per session.
func (s *Supervisor) runChain(sess *session, adapter stt.Adapter) error {
	tried := map[string]bool{adapter.Name(): true}
	for {
		err := s.runAdapter(sess, adapter)
		if sess.Stopped() || s.closing() {
			return nil
		}
		if err == nil {
			return fmt.Errorf("%s: %w", adapter.Name(), stt.ErrStreamEnded)
		}
		next, ok := s.adapters.Fallback(adapter.Name(), err)
		if !ok || tried[next.Name()] {
			return err
		}
		sess.logger.Warn("backend failed, falling back",
			slog.String("from", adapter.Name()),
			slog.String("to", next.Name()),
			slogError(err))
		sess.Status(domain.StatusFallback)
		sess.releaseProcesses()
		tried[next.Name()] = true
		adapter = next
		sess.setProvider(next.Name())
	}
}

func (s *Supervisor) runAdapter(sess *session, adapter stt.Adapter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", adapter.Name(), r)
		}
	}()
	return adapter.Run(sess.ctx, sess)
}

// finish is the cleanup every session goes through, whatever ended it.
func (s *Supervisor) finish(sess *session, err error) {
	s.state.end(sess.gen)
	sess.releaseProcesses()

	if sess.Stopped() || s.closing() {
		sess.logger.Info("session stopped", slog.String("provider", sess.currentProvider()))
		return
	}
	if errors.Is(err, stt.ErrNoCredentials) {
		sess.logger.Warn("backend has no credentials, waiting for reconfiguration", slogError(err))
		s.state.markNeedsConfig(sess.gen)
		sess.Status(domain.StatusNoKey)
		return
	}

	sess.logger.Error("session died", slog.String("provider", sess.currentProvider()), slogError(err))
	sess.Status(domain.StatusError)
	s.metrics.threadDeath(s.ctx, string(sess.mode))
	sess.publish(events.Event{Kind: events.KindThreadDied})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
