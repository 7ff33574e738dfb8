package supervisor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/domain"
	"github.com/loqalabs/loqa-captions/internal/events"
)

// session is one run of an adapter from Start until it returns. It is the
// stt.Session the adapter sees.
type session struct {
	sup  *Supervisor
	gen  uint64
	mode domain.Mode
	// phone is the audio route chosen when the session started.
	phone  bool
	ctx    context.Context
	stop   *stopSignal
	logger *slog.Logger

	mu       sync.Mutex
	provider string
	procs    []capture.Process
}

func (s *session) Generation() uint64 { return s.gen }

func (s *session) PhoneAudio() bool { return s.phone }

func (s *session) Done() <-chan struct{} { return s.stop.ch }

func (s *session) Stopped() bool { return s.stop.stopped() }

func (s *session) Logger() *slog.Logger { return s.logger }

func (s *session) OpenCapture(ctx context.Context, rate int) (capture.Process, error) {
	device := s.sup.devices.Resolve(ctx, s.phone)
	s.logger.Info("opening capture", slog.String("device", device), slog.Int("rate", rate), slog.Bool("phone", s.phone))
	return s.sup.recorder.Open(ctx, device, rate, s.Attach)
}

func (s *session) Attach(p capture.Process) {
	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()
	s.sup.state.SetProcess(s.gen, p)
}

// releaseProcesses terminates every process the session started and drops
// any registration that still points at one of them.
func (s *session) releaseProcesses() {
	s.mu.Lock()
	procs := s.procs
	s.procs = nil
	s.mu.Unlock()
	for _, p := range procs {
		s.sup.state.ReleaseProcess(p)
		_ = p.Terminate(capture.DefaultGrace)
	}
}

func (s *session) currentProvider() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

func (s *session) setProvider(name string) {
	s.mu.Lock()
	s.provider = name
	s.mu.Unlock()
	s.sup.state.setProvider(s.gen, name)
}

func (s *session) publish(evt events.Event) {
	evt.Generation = s.gen
	evt.Provider = s.currentProvider()
	if evt.Mode == "" {
		evt.Mode = s.mode
	}
	evt.Time = s.sup.clock.Now()
	s.sup.events.Publish(evt)
}

func (s *session) Status(status domain.Status) {
	if s.Stopped() {
		return
	}
	s.publish(events.Event{Kind: events.KindStatus, Status: status})
}

func (s *session) Ready() {
	if s.Stopped() {
		return
	}
	s.logger.Info("session ready", slog.String("provider", s.currentProvider()))
	s.publish(events.Event{Kind: events.KindModeReady})
}

func (s *session) Heard() {
	if _, decayed := s.sup.state.markOutput(s.gen, false); decayed {
		s.logger.Info("sustained output, restart budget refilled")
	}
}

func (s *session) Transcript(text string) {
	if text == "" {
		return
	}
	current, decayed := s.sup.state.markOutput(s.gen, true)
	if !current {
		s.logger.Debug("dropping transcript from superseded session")
		return
	}
	if decayed {
		s.logger.Info("sustained output, restart budget refilled")
	}
	s.sup.metrics.transcript(s.ctx, s.currentProvider())
	s.publish(events.Event{Kind: events.KindText, Text: text})
}
