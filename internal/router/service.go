// Package router moves the transcription session between the room
// microphone and the phone line by following the phone activity indicator.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/supervisor"
)

// Route is the outcome of one poll.
type Route string

const (
	RouteUnchanged Route = "unchanged"
	RouteToPhone   Route = "phone"
	RouteToRoom    Route = "room"
	// RouteDeferred means an edge was seen while another restart was in
	// flight. The route is latched and that restart opens the new device.
	RouteDeferred Route = "deferred"
)

// PhoneIndicator is the external "phone active" flag. The router clears it
// when the phone line has been silent for too long.
type PhoneIndicator interface {
	Active() bool
	Clear() error
}

type Rerouter interface {
	Reroute(ctx context.Context, phone bool) bool
}

type Service struct {
	state    *supervisor.State
	sup      Rerouter
	phone    PhoneIndicator
	clock    clockwork.Clock
	interval time.Duration
	silence  time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(parent context.Context, cfg config.SupervisorConfig, state *supervisor.State, sup Rerouter, phone PhoneIndicator, clk clockwork.Clock, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Service{
		state:    state,
		sup:      sup,
		phone:    phone,
		clock:    clk,
		interval: time.Duration(cfg.RouterPollMS) * time.Millisecond,
		silence:  time.Duration(cfg.PhoneSilenceMS) * time.Millisecond,
		logger:   logger.With(slog.String("component", "router")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := s.clock.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.Chan():
				s.Poll()
			}
		}
	}()
}

func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Poll runs one routing step: it expires a silent phone call and then acts
// on any difference between the indicator and the current audio route.
func (s *Service) Poll() Route {
	snap := s.state.Snapshot()
	if silent := s.clock.Since(snap.LastPhoneSpeech); snap.PhoneAudio && silent > s.silence {
		s.logger.Info("no phone speech, ending phone audio", slog.Duration("silence", silent))
		if err := s.phone.Clear(); err != nil {
			s.logger.Warn("failed to clear phone indicator", slogError(err))
		}
	}

	active := s.phone.Active()
	if active == snap.PhoneAudio {
		return RouteUnchanged
	}
	if !s.sup.Reroute(s.ctx, active) {
		s.logger.Info("restart in flight, audio route latched for it", slog.Bool("phone", active))
		return RouteDeferred
	}
	if active {
		s.logger.Info("phone active, switching to phone audio")
		return RouteToPhone
	}
	s.logger.Info("phone inactive, switching to room audio")
	return RouteToRoom
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
