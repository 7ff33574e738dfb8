// Package bridge forwards transcription events to NATS for the
// presentation layer and serves the control subjects.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/domain"
	"github.com/loqalabs/loqa-captions/internal/events"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/supervisor"
	"github.com/nats-io/nats.go"
)

const (
	historyStream  = "CAPTIONS"
	historyMaxMsgs = 10000
	historyMaxAge  = 24 * time.Hour
)

// Controller is the part of the supervisor the control subjects drive.
type Controller interface {
	SwitchMode(ctx context.Context, mode domain.Mode) error
	Snapshot() supervisor.Snapshot
}

type Subscriber interface {
	Subscribe(name string, handler func(events.Event)) func()
}

type Service struct {
	bus      *bus.Client
	events   Subscriber
	ctrl     Controller
	subjects protocol.Subjects
	logger   *slog.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
	subMode     *nats.Subscription
	subStatus   *nats.Subscription

	mu         sync.Mutex
	lastStatus domain.Status
}

func NewService(parent context.Context, prefix string, busClient *bus.Client, subscriber Subscriber, ctrl Controller, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:      busClient,
		events:   subscriber,
		ctrl:     ctrl,
		subjects: protocol.NewSubjects(prefix),
		logger:   logger.With(slog.String("component", "bridge")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	if err := s.bus.EnsureStream(historyStream, s.subjects.Retained(), historyMaxMsgs, historyMaxAge); err != nil {
		s.logger.Warn("caption history stream unavailable", slogError(err))
	}

	sub, err := s.bus.Conn().Subscribe(s.subjects.CtrlMode, s.handleMode)
	if err != nil {
		return err
	}
	s.subMode = sub

	subStatus, err := s.bus.Conn().Subscribe(s.subjects.CtrlStatus, s.handleStatus)
	if err != nil {
		_ = s.subMode.Drain()
		return err
	}
	s.subStatus = subStatus

	s.unsubscribe = s.events.Subscribe("bridge", s.forward)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.subMode != nil {
		_ = s.subMode.Drain()
	}
	if s.subStatus != nil {
		_ = s.subStatus.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.subMode != nil && s.subStatus != nil && s.bus.Healthy()
}

func (s *Service) forward(evt events.Event) {
	if evt.Kind == events.KindStatus {
		s.mu.Lock()
		s.lastStatus = evt.Status
		s.mu.Unlock()
	}
	subject := s.subjects.ForKind(string(evt.Kind))
	if subject == "" {
		return
	}
	data, err := json.Marshal(protocol.CaptionEvent{
		Kind:       string(evt.Kind),
		Text:       evt.Text,
		Status:     string(evt.Status),
		Mode:       string(evt.Mode),
		Provider:   evt.Provider,
		Generation: evt.Generation,
		Timestamp:  evt.Time.UTC(),
	})
	if err != nil {
		s.logger.Warn("bridge failed to encode event", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("bridge failed to publish event", slog.String("subject", subject), slogError(err))
	}
}

// handleMode runs the switch off the NATS dispatch goroutine; SwitchMode
// waits for the audio device to settle.
func (s *Service) handleMode(msg *nats.Msg) {
	var req protocol.ModeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, protocol.ModeReply{Error: "invalid request: " + err.Error()})
		return
	}
	mode, err := domain.ParseMode(req.Mode)
	if err != nil {
		s.reply(msg, protocol.ModeReply{Mode: req.Mode, Error: err.Error()})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("mode change requested", slog.String("mode", string(mode)))
		if err := s.ctrl.SwitchMode(s.ctx, mode); err != nil {
			s.reply(msg, protocol.ModeReply{Mode: string(mode), Error: err.Error()})
			return
		}
		s.reply(msg, protocol.ModeReply{
			Accepted:   true,
			Mode:       string(mode),
			Generation: s.ctrl.Snapshot().Generation,
		})
	}()
}

func (s *Service) handleStatus(msg *nats.Msg) {
	snap := s.ctrl.Snapshot()
	s.mu.Lock()
	status := s.lastStatus
	s.mu.Unlock()
	if status == "" && snap.ThreadAlive {
		status = domain.Listening(snap.Provider)
	}
	s.reply(msg, protocol.StatusReply{
		Mode:         string(snap.Mode),
		Provider:     snap.Provider,
		Status:       string(status),
		PhoneAudio:   snap.PhoneAudio,
		Generation:   snap.Generation,
		ThreadAlive:  snap.ThreadAlive,
		CaptureAlive: snap.CaptureAlive,
		RestartCount: snap.RestartCount,
		MaxRestarts:  snap.MaxRestarts,
		Restarting:   snap.Restarting,
		GaveUp:       snap.GaveUp,
		NeedsConfig:  snap.NeedsConfig,
		LastText:     snap.LastText,
	})
}

func (s *Service) reply(msg *nats.Msg, payload any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("bridge failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("bridge failed to send reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
