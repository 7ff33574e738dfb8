package activity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-captions/internal/capture"
)

const (
	watchRate = 8000
	// 100ms of 16-bit mono audio at 8kHz.
	watchChunk = 1600
)

// Opener starts a capture process. *capture.Recorder implements it.
type Opener interface {
	Open(ctx context.Context, device string, rate int, attach func(capture.Process)) (capture.Process, error)
}

// LevelSetter changes capture gain on a sound card. *capture.Mixer
// implements it.
type LevelSetter interface {
	Set(ctx context.Context, card int, level string)
}

type WatchConfig struct {
	// Device is the phone line capture device.
	Device string
	// RoomCard is the card muted while the phone is in use.
	RoomCard  int
	Threshold float64
	// Hold is how long the line must stay above Threshold.
	Hold time.Duration
	// Poll is how often the indicator is checked while engaged.
	Poll time.Duration
	// Settle is the pause after unmuting before listening again.
	Settle     time.Duration
	RetryDelay time.Duration
}

func DefaultWatchConfig(device string) WatchConfig {
	return WatchConfig{
		Device:     device,
		RoomCard:   1,
		Threshold:  0.01,
		Hold:       2 * time.Second,
		Poll:       500 * time.Millisecond,
		Settle:     2 * time.Second,
		RetryDelay: time.Second,
	}
}

// Watcher listens to the phone line and raises the phone indicator when
// someone speaks on it, muting the room microphone for the length of the
// call. The daemon's router clears the indicator once the call goes quiet.
type Watcher struct {
	cfg    WatchConfig
	opener Opener
	mixer  LevelSetter
	phone  *Indicator
	logger *slog.Logger
}

func NewWatcher(cfg WatchConfig, opener Opener, mixer LevelSetter, phone *Indicator, logger *slog.Logger) *Watcher {
	return &Watcher{
		cfg:    cfg,
		opener: opener,
		mixer:  mixer,
		phone:  phone,
		logger: logger.With(slog.String("component", "phone-watch")),
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		if err := w.listen(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("phone line capture failed, retrying", slog.String("error", err.Error()))
			if !sleep(ctx, w.cfg.RetryDelay) {
				return nil
			}
			continue
		}

		if err := w.engage(ctx); err != nil {
			w.logger.Warn("failed to raise phone indicator", slog.String("error", err.Error()))
		}
		if !w.waitCleared(ctx) {
			w.release(context.Background())
			return nil
		}
		w.release(ctx)
		if !sleep(ctx, w.cfg.Settle) {
			return nil
		}
	}
}

// listen returns nil once speech has been held for the configured time.
// The capture process is always gone when it returns.
func (w *Watcher) listen(ctx context.Context) error {
	proc, err := w.opener.Open(ctx, w.cfg.Device, watchRate, nil)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = proc.Terminate(capture.DefaultGrace) })
	defer func() {
		stop()
		_ = proc.Terminate(capture.DefaultGrace)
	}()

	needed := int(w.cfg.Hold.Seconds() * watchRate * 2 / watchChunk)
	if needed < 1 {
		needed = 1
	}
	buf := make([]byte, watchChunk)
	loud := 0
	for {
		if _, err := io.ReadFull(proc, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: phone line capture ended", capture.ErrDeviceUnavailable)
			}
			return err
		}
		if capture.RMS(buf) > w.cfg.Threshold {
			loud++
		} else {
			loud = 0
		}
		if loud >= needed {
			return nil
		}
	}
}

func (w *Watcher) engage(ctx context.Context) error {
	w.logger.Info("speech on phone line, muting room microphone", slog.Int("card", w.cfg.RoomCard))
	w.mixer.Set(ctx, w.cfg.RoomCard, "0%")
	return w.phone.Set(true)
}

func (w *Watcher) waitCleared(ctx context.Context) bool {
	for w.phone.Active() {
		if !sleep(ctx, w.cfg.Poll) {
			return false
		}
	}
	return true
}

func (w *Watcher) release(ctx context.Context) {
	w.logger.Info("phone call over, unmuting room microphone", slog.Int("card", w.cfg.RoomCard))
	w.mixer.Set(ctx, w.cfg.RoomCard, "100%")
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
