package stt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/domain"
)

const (
	windowSeconds = 3
	// Windows quieter than this RMS level are skipped.
	energyGate = 0.005
)

// WindowedAdapter feeds fixed three-second windows of capture audio to a
// local Recognizer.
type WindowedAdapter struct {
	name       string
	recognizer func() (Recognizer, error)
}

func NewWindowedAdapter(name string, recognizer func() (Recognizer, error)) *WindowedAdapter {
	return &WindowedAdapter{name: name, recognizer: recognizer}
}

func (a *WindowedAdapter) Name() string { return a.name }

func (a *WindowedAdapter) Run(ctx context.Context, s Session) error {
	recognizer, err := a.recognizer()
	if err != nil {
		return fmt.Errorf("%s: %w", a.name, err)
	}
	s.Status(domain.Listening(a.name))

	proc, err := s.OpenCapture(ctx, offlineRate)
	if err != nil {
		return err
	}
	s.Ready()

	window := offlineRate * 2 * windowSeconds
	var buffer []byte
	err = pump(s, proc, readChunk, func(chunk []byte) error {
		buffer = append(buffer, chunk...)
		for len(buffer) >= window {
			pcm := buffer[:window]
			buffer = append([]byte(nil), buffer[window:]...)
			if capture.RMS(pcm) < energyGate {
				continue
			}
			a.transcribe(ctx, s, recognizer, pcm)
		}
		return nil
	})
	return finish(s, a.name, err)
}

func (a *WindowedAdapter) transcribe(ctx context.Context, s Session, r Recognizer, pcm []byte) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	result, err := r.Transcribe(ctx, pcm, offlineRate)
	if err != nil {
		if !s.Stopped() {
			s.Logger().Warn("window transcription failed", slog.String("adapter", a.name), slogError(err))
		}
		return
	}
	if result.Text != "" {
		s.Transcript(result.Text + " ")
	}
}
