package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-captions/internal/domain"
	"github.com/loqalabs/loqa-captions/internal/stt/azure"
)

// AzureAdapter binds a continuous azure.Recognizer to the session's capture
// stream and maps its callbacks onto session events.
type AzureAdapter struct {
	key      string
	region   string
	endpoint string
	dialer   *websocket.Dialer
}

func (a *AzureAdapter) Name() string { return Azure }

func (a *AzureAdapter) Run(ctx context.Context, s Session) error {
	if strings.TrimSpace(a.key) == "" {
		return fmt.Errorf("%s: %w", Azure, ErrNoCredentials)
	}
	s.Status(domain.Listening(Azure))

	rate := OnlineRate(s.PhoneAudio())
	proc, err := s.OpenCapture(ctx, rate)
	if err != nil {
		return err
	}
	header, err := WAVHeader(rate)
	if err != nil {
		return fmt.Errorf("%s: %w", Azure, err)
	}

	recognizer, err := azure.NewRecognizer(azure.Config{
		Key:          a.key,
		Region:       a.region,
		Language:     "en-GB",
		Endpoint:     a.endpoint,
		StreamHeader: header,
		Dialer:       a.dialer,
	}, proc)
	if err != nil {
		return fmt.Errorf("%s: %w", Azure, err)
	}
	recognizer.SessionStarted = func() {
		s.Logger().Info("azure session started")
		s.Ready()
	}
	recognizer.Recognizing = func(string) {
		s.Heard()
	}
	recognizer.Recognized = func(text string) {
		s.Transcript(text + "\n")
	}
	recognizer.Canceled = func(details azure.CancellationDetails) {
		if !s.Stopped() {
			s.Logger().Warn("azure recognition canceled",
				slog.String("reason", details.Reason),
				slog.String("details", details.ErrorDetails))
		}
	}

	if err := recognizer.StartContinuousRecognition(ctx); err != nil {
		return a.classify(s, err)
	}

	select {
	case <-s.Done():
		recognizer.StopContinuousRecognition()
		return nil
	case <-ctx.Done():
		recognizer.StopContinuousRecognition()
		return finish(s, Azure, ctx.Err())
	case <-recognizer.Done():
	}
	if details, ok := recognizer.Cancellation(); ok {
		return a.classify(s, details)
	}
	return finish(s, Azure, nil)
}

func (a *AzureAdapter) classify(s Session, err error) error {
	if s.Stopped() {
		return nil
	}
	var details azure.CancellationDetails
	if errors.As(err, &details) && details.AuthOrQuota() {
		return fmt.Errorf("%s: %w: %s", Azure, ErrAuthOrQuota, details.ErrorDetails)
	}
	return finish(s, Azure, err)
}
