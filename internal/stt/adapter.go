package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/domain"
)

var (
	// ErrNoCredentials means the selected provider has no API key. It is not
	// retried; the operator has to reconfigure.
	ErrNoCredentials = errors.New("no credentials configured")
	// ErrAuthOrQuota means the backend rejected the key or the account is
	// out of quota. The session falls back to an offline engine.
	ErrAuthOrQuota = errors.New("backend rejected credentials or quota exhausted")
	// ErrEngineUnavailable means a local engine binary or model is missing.
	ErrEngineUnavailable = errors.New("offline engine unavailable")
	// ErrStreamEnded is returned when audio or the backend connection ends
	// while the session was not asked to stop.
	ErrStreamEnded = errors.New("stream ended unexpectedly")
)

// Session is what an adapter sees of the supervised session it runs in.
type Session interface {
	Generation() uint64
	PhoneAudio() bool
	// Done is closed when the session is stopped or superseded.
	Done() <-chan struct{}
	Stopped() bool
	Logger() *slog.Logger

	// OpenCapture starts the capture process for the current audio route
	// and registers it as the session's active process.
	OpenCapture(ctx context.Context, sampleRate int) (capture.Process, error)
	// Attach registers a process the adapter launched itself.
	Attach(p capture.Process)

	Status(status domain.Status)
	Ready()
	// Heard records recognizer activity that is not yet displayable text.
	Heard()
	Transcript(text string)
}

// Adapter runs one backend for the lifetime of a session. Run returns nil
// only when the session was stopped; any other return is a failure.
type Adapter interface {
	Name() string
	Run(ctx context.Context, s Session) error
}

const (
	phoneRate   = 8000
	roomRate    = 16000
	offlineRate = 16000
	// 100ms of 16-bit mono audio at 16kHz.
	readChunk = 3200
)

// OnlineRate is the capture rate for cloud backends: narrowband for the
// phone line, wideband for the room microphone.
func OnlineRate(phone bool) int {
	if phone {
		return phoneRate
	}
	return roomRate
}

// finish maps the end of an audio stream to the adapter contract.
func finish(s Session, name string, err error) error {
	if s.Stopped() {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w", name, ErrStreamEnded)
	}
	return fmt.Errorf("%s: %w", name, err)
}

// pump reads fixed-size blocks from the capture process until it ends or
// the session stops, handing each block to fn. A short final block is
// delivered before the error that ended the stream.
func pump(s Session, src io.Reader, size int, fn func([]byte) error) error {
	buf := make([]byte, size)
	for {
		select {
		case <-s.Done():
			return nil
		default:
		}
		n, err := io.ReadFull(src, buf)
		if n > 0 && !s.Stopped() {
			if ferr := fn(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return err
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
