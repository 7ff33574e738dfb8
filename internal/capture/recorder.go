package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mattn/go-shellwords"
)

// ErrDeviceUnavailable is returned when the capture process cannot be kept
// running after every attempt.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

const (
	liveCheckDelay = 300 * time.Millisecond
	retryBackoff   = time.Second
)

// Recorder opens raw PCM capture processes (arecord by default) on a device.
type Recorder struct {
	command   []string
	attempts  int
	launcher  Launcher
	clock     clockwork.Clock
	liveCheck time.Duration
	backoff   time.Duration
	logger    *slog.Logger
}

func NewRecorder(command string, attempts int, launcher Launcher, clk clockwork.Clock, logger *slog.Logger) (*Recorder, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("capture command is empty")
	}
	if attempts <= 0 {
		attempts = 1
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Recorder{
		command:   args,
		attempts:  attempts,
		launcher:  launcher,
		clock:     clk,
		liveCheck: liveCheckDelay,
		backoff:   retryBackoff,
		logger:    logger.With(slog.String("component", "capture")),
	}, nil
}

// WithDelays replaces the pause before the liveness check and the pause
// between attempts. Zero skips the pause.
func (r *Recorder) WithDelays(liveCheck, backoff time.Duration) *Recorder {
	r.liveCheck = liveCheck
	r.backoff = backoff
	return r
}

// Args returns the full argv used to capture mono S16_LE at rate from device.
func (r *Recorder) Args(device string, rate int) []string {
	argv := append([]string{}, r.command...)
	return append(argv,
		"-D", device,
		"-f", "S16_LE",
		"-r", strconv.Itoa(rate),
		"-c", "1",
		"-t", "raw",
		"-q",
	)
}

// Open starts a capture process and returns once it has survived the
// liveness check. Every spawned process is handed to attach before the
// check so the caller always owns whatever is running; failed attempts are
// terminated here.
func (r *Recorder) Open(ctx context.Context, device string, rate int, attach func(Process)) (Process, error) {
	argv := r.Args(device, rate)
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		proc, err := r.launcher.Launch(ctx, argv, nil)
		if err != nil {
			lastErr = err
			r.logger.Warn("capture launch failed",
				slog.String("device", device),
				slog.Int("attempt", attempt),
				slogError(err))
		} else {
			if attach != nil {
				attach(proc)
			}
			r.pause(r.liveCheck)
			if proc.Alive() {
				r.logger.Info("capture ready",
					slog.String("device", device),
					slog.Int("rate", rate),
					slog.Int("pid", proc.PID()),
					slog.Int("attempt", attempt))
				return proc, nil
			}
			lastErr = fmt.Errorf("exited early: %s", proc.Stderr())
			r.logger.Warn("capture exited early",
				slog.String("device", device),
				slog.Int("attempt", attempt),
				slog.String("stderr", proc.Stderr()))
			_ = proc.Terminate(0)
		}
		if attempt < r.attempts {
			r.pause(r.backoff)
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrDeviceUnavailable, device, r.attempts, lastErr)
}

func (r *Recorder) pause(d time.Duration) {
	if d > 0 {
		r.clock.Sleep(d)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
