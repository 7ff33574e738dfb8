package activity

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/capture/capturetest"
)

type levelCall struct {
	card  int
	level string
}

type fakeMixer struct {
	mu    sync.Mutex
	calls []levelCall
}

func (m *fakeMixer) Set(_ context.Context, card int, level string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, levelCall{card, level})
}

func (m *fakeMixer) Calls() []levelCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]levelCall(nil), m.calls...)
}

// pcm returns seconds of 8kHz audio, a square wave at amp or silence.
func pcm(seconds float64, amp int16) []byte {
	n := int(seconds * 8000)
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amp
		if i%20 < 10 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

type watchFixture struct {
	launcher *capturetest.Launcher
	mixer    *fakeMixer
	phone    *Indicator
	cancel   context.CancelFunc
	done     chan error
}

func startWatcher(t *testing.T, onLaunch func(n int, p *capturetest.Process)) *watchFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	launcher := &capturetest.Launcher{OnLaunch: onLaunch}
	rec, err := capture.NewRecorder("arecord", 1, launcher, clockwork.NewFakeClock(), logger)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	rec.WithDelays(0, 0)
	f := &watchFixture{
		launcher: launcher,
		mixer:    &fakeMixer{},
		phone:    New(filepath.Join(t.TempDir(), "phone_muted")),
		done:     make(chan error, 1),
	}
	cfg := DefaultWatchConfig("hw:0,0")
	cfg.Poll = 5 * time.Millisecond
	cfg.Settle = 0
	cfg.RetryDelay = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	w := NewWatcher(cfg, rec, f.mixer, f.phone, logger)
	go func() { f.done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.done:
		case <-time.After(2 * time.Second):
			t.Error("watcher did not stop")
		}
	})
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestWatcherMutesRoomDuringCall(t *testing.T) {
	f := startWatcher(t, func(n int, p *capturetest.Process) {
		if n == 1 {
			p.Feed(pcm(0.5, 0))
			p.Feed(pcm(2.5, 8000))
		}
	})

	waitFor(t, "phone indicator", f.phone.Active)
	calls := f.mixer.Calls()
	if len(calls) != 1 || calls[0] != (levelCall{1, "0%"}) {
		t.Fatalf("expected room card muted, got %+v", calls)
	}
	argv := f.launcher.Argv(1)
	if argv[2] != "hw:0,0" || argv[6] != "8000" {
		t.Fatalf("unexpected capture argv %v", argv)
	}
	if f.launcher.Live() != 0 {
		t.Fatalf("phone line still held by the watcher")
	}

	if err := f.phone.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	waitFor(t, "room unmute", func() bool { return len(f.mixer.Calls()) == 2 })
	if got := f.mixer.Calls()[1]; got != (levelCall{1, "100%"}) {
		t.Fatalf("expected room card restored, got %+v", got)
	}
	waitFor(t, "listening again", func() bool { return f.launcher.Launched() == 2 })
}

func TestWatcherIgnoresShortBursts(t *testing.T) {
	f := startWatcher(t, func(n int, p *capturetest.Process) {
		if n == 1 {
			p.Feed(pcm(1.5, 8000))
			p.Feed(pcm(0.5, 0))
			p.Feed(pcm(1.5, 8000))
			p.Exit()
		}
	})

	waitFor(t, "capture retry", func() bool { return f.launcher.Launched() >= 2 })
	if f.phone.Active() {
		t.Fatal("short bursts raised the phone indicator")
	}
	if calls := f.mixer.Calls(); len(calls) != 0 {
		t.Fatalf("unexpected mixer calls %+v", calls)
	}
}
