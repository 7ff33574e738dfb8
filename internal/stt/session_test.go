package stt

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/capture/capturetest"
	"github.com/loqalabs/loqa-captions/internal/domain"
)

// fakeSession records what an adapter reports and serves a fake capture
// process from OpenCapture.
type fakeSession struct {
	phone bool
	proc  *capturetest.Process

	mu       sync.Mutex
	done     chan struct{}
	stopped  bool
	rates    []int
	attached []capture.Process
	statuses []domain.Status
	texts    []string
	ready    int
	heard    int
	textCh   chan string
	readyCh  chan struct{}
}

func newFakeSession(phone bool) *fakeSession {
	return &fakeSession{
		phone:   phone,
		proc:    capturetest.NewProcess(42),
		done:    make(chan struct{}),
		textCh:  make(chan string, 64),
		readyCh: make(chan struct{}, 4),
	}
}

func (s *fakeSession) Generation() uint64    { return 1 }
func (s *fakeSession) PhoneAudio() bool      { return s.phone }
func (s *fakeSession) Done() <-chan struct{} { return s.done }
func (s *fakeSession) Logger() *slog.Logger  { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func (s *fakeSession) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *fakeSession) OpenCapture(_ context.Context, rate int) (capture.Process, error) {
	s.mu.Lock()
	s.rates = append(s.rates, rate)
	s.mu.Unlock()
	return s.proc, nil
}

func (s *fakeSession) Attach(p capture.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = append(s.attached, p)
}

func (s *fakeSession) Status(status domain.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

func (s *fakeSession) Ready() {
	s.mu.Lock()
	s.ready++
	s.mu.Unlock()
	select {
	case s.readyCh <- struct{}{}:
	default:
	}
}

func (s *fakeSession) Heard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heard++
}

func (s *fakeSession) Transcript(text string) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	s.textCh <- text
}

// stop mirrors the supervisor: flag, signal, then kill the process.
func (s *fakeSession) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.done)
	s.mu.Unlock()
	_ = s.proc.Terminate(0)
}

func (s *fakeSession) captureRates() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.rates...)
}

func (s *fakeSession) lastStatus() domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return ""
	}
	return s.statuses[len(s.statuses)-1]
}

func (s *fakeSession) waitText(t *testing.T) string {
	t.Helper()
	select {
	case text := <-s.textCh:
		return text
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for transcript")
		return ""
	}
}

func (s *fakeSession) waitReady(t *testing.T) {
	t.Helper()
	select {
	case <-s.readyCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for ready")
	}
}

// runAdapter starts a.Run in the background and returns its result channel.
func runAdapter(a Adapter, s *fakeSession) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- a.Run(context.Background(), s)
	}()
	return result
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("adapter did not return")
		return nil
	}
}

// tone returns seconds of loud S16 audio at rate.
func tone(rate int, seconds float64) []byte {
	n := int(float64(rate) * seconds)
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000)
		if (i/20)%2 == 0 {
			v = -8000
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func silence(rate int, seconds float64) []byte {
	return make([]byte, int(float64(rate)*seconds)*2)
}
