package stt

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/capture/capturetest"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/domain"
)

func TestBackendForFallsBackToDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.STTProvider = "Azure"
	cfg.OfflineModel = "whisper-cpp"
	f := NewFactory(cfg, nil)
	if got := f.BackendFor(domain.ModeOnline); got != Azure {
		t.Fatalf("expected azure, got %s", got)
	}
	if got := f.BackendFor(domain.ModeOffline); got != WhisperCpp {
		t.Fatalf("expected whisper-cpp, got %s", got)
	}

	cfg.STTProvider = "watson"
	cfg.OfflineModel = "kaldi"
	f = NewFactory(cfg, nil)
	if got := f.Select(domain.ModeOnline).Name(); got != Deepgram {
		t.Fatalf("unknown provider should select deepgram, got %s", got)
	}
	if got := f.Select(domain.ModeOffline).Name(); got != FasterWhisper {
		t.Fatalf("unknown engine should select faster-whisper, got %s", got)
	}
}

func TestNewCoversEveryBackend(t *testing.T) {
	f := NewFactory(config.Default(), nil)
	for _, name := range []string{Deepgram, AssemblyAI, Azure, Google, OpenAI, Groq, Interfaze, FasterWhisper, WhisperCpp, Vosk} {
		if got := f.New(name).Name(); got != name {
			t.Fatalf("New(%s) built %s", name, got)
		}
	}
}

func TestFallbackRules(t *testing.T) {
	cfg := config.Default()
	cfg.OfflineModel = FasterWhisper
	f := NewFactory(cfg, nil)

	next, ok := f.Fallback(Deepgram, fmt.Errorf("deepgram: %w", ErrAuthOrQuota))
	if !ok || next.Name() != FasterWhisper {
		t.Fatalf("quota failure should fall back to the offline engine, got %v %v", next, ok)
	}
	next, ok = f.Fallback(FasterWhisper, fmt.Errorf("%w: missing", ErrEngineUnavailable))
	if !ok || next.Name() != Vosk {
		t.Fatalf("missing engine should fall back to vosk, got %v %v", next, ok)
	}
	if _, ok := f.Fallback(Vosk, ErrEngineUnavailable); ok {
		t.Fatalf("vosk must not fall back to itself")
	}
	if _, ok := f.Fallback(Deepgram, ErrStreamEnded); ok {
		t.Fatalf("transient errors restart instead of falling back")
	}
}

type fakeRecognizer struct {
	mu    sync.Mutex
	calls int
	rates []int
}

func (r *fakeRecognizer) Transcribe(_ context.Context, pcm []byte, rate int) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.rates = append(r.rates, rate)
	return TranscriptResult{Text: fmt.Sprintf("window %d", r.calls)}, nil
}

func (r *fakeRecognizer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestWindowedAdapterGatesSilence(t *testing.T) {
	rec := &fakeRecognizer{}
	a := NewWindowedAdapter(FasterWhisper, func() (Recognizer, error) { return rec, nil })

	s := newFakeSession(true)
	result := runAdapter(a, s)
	s.waitReady(t)

	s.proc.Feed(silence(offlineRate, windowSeconds))
	s.proc.Feed(tone(offlineRate, windowSeconds))
	if got := s.waitText(t); got != "window 1 " {
		t.Fatalf("unexpected transcript %q", got)
	}
	if rec.count() != 1 {
		t.Fatalf("silent window should not reach the recognizer, got %d calls", rec.count())
	}
	if rates := s.captureRates(); len(rates) != 1 || rates[0] != offlineRate {
		t.Fatalf("offline capture must be 16kHz even on phone audio, got %v", rates)
	}

	s.stop()
	if err := waitResult(t, result); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestWindowedAdapterReportsCaptureEnd(t *testing.T) {
	a := NewWindowedAdapter(FasterWhisper, func() (Recognizer, error) { return &fakeRecognizer{}, nil })
	s := newFakeSession(false)
	result := runAdapter(a, s)
	s.waitReady(t)
	s.proc.Exit()
	if err := waitResult(t, result); !errors.Is(err, ErrStreamEnded) {
		t.Fatalf("expected ErrStreamEnded, got %v", err)
	}
}

func TestExecRecognizerMissingCommand(t *testing.T) {
	_, err := NewExecRecognizer("definitely-not-a-transcriber --fast", "tiny.en", "en")
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
}

func TestCleanEngineLine(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"\x1b[2K\x1b[0m Hello there.\n", "Hello there.", true},
		{"[2K  second line", "second line", true},
		{"[BLANK_AUDIO]", "", false},
		{" (INAUDIBLE) ", "", false},
		{"init: attempt to open capture device 0", "", false},
		{"whisper_init_from_file: loading model", "", false},
		{"main: processing 48000 samples", "", false},
		{"[00:00.000 --> 00:03.000]", "", false},
		{"   ", "", false},
	}
	for _, tc := range cases {
		got, ok := CleanEngineLine(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("CleanEngineLine(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestWhisperCppArgsAndMissingModel(t *testing.T) {
	launcher := &capturetest.Launcher{}
	dir := t.TempDir()
	a := NewWhisperCppAdapter(filepath.Join(dir, "whisper-stream"), filepath.Join(dir, "model.bin"), "en", launcher)

	args := strings.Join(a.Args(true), " ")
	if !strings.Contains(args, "-c 0") || !strings.Contains(args, "--step 3000") || !strings.Contains(args, "--length 5000") {
		t.Fatalf("unexpected phone args %q", args)
	}
	if !strings.Contains(strings.Join(a.Args(false), " "), "-c 1") {
		t.Fatalf("room audio should use device index 1")
	}

	s := newFakeSession(false)
	if err := waitResult(t, runAdapter(a, s)); !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
	if launcher.Launched() != 0 {
		t.Fatalf("engine must not be launched without its files")
	}
}

func TestEncodeContainers(t *testing.T) {
	pcm := tone(16000, 0.5)

	wavData, err := EncodeWAV(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if string(wavData[:4]) != "RIFF" || string(wavData[8:12]) != "WAVE" || len(wavData) != 44+len(pcm) {
		t.Fatalf("unexpected wav layout: %q len=%d", wavData[:12], len(wavData))
	}

	header, err := WAVHeader(8000)
	if err != nil || len(header) != 44 {
		t.Fatalf("expected a bare 44 byte header, got %d (%v)", len(header), err)
	}

	flacData, err := EncodeFLAC(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeFLAC: %v", err)
	}
	if string(flacData[:4]) != "fLaC" {
		t.Fatalf("missing flac signature")
	}

	if _, err := EncodeWAV([]byte{1, 2, 3}, 16000); err == nil {
		t.Fatalf("expected odd-length pcm to be rejected")
	}
	if capture.RMS(silence(16000, 0.1)) != 0 {
		t.Fatalf("silence should have zero energy")
	}
	if level := capture.RMS(tone(16000, 0.1)); level < 0.2 || level > 0.3 {
		t.Fatalf("unexpected tone level %f", level)
	}
}
