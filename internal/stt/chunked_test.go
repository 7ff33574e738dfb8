package stt

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-captions/internal/config"
)

func TestOpenAIUploadsWAVChunks(t *testing.T) {
	type upload struct {
		auth     string
		model    string
		language string
		filename string
		header   []byte
	}
	uploads := make(chan upload, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		head := make([]byte, 12)
		_, _ = io.ReadFull(file, head)
		uploads <- upload{
			auth:     r.Header.Get("Authorization"),
			model:    r.FormValue("model"),
			language: r.FormValue("language"),
			filename: hdr.Filename,
			header:   head,
		}
		_, _ = w.Write([]byte(`{"text":" hello world "}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.OpenAIKey = "sk-test"
	factory := NewFactory(cfg, nil).WithEndpoints(Endpoints{OpenAI: srv.URL})

	s := newFakeSession(false)
	result := runAdapter(factory.New(OpenAI), s)
	s.waitReady(t)
	s.proc.Feed(tone(16000, chunkSeconds))

	if got := s.waitText(t); got != "hello world\n" {
		t.Fatalf("unexpected transcript %q", got)
	}
	up := <-uploads
	if up.auth != "Bearer sk-test" || up.model != "whisper-1" || up.language != "en" {
		t.Fatalf("unexpected upload fields %+v", up)
	}
	if up.filename != "chunk.wav" || string(up.header[:4]) != "RIFF" || string(up.header[8:12]) != "WAVE" {
		t.Fatalf("expected a WAV upload, got %s %q", up.filename, up.header)
	}

	s.stop()
	if err := waitResult(t, result); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestGroqUploadsFLAC(t *testing.T) {
	magic := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		head := make([]byte, 4)
		_, _ = io.ReadFull(file, head)
		magic <- hdr.Filename + ":" + string(head) + ":" + r.FormValue("model")
		_, _ = w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.GroqKey = "gsk"
	factory := NewFactory(cfg, nil).WithEndpoints(Endpoints{Groq: srv.URL})

	s := newFakeSession(false)
	result := runAdapter(factory.New(Groq), s)
	s.waitReady(t)
	s.proc.Feed(tone(16000, chunkSeconds))
	s.waitText(t)
	if got := <-magic; got != "chunk.flac:fLaC:whisper-large-v3" {
		t.Fatalf("unexpected upload %q", got)
	}
	s.stop()
	waitResult(t, result)
}

func TestGoogleSendsLinear16AtCaptureRate(t *testing.T) {
	requests := make(chan googleRequest, 2)
	keys := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req googleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		keys <- r.URL.Query().Get("key")
		requests <- req
		_, _ = w.Write([]byte(`{"results":[{"alternatives":[{"transcript":"good"}]},{"alternatives":[{"transcript":"morning"}]}]}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.GoogleKey = "gkey"
	factory := NewFactory(cfg, nil).WithEndpoints(Endpoints{Google: srv.URL})

	s := newFakeSession(true)
	result := runAdapter(factory.New(Google), s)
	s.waitReady(t)
	s.proc.Feed(tone(8000, chunkSeconds))

	if got := s.waitText(t); got != "good morning\n" {
		t.Fatalf("unexpected transcript %q", got)
	}
	req := <-requests
	if req.Config.SampleRateHertz != 8000 || req.Config.Encoding != "LINEAR16" || req.Config.LanguageCode != "en-GB" {
		t.Fatalf("unexpected config %+v", req.Config)
	}
	audio, err := base64.StdEncoding.DecodeString(req.Audio.Content)
	if err != nil || len(audio) != 8000*2*chunkSeconds {
		t.Fatalf("expected one raw chunk, got %d bytes (%v)", len(audio), err)
	}
	if got := <-keys; got != "gkey" {
		t.Fatalf("unexpected key %q", got)
	}
	s.stop()
	waitResult(t, result)
}

func TestChunkedRejectedKeyEndsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.InterfazeKey = "bad"
	factory := NewFactory(cfg, nil).WithEndpoints(Endpoints{Interfaze: srv.URL})

	s := newFakeSession(false)
	result := runAdapter(factory.New(Interfaze), s)
	s.waitReady(t)
	s.proc.Feed(tone(16000, chunkSeconds))

	if err := waitResult(t, result); !errors.Is(err, ErrAuthOrQuota) {
		t.Fatalf("expected ErrAuthOrQuota, got %v", err)
	}
}

func TestChunkedServerErrorsAreSkipped(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"text":"second"}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.OpenAIKey = "sk"
	factory := NewFactory(cfg, nil).WithEndpoints(Endpoints{OpenAI: srv.URL})

	s := newFakeSession(false)
	result := runAdapter(factory.New(OpenAI), s)
	s.waitReady(t)
	s.proc.Feed(tone(16000, 2*chunkSeconds))

	if got := s.waitText(t); got != "second\n" {
		t.Fatalf("expected the second chunk to be transcribed, got %q", got)
	}
	s.stop()
	if err := waitResult(t, result); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}
