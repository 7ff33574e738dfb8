package stt

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-captions/internal/config"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDeepgramStreamsAudioAndEmitsTranscripts(t *testing.T) {
	upgrader := websocket.Upgrader{}
	auth := make(chan string, 1)
	query := make(chan url.Values, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		query <- r.URL.Query()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		kind, _, err := conn.ReadMessage()
		if err != nil || kind != websocket.BinaryMessage {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"speech_final":false,"channel":{"alternatives":[{"transcript":"hello"}]}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"world"}]}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.DeepgramKey = "secret"
	factory := NewFactory(cfg, nil).WithEndpoints(Endpoints{Deepgram: wsURL(srv)})

	s := newFakeSession(true)
	result := runAdapter(factory.New(Deepgram), s)
	s.waitReady(t)
	s.proc.Feed(silence(8000, 0.5))

	if got := s.waitText(t); got != "hello " {
		t.Fatalf("expected interim text, got %q", got)
	}
	if got := s.waitText(t); got != "world\n" {
		t.Fatalf("expected final text with newline, got %q", got)
	}
	s.stop()
	if err := waitResult(t, result); err != nil {
		t.Fatalf("expected clean return after stop, got %v", err)
	}

	if got := <-auth; got != "Token secret" {
		t.Fatalf("unexpected authorization header %q", got)
	}
	q := <-query
	if q.Get("sample_rate") != "8000" || q.Get("language") != "en-GB" || q.Get("encoding") != "linear16" {
		t.Fatalf("unexpected query %v", q)
	}
	if rates := s.captureRates(); len(rates) != 1 || rates[0] != 8000 {
		t.Fatalf("expected phone capture at 8000Hz, got %v", rates)
	}
	if s.lastStatus() != "deepgram" {
		t.Fatalf("expected listening status, got %q", s.lastStatus())
	}
}

func TestSocketHandshakeRejectionIsAuthOrQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient credits", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.AssemblyAIKey = "key"
	factory := NewFactory(cfg, nil).WithEndpoints(Endpoints{AssemblyAI: wsURL(srv)})

	s := newFakeSession(false)
	err := waitResult(t, runAdapter(factory.New(AssemblyAI), s))
	if !errors.Is(err, ErrAuthOrQuota) {
		t.Fatalf("expected ErrAuthOrQuota, got %v", err)
	}
}

func TestSocketPolicyCloseIsAuthOrQuota(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid key"))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.DeepgramKey = "bad"
	factory := NewFactory(cfg, nil).WithEndpoints(Endpoints{Deepgram: wsURL(srv)})

	s := newFakeSession(false)
	err := waitResult(t, runAdapter(factory.New(Deepgram), s))
	if !errors.Is(err, ErrAuthOrQuota) {
		t.Fatalf("expected ErrAuthOrQuota, got %v", err)
	}
	if !s.proc.Terminated() {
		t.Fatalf("expected capture process to be terminated when the connection dropped")
	}
}

func TestSocketWithoutKeyNeedsCredentials(t *testing.T) {
	s := newFakeSession(false)
	err := waitResult(t, runAdapter(NewFactory(config.Default(), nil).New(Deepgram), s))
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
	if len(s.captureRates()) != 0 {
		t.Fatalf("capture must not be opened without credentials")
	}
}

func TestVoskUnreachableIsEngineUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := wsURL(srv)
	srv.Close()

	cfg := config.Default()
	cfg.Engines.VoskURL = endpoint
	s := newFakeSession(true)
	err := waitResult(t, runAdapter(NewFactory(cfg, nil).New(Vosk), s))
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
	if rates := s.captureRates(); len(rates) != 1 || rates[0] != 16000 {
		t.Fatalf("offline engines always capture at 16000Hz, got %v", rates)
	}
}

func TestAssemblyAIDecodeEmitsFormattedTurnsOnly(t *testing.T) {
	decode := assemblyAIProtocol("", "key").decode

	text, heard, err := decode([]byte(`{"type":"Turn","transcript":"hello there","end_of_turn":false}`))
	if err != nil || text != "" || !heard {
		t.Fatalf("partial turn: text=%q heard=%v err=%v", text, heard, err)
	}
	text, _, err = decode([]byte(`{"type":"Turn","transcript":"hello there","end_of_turn":true,"turn_is_formatted":false}`))
	if err != nil || text != "" {
		t.Fatalf("unformatted end of turn should wait for formatted copy, got %q", text)
	}
	text, _, err = decode([]byte(`{"type":"Turn","transcript":"Hello there.","end_of_turn":true,"turn_is_formatted":true}`))
	if err != nil || text != "Hello there.\n" {
		t.Fatalf("formatted turn: text=%q err=%v", text, err)
	}
	if _, _, err := decode([]byte(`{"error":"Insufficient account balance"}`)); !errors.Is(err, ErrAuthOrQuota) {
		t.Fatalf("expected balance error to be auth/quota, got %v", err)
	}
}

func TestVoskDecode(t *testing.T) {
	decode := voskProtocol("ws://localhost:2700").decode
	text, heard, _ := decode([]byte(`{"partial":"hel"}`))
	if text != "" || !heard {
		t.Fatalf("partial: text=%q heard=%v", text, heard)
	}
	text, _, _ = decode([]byte(`{"text":"hello"}`))
	if text != "hello\n" {
		t.Fatalf("final: %q", text)
	}
	text, heard, _ = decode([]byte(`{"text":""}`))
	if text != "" || heard {
		t.Fatalf("empty result should be ignored, got %q heard=%v", text, heard)
	}
}
