package stt

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/domain"
)

// Backend names as they appear in the configuration document.
const (
	Deepgram   = "deepgram"
	AssemblyAI = "assemblyai"
	Azure      = "azure"
	Google     = "google"
	OpenAI     = "openai"
	Groq       = "groq"
	Interfaze  = "interfaze"

	FasterWhisper = "faster-whisper"
	WhisperCpp    = "whisper-cpp"
	Vosk          = "vosk"
)

// Endpoints holds the remote URLs of the cloud backends.
type Endpoints struct {
	Deepgram   string
	AssemblyAI string
	// Azure is empty to derive the regional endpoint.
	Azure     string
	Google    string
	OpenAI    string
	Groq      string
	Interfaze string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		Deepgram:   "wss://api.deepgram.com/v1/listen",
		AssemblyAI: "wss://streaming.assemblyai.com/v3/ws",
		Google:     "https://speech.googleapis.com/v1/speech:recognize",
		OpenAI:     "https://api.openai.com/v1/audio/transcriptions",
		Groq:       "https://api.groq.com/openai/v1/audio/transcriptions",
		Interfaze:  "https://api.interfaze.ai/v1/audio/transcriptions",
	}
}

// OnlineBackend reports whether name is one of the cloud backends.
func OnlineBackend(name string) bool {
	switch name {
	case Deepgram, AssemblyAI, Azure, Google, OpenAI, Groq, Interfaze:
		return true
	}
	return false
}

// OfflineBackend reports whether name is one of the local engines.
func OfflineBackend(name string) bool {
	switch name {
	case FasterWhisper, WhisperCpp, Vosk:
		return true
	}
	return false
}

// Factory builds adapters from configuration.
type Factory struct {
	cfg       config.Config
	launcher  capture.Launcher
	client    *http.Client
	dialer    *websocket.Dialer
	endpoints Endpoints
}

func NewFactory(cfg config.Config, launcher capture.Launcher) *Factory {
	return &Factory{
		cfg:       cfg,
		launcher:  launcher,
		client:    &http.Client{},
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		endpoints: DefaultEndpoints(),
	}
}

func (f *Factory) WithEndpoints(e Endpoints) *Factory {
	f.endpoints = e
	return f
}

func (f *Factory) WithHTTPClient(client *http.Client) *Factory {
	if client != nil {
		f.client = client
	}
	return f
}

// BackendFor names the configured backend for mode. Unknown online names
// fall back to deepgram and unknown offline names to faster-whisper.
func (f *Factory) BackendFor(mode domain.Mode) string {
	if mode == domain.ModeOffline {
		name := strings.ToLower(strings.TrimSpace(f.cfg.OfflineModel))
		if OfflineBackend(name) {
			return name
		}
		return FasterWhisper
	}
	name := strings.ToLower(strings.TrimSpace(f.cfg.STTProvider))
	if OnlineBackend(name) {
		return name
	}
	return Deepgram
}

// Select returns the configured adapter for mode.
func (f *Factory) Select(mode domain.Mode) Adapter {
	return f.New(f.BackendFor(mode))
}

// New builds the adapter called name. Names outside the known set resolve
// to deepgram.
func (f *Factory) New(name string) Adapter {
	switch name {
	case Deepgram:
		return &SocketAdapter{proto: deepgramProtocol(f.endpoints.Deepgram, f.cfg.DeepgramKey), key: f.cfg.DeepgramKey, dialer: f.dialer}
	case AssemblyAI:
		return &SocketAdapter{proto: assemblyAIProtocol(f.endpoints.AssemblyAI, f.cfg.AssemblyAIKey), key: f.cfg.AssemblyAIKey, dialer: f.dialer}
	case Azure:
		return &AzureAdapter{key: f.cfg.AzureKey, region: f.cfg.AzureRegion, endpoint: f.endpoints.Azure, dialer: f.dialer}
	case Google:
		return f.chunked(Google, f.cfg.GoogleKey, 10*time.Second, googleTranscriber(f.endpoints.Google, f.cfg.GoogleKey))
	case OpenAI:
		return f.chunked(OpenAI, f.cfg.OpenAIKey, 15*time.Second,
			whisperAPITranscriber(f.endpoints.OpenAI, f.cfg.OpenAIKey, "whisper-1", wavContainer))
	case Groq:
		return f.chunked(Groq, f.cfg.GroqKey, 15*time.Second,
			whisperAPITranscriber(f.endpoints.Groq, f.cfg.GroqKey, "whisper-large-v3", flacContainer))
	case Interfaze:
		return f.chunked(Interfaze, f.cfg.InterfazeKey, 15*time.Second,
			whisperAPITranscriber(f.endpoints.Interfaze, f.cfg.InterfazeKey, "interfaze-beta", wavContainer))
	case FasterWhisper:
		engines := f.cfg.Engines
		return NewWindowedAdapter(FasterWhisper, func() (Recognizer, error) {
			return NewExecRecognizer(engines.FasterWhisperCmd, engines.FasterWhisperModel, engines.Language)
		})
	case WhisperCpp:
		return NewWhisperCppAdapter(f.cfg.Engines.WhisperCppBinary, f.cfg.Engines.WhisperCppModel, f.cfg.Engines.Language, f.launcher)
	case Vosk:
		return &SocketAdapter{proto: voskProtocol(f.cfg.Engines.VoskURL), dialer: f.dialer}
	default:
		return f.New(Deepgram)
	}
}

func (f *Factory) chunked(name, key string, timeout time.Duration, fn transcribeFunc) *ChunkedAdapter {
	return &ChunkedAdapter{name: name, key: key, timeout: timeout, client: f.client, transcribe: fn}
}

// Fallback picks the adapter to continue the same session with after
// failed returned err. Rejected credentials move to the configured offline
// engine; a missing local engine moves to vosk. ok is false when the error
// calls for a normal restart instead.
func (f *Factory) Fallback(failed string, err error) (Adapter, bool) {
	var next string
	switch {
	case errors.Is(err, ErrAuthOrQuota):
		next = f.BackendFor(domain.ModeOffline)
		if next == failed {
			next = Vosk
		}
	case errors.Is(err, ErrEngineUnavailable):
		next = Vosk
	default:
		return nil, false
	}
	if next == failed {
		return nil, false
	}
	return f.New(next), true
}
