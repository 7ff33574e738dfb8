package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrInvalidDocument marks a configuration document that exists but could
// not be parsed. Load still returns usable defaults alongside it.
var ErrInvalidDocument = errors.New("invalid configuration document")

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level" toml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure" toml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces" toml:"stdout_traces"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Bind    string `yaml:"bind" toml:"bind"`
	Port    int    `yaml:"port" toml:"port"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	Embedded       bool     `yaml:"embedded" toml:"embedded"`
	Host           string   `yaml:"host" toml:"host"`
	Port           int      `yaml:"port" toml:"port"`
	StoreDir       string   `yaml:"store_dir" toml:"store_dir"`
	Servers        []string `yaml:"servers" toml:"servers"`
	Username       string   `yaml:"username" toml:"username"`
	Password       string   `yaml:"password" toml:"password"`
	Token          string   `yaml:"token" toml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure" toml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix" toml:"subject_prefix"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path" toml:"path"`
	RetentionMode string `yaml:"retention_mode" toml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions" toml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start" toml:"vacuum_on_start"`
}

// AudioConfig describes how capture devices are found and opened.
type AudioConfig struct {
	CaptureCommand   string   `yaml:"capture_command" toml:"capture_command"`
	ListCommand      string   `yaml:"list_command" toml:"list_command"`
	MixerCommand     string   `yaml:"mixer_command" toml:"mixer_command"`
	MixerControl     string   `yaml:"mixer_control" toml:"mixer_control"`
	MixerCards       int      `yaml:"mixer_cards" toml:"mixer_cards"`
	RoomPreferences  []string `yaml:"room_preferences" toml:"room_preferences"`
	PhonePreferences []string `yaml:"phone_preferences" toml:"phone_preferences"`
	RoomFallback     string   `yaml:"room_fallback" toml:"room_fallback"`
	PhoneFallback    string   `yaml:"phone_fallback" toml:"phone_fallback"`
	OpenAttempts     int      `yaml:"open_attempts" toml:"open_attempts"`
}

// EnginesConfig locates the local offline engines.
type EnginesConfig struct {
	Language           string `yaml:"language" toml:"language"`
	FasterWhisperCmd   string `yaml:"faster_whisper_command" toml:"faster_whisper_command"`
	FasterWhisperModel string `yaml:"faster_whisper_model" toml:"faster_whisper_model"`
	WhisperCppBinary   string `yaml:"whisper_cpp_binary" toml:"whisper_cpp_binary"`
	WhisperCppModel    string `yaml:"whisper_cpp_model" toml:"whisper_cpp_model"`
	VoskURL            string `yaml:"vosk_url" toml:"vosk_url"`
}

// SupervisorConfig holds the supervision timings in milliseconds.
type SupervisorConfig struct {
	MaxRestarts      int `yaml:"max_restarts" toml:"max_restarts"`
	HealthIntervalMS int `yaml:"health_interval_ms" toml:"health_interval_ms"`
	StaleAfterMS     int `yaml:"stale_after_ms" toml:"stale_after_ms"`
	RouterPollMS     int `yaml:"router_poll_ms" toml:"router_poll_ms"`
	PhoneSilenceMS   int `yaml:"phone_silence_ms" toml:"phone_silence_ms"`
}

type ActivityConfig struct {
	PhoneFile string `yaml:"phone_file" toml:"phone_file"`
	MuteFile  string `yaml:"mute_file" toml:"mute_file"`
}

// Config is the daemon configuration. The flat provider keys match the
// document written by the setup form, so a bare JSON document of those
// keys loads unchanged.
type Config struct {
	RuntimeName string `yaml:"runtime_name" toml:"runtime_name"`
	Environment string `yaml:"environment" toml:"environment"`
	// Mode is the transcription mode started at boot, online or offline.
	Mode string `yaml:"mode" toml:"mode"`

	STTProvider   string `yaml:"stt_provider" toml:"stt_provider"`
	OfflineModel  string `yaml:"offline_model" toml:"offline_model"`
	DeepgramKey   string `yaml:"deepgram_key" toml:"deepgram_key"`
	AssemblyAIKey string `yaml:"assemblyai_key" toml:"assemblyai_key"`
	AzureKey      string `yaml:"azure_key" toml:"azure_key"`
	AzureRegion   string `yaml:"azure_region" toml:"azure_region"`
	GoogleKey     string `yaml:"google_key" toml:"google_key"`
	OpenAIKey     string `yaml:"openai_key" toml:"openai_key"`
	GroqKey       string `yaml:"groq_key" toml:"groq_key"`
	InterfazeKey  string `yaml:"interfaze_key" toml:"interfaze_key"`
	RoomDevice    string `yaml:"room_device" toml:"room_device"`
	PhoneDevice   string `yaml:"phone_device" toml:"phone_device"`

	HTTP       HTTPConfig       `yaml:"http" toml:"http"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
	Bus        BusConfig        `yaml:"bus" toml:"bus"`
	EventStore EventStoreConfig `yaml:"event_store" toml:"event_store"`
	Audio      AudioConfig      `yaml:"audio" toml:"audio"`
	Engines    EnginesConfig    `yaml:"engines" toml:"engines"`
	Supervisor SupervisorConfig `yaml:"supervisor" toml:"supervisor"`
	Activity   ActivityConfig   `yaml:"activity" toml:"activity"`
}

func Default() Config {
	return Config{
		RuntimeName:  "loqa-captions",
		Environment:  "production",
		Mode:         "online",
		STTProvider:  "deepgram",
		OfflineModel: "faster-whisper",
		AzureRegion:  "uksouth",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8089,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "captions",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/captions.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxSessions:   500,
		},
		Audio: AudioConfig{
			CaptureCommand:   "arecord",
			ListCommand:      "arecord -l",
			MixerCommand:     "amixer",
			MixerControl:     "Mic",
			MixerCards:       3,
			RoomPreferences:  []string{"tonor", "usb"},
			PhonePreferences: []string{"0x4d9", "2832", "phone"},
			RoomFallback:     "hw:1,0",
			PhoneFallback:    "hw:0,0",
			OpenAttempts:     4,
		},
		Engines: EnginesConfig{
			Language:           "en",
			FasterWhisperCmd:   "faster-whisper-transcribe",
			FasterWhisperModel: "tiny.en",
			WhisperCppBinary:   "~/whisper.cpp/build/bin/whisper-stream",
			WhisperCppModel:    "~/whisper.cpp/models/ggml-base.en-q5_0.bin",
			VoskURL:            "ws://localhost:2700",
		},
		Supervisor: SupervisorConfig{
			MaxRestarts:      5,
			HealthIntervalMS: 5000,
			StaleAfterMS:     120000,
			RouterPollMS:     500,
			PhoneSilenceMS:   10000,
		},
		Activity: ActivityConfig{
			PhoneFile: "/tmp/phone_muted",
			MuteFile:  "/tmp/captions_muted",
		},
	}
}

// Load reads the document at path over the defaults. A missing document is
// not an error. A document that cannot be read or parsed, or that fails
// validation, yields the defaults together with an error wrapping
// ErrInvalidDocument, which callers treat as a warning. Only an invalid
// environment override on top of the defaults is fatal.
func Load(path string) (Config, error) {
	cfg := Default()

	var docErr error
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			cfg = Default()
			docErr = err
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		if docErr != nil || path == "" {
			return cfg, err
		}
		docErr = fmt.Errorf("%w: %s: %v", ErrInvalidDocument, path, err)
		cfg = Default()
		applyEnvOverrides(&cfg)
		if err := validate(cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, docErr
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: read %s: %v", ErrInvalidDocument, path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidDocument, path, err)
		}
	default:
		// yaml.v3 also accepts JSON documents.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidDocument, path, err)
		}
	}
	return nil
}

// Credential returns the API key configured for an online provider.
func (c Config) Credential(provider string) string {
	switch provider {
	case "deepgram":
		return c.DeepgramKey
	case "assemblyai":
		return c.AssemblyAIKey
	case "azure":
		return c.AzureKey
	case "google":
		return c.GoogleKey
	case "openai":
		return c.OpenAIKey
	case "groq":
		return c.GroqKey
	case "interfaze":
		return c.InterfazeKey
	default:
		return ""
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "CAPTIONS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "CAPTIONS_ENVIRONMENT")
	overrideString(&cfg.Mode, "CAPTIONS_MODE")
	overrideString(&cfg.STTProvider, "CAPTIONS_STT_PROVIDER")
	overrideString(&cfg.OfflineModel, "CAPTIONS_OFFLINE_MODEL")
	overrideString(&cfg.DeepgramKey, "DEEPGRAM_API_KEY")
	overrideString(&cfg.AssemblyAIKey, "ASSEMBLYAI_API_KEY")
	overrideString(&cfg.AzureKey, "AZURE_SPEECH_KEY")
	overrideString(&cfg.AzureRegion, "AZURE_SPEECH_REGION")
	overrideString(&cfg.GoogleKey, "GOOGLE_API_KEY")
	overrideString(&cfg.OpenAIKey, "OPENAI_API_KEY")
	overrideString(&cfg.GroqKey, "GROQ_API_KEY")
	overrideString(&cfg.InterfazeKey, "INTERFAZE_API_KEY")
	overrideString(&cfg.RoomDevice, "CAPTIONS_ROOM_DEVICE")
	overrideString(&cfg.PhoneDevice, "CAPTIONS_PHONE_DEVICE")
	overrideBool(&cfg.HTTP.Enabled, "CAPTIONS_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "CAPTIONS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CAPTIONS_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CAPTIONS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CAPTIONS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CAPTIONS_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "CAPTIONS_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "CAPTIONS_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "CAPTIONS_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "CAPTIONS_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "CAPTIONS_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "CAPTIONS_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "CAPTIONS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CAPTIONS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CAPTIONS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CAPTIONS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CAPTIONS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CAPTIONS_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "CAPTIONS_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.EventStore.Path, "CAPTIONS_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "CAPTIONS_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "CAPTIONS_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "CAPTIONS_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "CAPTIONS_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.CaptureCommand, "CAPTIONS_AUDIO_CAPTURE_COMMAND")
	overrideString(&cfg.Audio.ListCommand, "CAPTIONS_AUDIO_LIST_COMMAND")
	overrideString(&cfg.Audio.MixerCommand, "CAPTIONS_AUDIO_MIXER_COMMAND")
	overrideStringSlice(&cfg.Audio.RoomPreferences, "CAPTIONS_AUDIO_ROOM_PREFERENCES")
	overrideStringSlice(&cfg.Audio.PhonePreferences, "CAPTIONS_AUDIO_PHONE_PREFERENCES")
	overrideString(&cfg.Engines.Language, "CAPTIONS_ENGINES_LANGUAGE")
	overrideString(&cfg.Engines.FasterWhisperCmd, "CAPTIONS_ENGINES_FASTER_WHISPER_COMMAND")
	overrideString(&cfg.Engines.FasterWhisperModel, "CAPTIONS_ENGINES_FASTER_WHISPER_MODEL")
	overrideString(&cfg.Engines.WhisperCppBinary, "CAPTIONS_ENGINES_WHISPER_CPP_BINARY")
	overrideString(&cfg.Engines.WhisperCppModel, "CAPTIONS_ENGINES_WHISPER_CPP_MODEL")
	overrideString(&cfg.Engines.VoskURL, "CAPTIONS_ENGINES_VOSK_URL")
	overrideInt(&cfg.Supervisor.MaxRestarts, "CAPTIONS_SUPERVISOR_MAX_RESTARTS")
	overrideInt(&cfg.Supervisor.HealthIntervalMS, "CAPTIONS_SUPERVISOR_HEALTH_INTERVAL_MS")
	overrideInt(&cfg.Supervisor.StaleAfterMS, "CAPTIONS_SUPERVISOR_STALE_AFTER_MS")
	overrideInt(&cfg.Supervisor.RouterPollMS, "CAPTIONS_SUPERVISOR_ROUTER_POLL_MS")
	overrideInt(&cfg.Supervisor.PhoneSilenceMS, "CAPTIONS_SUPERVISOR_PHONE_SILENCE_MS")
	overrideString(&cfg.Activity.PhoneFile, "CAPTIONS_ACTIVITY_PHONE_FILE")
	overrideString(&cfg.Activity.MuteFile, "CAPTIONS_ACTIVITY_MUTE_FILE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.Mode != "online" && cfg.Mode != "offline" {
		return errors.New("mode must be one of online|offline")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Audio.CaptureCommand == "" {
		return errors.New("audio.capture_command must not be empty")
	}
	if cfg.Audio.OpenAttempts <= 0 {
		return errors.New("audio.open_attempts must be >= 1")
	}
	if cfg.Supervisor.MaxRestarts <= 0 {
		return errors.New("supervisor.max_restarts must be >= 1")
	}
	if cfg.Supervisor.HealthIntervalMS <= 0 || cfg.Supervisor.RouterPollMS <= 0 {
		return errors.New("supervisor intervals must be positive")
	}
	if cfg.Supervisor.StaleAfterMS <= cfg.Supervisor.HealthIntervalMS {
		return errors.New("supervisor.stale_after_ms must be greater than health interval")
	}
	if cfg.Activity.PhoneFile == "" {
		return errors.New("activity.phone_file must not be empty")
	}
	return nil
}
