package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	MetricsPath  string `yaml:"metrics_path"`
}

type HTTPConfig struct {
	Bind   string `yaml:"bind"`
	Port   int    `yaml:"port"`
	WSPath string `yaml:"ws_path"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Membership  MembershipConfig `yaml:"membership"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Session     SessionConfig    `yaml:"session"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// MembershipConfig controls the entitlement gate in front of /ws.
type MembershipConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Feature string `yaml:"feature"`
}

// STTConfig configures the AssemblyAI streaming recognizer.
type STTConfig struct {
	URL               string `yaml:"url"`
	APIKey            string `yaml:"api_key"`
	SampleRate        int    `yaml:"sample_rate"`
	FormatTurns       bool   `yaml:"format_turns"`
	InactivityTimeout int    `yaml:"inactivity_timeout_s"`
	CloseTimeoutMS    int    `yaml:"close_timeout_ms"`
	DialTimeoutMS     int    `yaml:"dial_timeout_ms"`
	DialAttempts      int    `yaml:"dial_attempts"`
}

type LLMConfig struct {
	Mode             string  `yaml:"mode"` // anthropic, ollama, mock
	Endpoint         string  `yaml:"endpoint"`
	APIKey           string  `yaml:"api_key"`
	AnthropicVersion string  `yaml:"anthropic_version"`
	Model            string  `yaml:"model"`
	System           string  `yaml:"system"`
	MaxTokens        int     `yaml:"max_tokens"`
	Temperature      float64 `yaml:"temperature"`
	TimeoutMS        int     `yaml:"timeout_ms"`
}

// TTSConfig configures the Cartesia WebSocket synthesizer.
type TTSConfig struct {
	URL           string `yaml:"url"`
	APIKey        string `yaml:"api_key"`
	Version       string `yaml:"version"`
	Model         string `yaml:"model"`
	VoiceID       string `yaml:"voice_id"`
	Language      string `yaml:"language"`
	Encoding      string `yaml:"encoding"`
	SampleRate    int    `yaml:"sample_rate"`
	DialTimeoutMS int    `yaml:"dial_timeout_ms"`
	DialAttempts  int    `yaml:"dial_attempts"`
}

// SessionConfig holds per-connection orchestration and transport knobs.
type SessionConfig struct {
	Greeting        string   `yaml:"greeting"`
	FinalizeGraceMS int      `yaml:"finalize_grace_ms"`
	ReadyTimeoutMS  int      `yaml:"ready_timeout_ms"`
	OutboundQueue   int      `yaml:"outbound_queue"`
	WriteTimeoutMS  int      `yaml:"write_timeout_ms"`
	PingIntervalMS  int      `yaml:"ping_interval_ms"`
	MaxMessageBytes int64    `yaml:"max_message_bytes"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:   "0.0.0.0",
			Port:   8080,
			WSPath: "/ws",
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			MetricsPath:  "/metrics",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Membership: MembershipConfig{
			Enabled: false,
			Path:    "./data/loqa-voice-members.db",
			Feature: "대화",
		},
		STT: STTConfig{
			URL:               "wss://streaming.assemblyai.com/v3/ws",
			SampleRate:        16000,
			FormatTurns:       true,
			InactivityTimeout: 300,
			CloseTimeoutMS:    100,
			DialTimeoutMS:     10000,
			DialAttempts:      3,
		},
		LLM: LLMConfig{
			Mode:             "anthropic",
			Endpoint:         "https://api.anthropic.com/v1/messages",
			AnthropicVersion: "2023-06-01",
			Model:            "claude-3-5-sonnet-20241022",
			MaxTokens:        1024,
			Temperature:      0.7,
			TimeoutMS:        60000,
		},
		TTS: TTSConfig{
			URL:           "wss://api.cartesia.ai/tts/websocket",
			Version:       "2025-04-16",
			Model:         "sonic-3",
			VoiceID:       "f6ff7c0c-e396-40a9-a70b-f7607edb6937",
			Language:      "ko",
			Encoding:      "pcm_s16le",
			SampleRate:    24000,
			DialTimeoutMS: 10000,
			DialAttempts:  3,
		},
		Session: SessionConfig{
			Greeting:        "Hello! I'm your AI English tutor. How can I help you practice English today?",
			FinalizeGraceMS: 500,
			ReadyTimeoutMS:  5000,
			OutboundQueue:   256,
			WriteTimeoutMS:  5000,
			PingIntervalMS:  20000,
			MaxMessageBytes: 1 << 20,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.HTTP.WSPath, "LOQA_HTTP_WS_PATH")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.MetricsPath, "LOQA_TELEMETRY_METRICS_PATH")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Membership.Enabled, "LOQA_MEMBERSHIP_ENABLED")
	overrideString(&cfg.Membership.Path, "LOQA_MEMBERSHIP_PATH")
	overrideString(&cfg.Membership.Feature, "LOQA_MEMBERSHIP_FEATURE")
	overrideString(&cfg.STT.URL, "LOQA_STT_URL")
	overrideString(&cfg.STT.APIKey, "ASSEMBLYAI_API_KEY")
	overrideString(&cfg.STT.APIKey, "LOQA_STT_API_KEY")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideBool(&cfg.STT.FormatTurns, "LOQA_STT_FORMAT_TURNS")
	overrideInt(&cfg.STT.InactivityTimeout, "LOQA_STT_INACTIVITY_TIMEOUT_S")
	overrideInt(&cfg.STT.DialAttempts, "LOQA_STT_DIAL_ATTEMPTS")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "ANTHROPIC_API_KEY")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.System, "LOQA_LLM_SYSTEM")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")
	overrideString(&cfg.TTS.URL, "LOQA_TTS_URL")
	overrideString(&cfg.TTS.APIKey, "CARTESIA_API_KEY")
	overrideString(&cfg.TTS.APIKey, "LOQA_TTS_API_KEY")
	overrideString(&cfg.TTS.VoiceID, "CARTESIA_VOICE_ID")
	overrideString(&cfg.TTS.VoiceID, "LOQA_TTS_VOICE_ID")
	overrideString(&cfg.TTS.Model, "LOQA_TTS_MODEL")
	overrideString(&cfg.TTS.Language, "LOQA_TTS_LANGUAGE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.DialAttempts, "LOQA_TTS_DIAL_ATTEMPTS")
	overrideString(&cfg.Session.Greeting, "LOQA_SESSION_GREETING")
	overrideInt(&cfg.Session.FinalizeGraceMS, "LOQA_SESSION_FINALIZE_GRACE_MS")
	overrideInt(&cfg.Session.ReadyTimeoutMS, "LOQA_SESSION_READY_TIMEOUT_MS")
	overrideInt(&cfg.Session.OutboundQueue, "LOQA_SESSION_OUTBOUND_QUEUE")
	overrideInt(&cfg.Session.WriteTimeoutMS, "LOQA_SESSION_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Session.PingIntervalMS, "LOQA_SESSION_PING_INTERVAL_MS")
	overrideStringSlice(&cfg.Session.AllowedOrigins, "LOQA_SESSION_ALLOWED_ORIGINS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if !strings.HasPrefix(cfg.HTTP.WSPath, "/") {
		return errors.New("http.ws_path must start with /")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
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
	if cfg.Membership.Enabled {
		if cfg.Membership.Path == "" {
			return errors.New("membership.path must not be empty when membership is enabled")
		}
		if cfg.Membership.Feature == "" {
			return errors.New("membership.feature must not be empty when membership is enabled")
		}
	}
	if cfg.STT.URL == "" {
		return errors.New("stt.url must not be empty")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	switch cfg.LLM.Mode {
	case "anthropic", "ollama", "mock":
	default:
		return errors.New("llm.mode must be one of anthropic|ollama|mock")
	}
	if cfg.LLM.Mode != "mock" && cfg.LLM.Endpoint == "" {
		return fmt.Errorf("llm.endpoint must be set when mode=%s", cfg.LLM.Mode)
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.TTS.URL == "" {
		return errors.New("tts.url must not be empty")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.VoiceID == "" {
		return errors.New("tts.voice_id must not be empty")
	}
	if cfg.Session.FinalizeGraceMS < 0 {
		return errors.New("session.finalize_grace_ms must be >= 0")
	}
	if cfg.Session.ReadyTimeoutMS <= 0 {
		return errors.New("session.ready_timeout_ms must be positive")
	}
	if cfg.Session.OutboundQueue <= 0 {
		return errors.New("session.outbound_queue must be >= 1")
	}
	return nil
}
