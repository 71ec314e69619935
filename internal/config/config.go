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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TraceStdout    bool   `yaml:"trace_stdout"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Speech      SpeechConfig     `yaml:"speech"`
	Connection  ConnectionConfig `yaml:"connection"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Session     SessionConfig    `yaml:"session"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	PublishAudio   bool     `yaml:"publish_audio"`
}

type EventStoreConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SpeechConfig locates the speech API. WebsocketURL skips URL resolution
// and dials a fixed worker.
type SpeechConfig struct {
	APIURL       string        `yaml:"api_url"`
	AuthURL      string        `yaml:"auth_url"`
	Token        string        `yaml:"token"`
	Email        string        `yaml:"email"`
	Password     string        `yaml:"password"`
	WebsocketURL string        `yaml:"ws_url"`
	VoiceID      string        `yaml:"voice_id"`
	Prosody      ProsodyConfig `yaml:"prosody"`
}

type ProsodyConfig struct {
	Pace       int `yaml:"pace"`
	Pitch      int `yaml:"pitch"`
	Expression int `yaml:"expression"`
}

type ConnectionConfig struct {
	AutoReconnect      bool    `yaml:"auto_reconnect"`
	BaseDelayMS        int     `yaml:"base_delay_ms"`
	Multiplier         float64 `yaml:"multiplier"`
	MaxDelayMS         int     `yaml:"max_delay_ms"`
	Jitter             float64 `yaml:"jitter"`
	MaxAttempts        int     `yaml:"max_attempts"`
	HandshakeTimeoutMS int     `yaml:"handshake_timeout_ms"`
	PingPeriodMS       int     `yaml:"ping_period_ms"`
}

type PlaybackConfig struct {
	Sink           string `yaml:"sink"` // pipe, wav, discard
	Command        string `yaml:"command"`
	OutputPath     string `yaml:"output_path"`
	Realtime       bool   `yaml:"realtime"`
	MaxQueue       int    `yaml:"max_queue"`
	MaxDurationS   int    `yaml:"max_duration_s"`
	LookBehind     int    `yaml:"look_behind"`
	PollMS         int    `yaml:"poll_ms"`
	StartDelayMS   int    `yaml:"start_delay_ms"`
	GapTimeoutMS   int    `yaml:"gap_timeout_ms"`
	DrainTimeoutMS int    `yaml:"drain_timeout_ms"`
}

type SessionConfig struct {
	TimeoutMS int `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-speechd",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Enabled:       true,
			Path:          "./data/speech-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Speech: SpeechConfig{
			APIURL:  "https://api.daisys.ai",
			AuthURL: "https://api.daisys.ai",
			Prosody: ProsodyConfig{Pace: 0, Pitch: 0, Expression: 5},
		},
		Connection: ConnectionConfig{
			AutoReconnect:      true,
			BaseDelayMS:        1000,
			Multiplier:         1.5,
			MaxDelayMS:         30000,
			Jitter:             0.3,
			MaxAttempts:        10,
			HandshakeTimeoutMS: 10000,
			PingPeriodMS:       30000,
		},
		Playback: PlaybackConfig{
			Sink:           "pipe",
			Command:        "aplay -q -t raw -f S16_LE -r {rate} -c {channels}",
			OutputPath:     "./data/speech.wav",
			Realtime:       true,
			MaxQueue:       50,
			MaxDurationS:   600,
			LookBehind:     10,
			PollMS:         50,
			StartDelayMS:   50,
			GapTimeoutMS:   500,
			DrainTimeoutMS: 30000,
		},
		Session: SessionConfig{
			TimeoutMS: 120000,
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
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.PublishAudio, "LOQA_BUS_PUBLISH_AUDIO")
	overrideBool(&cfg.EventStore.Enabled, "LOQA_EVENT_STORE_ENABLED")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Speech.APIURL, "LOQA_SPEECH_API_URL")
	overrideString(&cfg.Speech.AuthURL, "LOQA_SPEECH_AUTH_URL")
	overrideString(&cfg.Speech.Token, "LOQA_SPEECH_TOKEN")
	overrideString(&cfg.Speech.Email, "LOQA_SPEECH_EMAIL")
	overrideString(&cfg.Speech.Password, "LOQA_SPEECH_PASSWORD")
	overrideString(&cfg.Speech.WebsocketURL, "LOQA_SPEECH_WS_URL")
	overrideString(&cfg.Speech.VoiceID, "LOQA_SPEECH_VOICE_ID")
	overrideInt(&cfg.Speech.Prosody.Pace, "LOQA_SPEECH_PROSODY_PACE")
	overrideInt(&cfg.Speech.Prosody.Pitch, "LOQA_SPEECH_PROSODY_PITCH")
	overrideInt(&cfg.Speech.Prosody.Expression, "LOQA_SPEECH_PROSODY_EXPRESSION")
	overrideBool(&cfg.Connection.AutoReconnect, "LOQA_CONNECTION_AUTO_RECONNECT")
	overrideInt(&cfg.Connection.BaseDelayMS, "LOQA_CONNECTION_BASE_DELAY_MS")
	overrideFloat(&cfg.Connection.Multiplier, "LOQA_CONNECTION_MULTIPLIER")
	overrideInt(&cfg.Connection.MaxDelayMS, "LOQA_CONNECTION_MAX_DELAY_MS")
	overrideFloat(&cfg.Connection.Jitter, "LOQA_CONNECTION_JITTER")
	overrideInt(&cfg.Connection.MaxAttempts, "LOQA_CONNECTION_MAX_ATTEMPTS")
	overrideInt(&cfg.Connection.HandshakeTimeoutMS, "LOQA_CONNECTION_HANDSHAKE_TIMEOUT_MS")
	overrideInt(&cfg.Connection.PingPeriodMS, "LOQA_CONNECTION_PING_PERIOD_MS")
	overrideString(&cfg.Playback.Sink, "LOQA_PLAYBACK_SINK")
	overrideString(&cfg.Playback.Command, "LOQA_PLAYBACK_COMMAND")
	overrideString(&cfg.Playback.OutputPath, "LOQA_PLAYBACK_OUTPUT_PATH")
	overrideBool(&cfg.Playback.Realtime, "LOQA_PLAYBACK_REALTIME")
	overrideInt(&cfg.Playback.MaxQueue, "LOQA_PLAYBACK_MAX_QUEUE")
	overrideInt(&cfg.Playback.MaxDurationS, "LOQA_PLAYBACK_MAX_DURATION_S")
	overrideInt(&cfg.Playback.LookBehind, "LOQA_PLAYBACK_LOOK_BEHIND")
	overrideInt(&cfg.Playback.PollMS, "LOQA_PLAYBACK_POLL_MS")
	overrideInt(&cfg.Playback.StartDelayMS, "LOQA_PLAYBACK_START_DELAY_MS")
	overrideInt(&cfg.Playback.GapTimeoutMS, "LOQA_PLAYBACK_GAP_TIMEOUT_MS")
	overrideInt(&cfg.Playback.DrainTimeoutMS, "LOQA_PLAYBACK_DRAIN_TIMEOUT_MS")
	overrideInt(&cfg.Session.TimeoutMS, "LOQA_SESSION_TIMEOUT_MS")
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Enabled {
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
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Speech.WebsocketURL == "" && cfg.Speech.APIURL == "" {
		return errors.New("speech.api_url must be set unless speech.ws_url is")
	}
	if cfg.Connection.BaseDelayMS <= 0 || cfg.Connection.MaxDelayMS < cfg.Connection.BaseDelayMS {
		return errors.New("connection.base_delay_ms must be positive and not above max_delay_ms")
	}
	if cfg.Connection.Multiplier < 1 {
		return errors.New("connection.multiplier must be >= 1")
	}
	if cfg.Connection.Jitter < 0 || cfg.Connection.Jitter >= 1 {
		return errors.New("connection.jitter must be in [0, 1)")
	}
	if cfg.Connection.MaxAttempts < 0 {
		return errors.New("connection.max_attempts must be >= 0")
	}
	switch cfg.Playback.Sink {
	case "pipe":
		if strings.TrimSpace(cfg.Playback.Command) == "" {
			return errors.New("playback.command must be set when sink=pipe")
		}
	case "wav":
		if cfg.Playback.OutputPath == "" {
			return errors.New("playback.output_path must be set when sink=wav")
		}
	case "discard":
	default:
		return errors.New("playback.sink must be one of pipe|wav|discard")
	}
	if cfg.Playback.MaxQueue <= 5 {
		return errors.New("playback.max_queue must be greater than 5")
	}
	if cfg.Playback.MaxDurationS <= 0 {
		return errors.New("playback.max_duration_s must be positive")
	}
	if cfg.Playback.LookBehind < 0 {
		return errors.New("playback.look_behind must be >= 0")
	}
	if cfg.Playback.PollMS <= 0 || cfg.Playback.DrainTimeoutMS <= 0 {
		return errors.New("playback.poll_ms and playback.drain_timeout_ms must be positive")
	}
	if cfg.Playback.StartDelayMS < 0 || cfg.Playback.GapTimeoutMS < 0 {
		return errors.New("playback.start_delay_ms and playback.gap_timeout_ms must be >= 0")
	}
	if cfg.Session.TimeoutMS <= 0 {
		return errors.New("session.timeout_ms must be positive")
	}
	return nil
}
