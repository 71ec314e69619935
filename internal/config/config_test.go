package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Connection.BaseDelayMS != 1000 || cfg.Connection.Multiplier != 1.5 || cfg.Connection.MaxAttempts != 10 {
		t.Fatalf("unexpected connection defaults %+v", cfg.Connection)
	}
	if cfg.Playback.MaxQueue != 50 || cfg.Playback.MaxDurationS != 600 || cfg.Playback.LookBehind != 10 {
		t.Fatalf("unexpected playback defaults %+v", cfg.Playback)
	}
	if cfg.Speech.Prosody.Expression != 5 {
		t.Fatalf("expected default expression 5, got %d", cfg.Speech.Prosody.Expression)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speechd.yaml")
	data := []byte(`
runtime_name: test-speechd
speech:
  ws_url: ws://localhost:9000/ws
  voice_id: v-123
playback:
  sink: wav
  output_path: /tmp/out.wav
  realtime: false
session:
  timeout_ms: 5000
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "test-speechd" || cfg.Speech.WebsocketURL != "ws://localhost:9000/ws" || cfg.Speech.VoiceID != "v-123" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Playback.Sink != "wav" || cfg.Playback.Realtime {
		t.Fatalf("playback values not applied: %+v", cfg.Playback)
	}
	if cfg.Playback.MaxQueue != 50 {
		t.Fatalf("expected unspecified values to keep defaults, got %d", cfg.Playback.MaxQueue)
	}
	if cfg.Session.TimeoutMS != 5000 {
		t.Fatalf("expected session timeout 5000, got %d", cfg.Session.TimeoutMS)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_SPEECH_EMAIL", "me@example.com")
	t.Setenv("LOQA_SPEECH_PASSWORD", "hunter2")
	t.Setenv("LOQA_CONNECTION_MULTIPLIER", "2")
	t.Setenv("LOQA_CONNECTION_MAX_ATTEMPTS", "3")
	t.Setenv("LOQA_PLAYBACK_SINK", "discard")
	t.Setenv("LOQA_PLAYBACK_GAP_TIMEOUT_MS", "250")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Speech.Email != "me@example.com" || cfg.Speech.Password != "hunter2" {
		t.Fatalf("expected speech credentials override")
	}
	if cfg.Connection.Multiplier != 2 || cfg.Connection.MaxAttempts != 3 {
		t.Fatalf("expected connection overrides, got %+v", cfg.Connection)
	}
	if cfg.Playback.Sink != "discard" || cfg.Playback.GapTimeoutMS != 250 {
		t.Fatalf("expected playback overrides, got %+v", cfg.Playback)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"sink":       func(c *Config) { c.Playback.Sink = "speaker" },
		"jitter":     func(c *Config) { c.Connection.Jitter = 1.5 },
		"multiplier": func(c *Config) { c.Connection.Multiplier = 0.5 },
		"max_queue":  func(c *Config) { c.Playback.MaxQueue = 3 },
		"delays":     func(c *Config) { c.Connection.MaxDelayMS = 10 },
		"session":    func(c *Config) { c.Session.TimeoutMS = 0 },
		"retention":  func(c *Config) { c.EventStore.RetentionMode = "forever" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
