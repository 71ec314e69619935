package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-speechstream/internal/audio"
	"github.com/loqalabs/loqa-speechstream/internal/config"
	"github.com/loqalabs/loqa-speechstream/internal/conn"
	"github.com/loqalabs/loqa-speechstream/internal/daisys"
	"github.com/loqalabs/loqa-speechstream/internal/playback"
	"github.com/loqalabs/loqa-speechstream/internal/protocol"
	"github.com/loqalabs/loqa-speechstream/internal/speaker"
)

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// ConnectionConfig maps the connection section onto the manager's settings.
func ConnectionConfig(cfg config.ConnectionConfig) conn.Config {
	out := conn.DefaultConfig()
	out.AutoReconnect = cfg.AutoReconnect
	out.MaxAttempts = cfg.MaxAttempts
	out.Backoff = conn.Backoff{
		Base:       ms(cfg.BaseDelayMS),
		Multiplier: cfg.Multiplier,
		Ceiling:    ms(cfg.MaxDelayMS),
		Jitter:     cfg.Jitter,
	}
	if cfg.HandshakeTimeoutMS > 0 {
		out.HandshakeTimeout = ms(cfg.HandshakeTimeoutMS)
	}
	if cfg.PingPeriodMS > 0 {
		out.PingPeriod = ms(cfg.PingPeriodMS)
	}
	return out
}

// PlaybackConfig maps the playback section onto sequencer settings.
func PlaybackConfig(cfg config.PlaybackConfig) playback.Config {
	return playback.Config{
		MaxQueue:     cfg.MaxQueue,
		MaxDuration:  time.Duration(cfg.MaxDurationS) * time.Second,
		LookBehind:   cfg.LookBehind,
		PollInterval: ms(cfg.PollMS),
		StartDelay:   ms(cfg.StartDelayMS),
		GapTimeout:   ms(cfg.GapTimeoutMS),
		DrainTimeout: ms(cfg.DrainTimeoutMS),
	}
}

// SpeakerConfig assembles per-request defaults from config.
func SpeakerConfig(cfg config.Config) speaker.Config {
	return speaker.Config{
		SessionTimeout: ms(cfg.Session.TimeoutMS),
		VoiceID:        cfg.Speech.VoiceID,
		Prosody: &protocol.Prosody{
			Pace:       cfg.Speech.Prosody.Pace,
			Pitch:      cfg.Speech.Prosody.Pitch,
			Expression: cfg.Speech.Prosody.Expression,
		},
		Playback: PlaybackConfig(cfg.Playback),
	}
}

// NewSink builds the configured audio output.
func NewSink(cfg config.PlaybackConfig, logger *slog.Logger) (audio.Sink, error) {
	switch cfg.Sink {
	case "pipe":
		sink, err := audio.NewPipeSink(cfg.Command, cfg.Realtime, logger)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "wav":
		return audio.NewWAVSink(cfg.OutputPath, cfg.Realtime), nil
	case "discard":
		return &audio.DiscardSink{Realtime: cfg.Realtime}, nil
	}
	return nil, fmt.Errorf("unknown playback sink %q", cfg.Sink)
}

// Speech locates the worker websocket. Client is nil when a fixed
// websocket URL is configured.
type Speech struct {
	Resolve conn.Resolver
	Client  *daisys.Client
}

func NewSpeech(cfg config.SpeechConfig) Speech {
	if cfg.WebsocketURL != "" {
		return Speech{Resolve: conn.StaticURL(cfg.WebsocketURL)}
	}
	opts := []daisys.Option{daisys.WithAPIURL(cfg.APIURL)}
	if cfg.AuthURL != "" {
		opts = append(opts, daisys.WithAuthURL(cfg.AuthURL))
	}
	if cfg.Token != "" {
		opts = append(opts, daisys.WithToken(cfg.Token))
	}
	if cfg.Email != "" {
		opts = append(opts, daisys.WithCredentials(cfg.Email, cfg.Password))
	}
	client := daisys.NewClient(opts...)
	return Speech{Resolve: client.Resolver(), Client: client}
}

// SpeakerOptions adds the voice catalogue fallback when the API client is
// available.
func (s Speech) SpeakerOptions() []speaker.Option {
	if s.Client == nil {
		return nil
	}
	return []speaker.Option{speaker.WithVoiceResolver(s.Client.DefaultVoice)}
}
