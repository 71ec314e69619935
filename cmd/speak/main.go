// Command speak synthesizes one text and plays it through the configured
// sink, without the bus or the event store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speechstream/internal/config"
	"github.com/loqalabs/loqa-speechstream/internal/conn"
	"github.com/loqalabs/loqa-speechstream/internal/protocol"
	"github.com/loqalabs/loqa-speechstream/internal/runtime"
	"github.com/loqalabs/loqa-speechstream/internal/speaker"
)

func main() {
	var (
		configPath string
		voiceID    string
		wsURL      string
		sinkName   string
		outPath    string
		requestID  string
		verbose    bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&voiceID, "voice", "", "Voice id (defaults to config, then the newest listed voice)")
	flag.StringVar(&wsURL, "ws", "", "Worker websocket URL, skipping URL resolution")
	flag.StringVar(&sinkName, "sink", "", "Output sink: pipe, wav or discard")
	flag.StringVar(&outPath, "out", "", "Write audio to this WAV file")
	flag.StringVar(&requestID, "id", "", "Request id (random when empty)")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")
	flag.Parse()

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	text, err := readText(flag.Args(), os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if wsURL != "" {
		cfg.Speech.WebsocketURL = wsURL
	}
	if outPath != "" {
		cfg.Playback.Sink = "wav"
		cfg.Playback.OutputPath = outPath
		cfg.Playback.Realtime = false
	}
	if sinkName != "" {
		cfg.Playback.Sink = sinkName
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := speak(ctx, cfg, protocol.SpeakRequest{RequestID: requestID, Text: text, VoiceID: voiceID}, logger)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	if err != nil {
		logger.Error("speak failed", slog.String("request_id", requestID), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func speak(ctx context.Context, cfg config.Config, req protocol.SpeakRequest, logger *slog.Logger) (protocol.SpeakResult, error) {
	sink, err := runtime.NewSink(cfg.Playback, logger)
	if err != nil {
		return protocol.SpeakResult{RequestID: req.RequestID, Error: err.Error()}, err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn("sink close error", slog.String("error", err.Error()))
		}
	}()

	speech := runtime.NewSpeech(cfg.Speech)
	connCfg := runtime.ConnectionConfig(cfg.Connection)
	// A one-shot run reports the first failure instead of retrying.
	connCfg.AutoReconnect = false

	mgr := conn.New(connCfg, logger)
	defer func() { _ = mgr.Close() }()
	sp := speaker.New(mgr, sink, runtime.SpeakerConfig(cfg), logger, speech.SpeakerOptions()...)

	err = mgr.Connect(ctx, speech.Resolve, func(status conn.Status) {
		logger.Debug("connection status", slog.String("status", string(status)))
		sp.HandleConnectionStatus(status)
	})
	if err != nil {
		return protocol.SpeakResult{RequestID: req.RequestID, Error: err.Error()}, err
	}
	return sp.Speak(ctx, req)
}

func readText(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("usage: speak [flags] text... (or text on stdin)")
	}
	return text, nil
}
