package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// Sink decodes and renders clips one at a time.
type Sink interface {
	Decode(data []byte) (Clip, error)
	Render(ctx context.Context, clip Clip) error
	Close() error
}

var ErrFormatChanged = errors.New("clip format differs from output format")

// pace blocks until d has elapsed since start so Render returns when the
// clip would have finished playing.
func pace(ctx context.Context, start time.Time, d time.Duration) error {
	wait := time.Until(start.Add(d))
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// DiscardSink drops audio, optionally taking real time to do so.
type DiscardSink struct {
	Decoder
	Realtime bool
}

func (s *DiscardSink) Render(ctx context.Context, clip Clip) error {
	if !s.Realtime {
		return ctx.Err()
	}
	return pace(ctx, time.Now(), clip.Duration())
}

func (s *DiscardSink) Close() error { return nil }

// PipeSink streams PCM to the stdin of a player process such as aplay or
// ffplay. The command may reference {rate} and {channels}; the process is
// started on the first clip and restarted when the format changes.
type PipeSink struct {
	Decoder
	args     []string
	realtime bool
	log      *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	format Clip
}

func NewPipeSink(command string, realtime bool, logger *slog.Logger) (*PipeSink, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("player command empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PipeSink{
		args:     args,
		realtime: realtime,
		log:      logger.With(slog.String("component", "pipe-sink")),
	}, nil
}

func (s *PipeSink) Render(ctx context.Context, clip Clip) error {
	start := time.Now()
	s.mu.Lock()
	if s.stdin == nil || !s.format.SameFormat(clip) {
		if err := s.restart(clip); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	stdin := s.stdin
	s.mu.Unlock()

	if _, err := stdin.Write(clip.PCM); err != nil {
		return fmt.Errorf("write to player: %w", err)
	}
	if !s.realtime {
		return ctx.Err()
	}
	return pace(ctx, start, clip.Duration())
}

// restart replaces the player process. Caller holds mu.
func (s *PipeSink) restart(clip Clip) error {
	if err := s.stopLocked(); err != nil {
		s.log.Warn("previous player exited with error", slogError(err))
	}

	args := make([]string, len(s.args))
	for i, arg := range s.args {
		arg = strings.ReplaceAll(arg, "{rate}", strconv.Itoa(clip.SampleRate))
		args[i] = strings.ReplaceAll(arg, "{channels}", strconv.Itoa(clip.Channels))
	}
	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("player stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start player: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.format = Clip{SampleRate: clip.SampleRate, Channels: clip.Channels}
	s.log.Info("player started",
		slog.String("command", args[0]),
		slog.Int("sample_rate", clip.SampleRate),
		slog.Int("channels", clip.Channels))
	return nil
}

func (s *PipeSink) stopLocked() error {
	if s.cmd == nil {
		return nil
	}
	_ = s.stdin.Close()
	err := s.cmd.Wait()
	s.cmd = nil
	s.stdin = nil
	if err != nil {
		return fmt.Errorf("player exited: %w", err)
	}
	return nil
}

// Close flushes stdin and waits for the player to exit.
func (s *PipeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

// WAVSink appends every clip to one continuous WAV file. The file format is
// fixed by the first clip.
type WAVSink struct {
	Decoder
	path     string
	realtime bool

	mu     sync.Mutex
	file   *os.File
	enc    *wav.Encoder
	format Clip
}

func NewWAVSink(path string, realtime bool) *WAVSink {
	return &WAVSink{path: path, realtime: realtime}
}

func (s *WAVSink) Render(ctx context.Context, clip Clip) error {
	start := time.Now()
	s.mu.Lock()
	if s.enc == nil {
		file, err := os.Create(s.path)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("create wav output: %w", err)
		}
		s.file = file
		s.enc = wav.NewEncoder(file, clip.SampleRate, 16, clip.Channels, 1)
		s.format = Clip{SampleRate: clip.SampleRate, Channels: clip.Channels}
	}
	if !s.format.SameFormat(clip) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d Hz/%d ch vs %d Hz/%d ch", ErrFormatChanged,
			clip.SampleRate, clip.Channels, s.format.SampleRate, s.format.Channels)
	}
	err := s.enc.Write(clip.IntBuffer())
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if !s.realtime {
		return ctx.Err()
	}
	return pace(ctx, start, clip.Duration())
}

// Close finalizes the WAV header.
func (s *WAVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return nil
	}
	err := errors.Join(s.enc.Close(), s.file.Close())
	s.enc = nil
	s.file = nil
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
