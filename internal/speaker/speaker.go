// Package speaker runs one synthesis request end to end: it sends the
// generation command, feeds the returned parts to the sequencer and reports
// how playback went.
package speaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speechstream/internal/conn"
	"github.com/loqalabs/loqa-speechstream/internal/daisys"
	"github.com/loqalabs/loqa-speechstream/internal/playback"
	"github.com/loqalabs/loqa-speechstream/internal/protocol"
	"github.com/loqalabs/loqa-speechstream/internal/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrSessionTimeout = errors.New("session timed out")
	ErrConnectionLost = errors.New("connection lost during session")
	ErrEmptyText      = errors.New("text is empty")
)

// StatusError is a request the server finished with status "error".
type StatusError struct {
	RequestID string
	Message   string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request %s failed", e.RequestID)
	}
	return fmt.Sprintf("request %s failed: %s", e.RequestID, e.Message)
}

// Connection is the part of the connection manager the speaker drives.
type Connection interface {
	stream.Transport
	Connect(ctx context.Context, resolve conn.Resolver, onStatus func(conn.Status)) error
}

// Observer receives session activity, for fan-out to the bus and the event
// store. Calls happen on the speaking goroutine and must not block.
type Observer interface {
	SessionStarted(requestID, voiceID, text string)
	SessionStatus(requestID string, msg protocol.StatusMessage)
	SessionAudio(requestID string, partID int, data []byte)
	SessionDone(result protocol.SpeakResult)
}

type Config struct {
	SessionTimeout time.Duration
	VoiceID        string
	Prosody        *protocol.Prosody
	Playback       playback.Config
}

type Option func(*Speaker)

func WithTextProcessor(p TextProcessor) Option {
	return func(s *Speaker) { s.processor = p }
}

func WithObserver(o Observer) Option {
	return func(s *Speaker) { s.observers = append(s.observers, o) }
}

// WithVoiceResolver supplies a voice when neither the request nor the
// config names one.
func WithVoiceResolver(fn func(ctx context.Context) (string, error)) Option {
	return func(s *Speaker) { s.voice = fn }
}

type Speaker struct {
	conn      Connection
	router    *stream.Router
	sink      playback.Sink
	cfg       Config
	processor TextProcessor
	observers []Observer
	voice     func(ctx context.Context) (string, error)
	log       *slog.Logger
	tracer    trace.Tracer

	// turn serialises playback onto the single output.
	turn chan struct{}

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
}

func New(c Connection, sink playback.Sink, cfg Config, logger *slog.Logger, opts ...Option) *Speaker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 2 * time.Minute
	}
	log := logger.With(slog.String("component", "speaker"))
	s := &Speaker{
		conn:      c,
		router:    stream.NewRouter(c, logger),
		sink:      sink,
		cfg:       cfg,
		processor: NopProcessor{},
		log:       log,
		tracer:    otel.Tracer("github.com/loqalabs/loqa-speechstream/speaker"),
		turn:      make(chan struct{}, 1),
		active:    make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router exposes the session router shared by all requests.
func (s *Speaker) Router() *stream.Router { return s.router }

// HandleConnectionStatus abandons in-flight sessions when the socket drops;
// the server does not resume a request on a new connection.
func (s *Speaker) HandleConnectionStatus(status conn.Status) {
	if status != conn.StatusDisconnected && status != conn.StatusFailed {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.active {
		s.log.Warn("abandoning session after connection loss",
			slog.String("request_id", id),
			slog.String("status", string(status)))
		cancel(ErrConnectionLost)
	}
}

// Speak synthesizes req.Text and blocks until its audio has played, the
// session failed, or ctx is done.
func (s *Speaker) Speak(ctx context.Context, req protocol.SpeakRequest) (protocol.SpeakResult, error) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	result := protocol.SpeakResult{RequestID: requestID}

	ctx, span := s.tracer.Start(ctx, "speaker.speak", trace.WithAttributes(attribute.String("request_id", requestID)))
	defer span.End()

	err := s.speak(ctx, requestID, req, &result)
	result.Completed = err == nil
	if err != nil {
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	result.Timestamp = time.Now().UTC()
	span.SetAttributes(
		attribute.Int("parts_received", result.PartsReceived),
		attribute.Int("parts_rendered", result.PartsRendered))

	for _, o := range s.observers {
		o.SessionDone(result)
	}
	return result, err
}

func (s *Speaker) speak(ctx context.Context, requestID string, req protocol.SpeakRequest, result *protocol.SpeakResult) error {
	if strings.TrimSpace(req.Text) == "" {
		return ErrEmptyText
	}
	text, err := s.processor.Process(ctx, req.Text)
	if err != nil {
		return fmt.Errorf("process text: %w", err)
	}
	voiceID, err := s.resolveVoice(ctx, req.VoiceID)
	if err != nil {
		return err
	}
	prosody := req.Prosody
	if prosody == nil {
		prosody = s.cfg.Prosody
	}

	select {
	case s.turn <- struct{}{}:
		defer func() { <-s.turn }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.conn.Connect(ctx, nil, nil); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	session, err := s.router.Open(requestID)
	if err != nil {
		return err
	}
	defer session.Close()

	sessCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	sessCtx, cancelTimeout := context.WithTimeoutCause(sessCtx, s.cfg.SessionTimeout, ErrSessionTimeout)
	defer cancelTimeout()
	s.track(requestID, cancel)
	defer s.untrack(requestID)

	seq := playback.New(s.sink, s.cfg.Playback, s.log)
	defer seq.Stop()

	for _, o := range s.observers {
		o.SessionStarted(requestID, voiceID, text)
	}

	if err := s.router.Send(daisys.GenerateCommand(requestID, text, voiceID, prosody)); err != nil {
		return fmt.Errorf("send generate command: %w", err)
	}
	s.log.Info("speech requested",
		slog.String("request_id", requestID),
		slog.String("voice_id", voiceID),
		slog.Int("chars", len(text)))

	var statusErr error
	nextRaw := 0
events:
	for ev := range session.Events(sessCtx) {
		switch ev.Kind {
		case stream.EventStatus:
			s.notifyStatus(requestID, *ev.Status)
		case stream.EventError:
			// A failed request sends no more audio; play what already arrived.
			s.notifyStatus(requestID, *ev.Status)
			statusErr = &StatusError{RequestID: requestID, Message: ev.Status.Message}
			s.log.Warn("server reported error", slog.String("request_id", requestID), slog.String("message", ev.Status.Message))
			break events
		case stream.EventAudio:
			partID := nextRaw
			if ev.PartID != nil {
				partID = *ev.PartID
			}
			if partID >= nextRaw {
				nextRaw = partID + 1
			}
			result.PartsReceived++
			for _, o := range s.observers {
				o.SessionAudio(requestID, partID, ev.Audio)
			}
			seq.Submit(partID, ev.Audio)
		}
	}

	if statusErr == nil && sessCtx.Err() != nil {
		cause := context.Cause(sessCtx)
		s.fillStats(result, seq.Stats())
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("session ended early", slog.String("request_id", requestID), slogError(cause))
		return cause
	}

	select {
	case <-seq.EndOfStream():
	case <-ctx.Done():
		s.fillStats(result, seq.Stats())
		return ctx.Err()
	}
	stats := seq.Stats()
	s.fillStats(result, stats)
	s.log.Info("speech finished",
		slog.String("request_id", requestID),
		slog.Int("parts_received", result.PartsReceived),
		slog.Int("parts_rendered", stats.Rendered),
		slog.Int("parts_dropped", stats.Dropped),
		slog.Int("parts_skipped", stats.Skipped),
		slog.Duration("first_audio", stats.FirstAudioLatency))
	return statusErr
}

func (s *Speaker) resolveVoice(ctx context.Context, requested string) (string, error) {
	switch {
	case requested != "":
		return requested, nil
	case s.cfg.VoiceID != "":
		return s.cfg.VoiceID, nil
	case s.voice != nil:
		voice, err := s.voice(ctx)
		if err != nil {
			return "", fmt.Errorf("resolve voice: %w", err)
		}
		return voice, nil
	}
	return "", nil
}

func (s *Speaker) fillStats(result *protocol.SpeakResult, st playback.Stats) {
	result.PartsRendered = st.Rendered
	result.PartsDropped = st.Dropped
	result.FirstAudioMS = st.FirstAudioLatency.Milliseconds()
}

func (s *Speaker) notifyStatus(requestID string, msg protocol.StatusMessage) {
	for _, o := range s.observers {
		o.SessionStatus(requestID, msg)
	}
}

func (s *Speaker) track(requestID string, cancel context.CancelCauseFunc) {
	s.mu.Lock()
	s.active[requestID] = cancel
	s.mu.Unlock()
}

func (s *Speaker) untrack(requestID string) {
	s.mu.Lock()
	delete(s.active, requestID)
	s.mu.Unlock()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
