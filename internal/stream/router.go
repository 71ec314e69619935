// Package stream demultiplexes one shared socket into per-request event
// sequences.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-speechstream/internal/frame"
	"github.com/loqalabs/loqa-speechstream/internal/protocol"
)

var ErrSessionExists = errors.New("session already open")

// Transport is the subset of the connection manager the router needs.
type Transport interface {
	SendText([]byte) error
	SendBinary([]byte) error
	OnMessage(func([]byte))
	OnBinary(func([]byte))
}

type Router struct {
	transport Transport
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	order    []*Session
}

func NewRouter(t Transport, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		transport: t,
		log:       logger.With(slog.String("component", "stream")),
		sessions:  make(map[string]*Session),
	}
	t.OnMessage(r.routeText)
	t.OnBinary(r.routeBinary)
	return r
}

// Open registers a session for requestID. Messages for the id are queued
// from this point on, even before the caller starts iterating.
func (r *Router) Open(requestID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[requestID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, requestID)
	}
	s := newSession(requestID, r)
	r.sessions[requestID] = s
	r.order = append(r.order, s)
	r.log.Debug("session opened", slog.String("request_id", requestID))
	return s, nil
}

// Len returns the number of open sessions.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Send writes a text frame. Byte slices and strings go out unchanged, other
// values are JSON encoded.
func (r *Router) Send(v any) error {
	var data []byte
	switch msg := v.(type) {
	case []byte:
		data = msg
	case string:
		data = []byte(msg)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		data = encoded
	}
	return r.transport.SendText(data)
}

// SendFrame writes a framed binary message.
func (r *Router) SendFrame(meta any, payload []byte) error {
	data, err := frame.Encode(meta, payload)
	if err != nil {
		return err
	}
	return r.transport.SendBinary(data)
}

func (r *Router) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	for i, cur := range r.order {
		if cur == s {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Router) lookup(requestID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[requestID]
}

// fallback picks the oldest session still waiting for audio.
func (r *Router) fallback() (*Session, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var picked *Session
	candidates := 0
	for _, s := range r.order {
		if s.AudioComplete() {
			continue
		}
		candidates++
		if picked == nil {
			picked = s
		}
	}
	return picked, candidates
}

func (r *Router) routeText(data []byte) {
	var msg protocol.StatusMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		r.log.Warn("dropping unparseable text message", slogError(err))
		return
	}
	msg.Raw = append(json.RawMessage(nil), data...)

	id := msg.RequestID.String()
	if id == "" {
		r.log.Debug("text message without request id", slog.String("status", msg.Status))
		return
	}
	s := r.lookup(id)
	if s == nil {
		r.log.Debug("no session for text message", slog.String("request_id", id))
		return
	}
	s.pushStatus(msg)
}

func (r *Router) routeBinary(data []byte) {
	f, err := frame.Decode(data)
	if err != nil {
		r.log.Warn("dropping malformed frame", slogError(err), slog.Int("bytes", len(data)))
		return
	}

	if f.Raw {
		s, candidates := r.fallback()
		if s == nil {
			r.log.Debug("no session for raw audio", slog.Int("bytes", len(data)))
			return
		}
		if candidates > 1 {
			r.log.Warn("raw audio routed to oldest open session",
				slog.String("request_id", s.id),
				slog.Int("candidates", candidates))
		}
		s.pushAudio(Event{
			Kind:      EventAudio,
			RequestID: s.id,
			Metadata:  protocol.PartMetadata{RequestID: protocol.RequestID(s.id)},
			Audio:     f.Payload,
		})
		return
	}

	id := f.Metadata.RequestID.String()
	s := r.lookup(id)
	if s == nil {
		r.log.Debug("no session for audio part", slog.String("request_id", id))
		return
	}
	if frame.IsSentinel(f.Payload) {
		s.markSentinel()
		return
	}
	s.pushAudio(Event{
		Kind:      EventAudio,
		RequestID: id,
		PartID:    f.Metadata.PartID,
		Metadata:  f.Metadata,
		Audio:     f.Payload,
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
