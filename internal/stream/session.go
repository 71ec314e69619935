package stream

import (
	"context"
	"iter"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-speechstream/internal/protocol"
)

type EventKind string

const (
	EventStatus EventKind = "status"
	EventAudio  EventKind = "audio"
	EventError  EventKind = "error"
)

// Event is one item of a session's sequence. Status and error events carry
// Status; audio events carry Audio and, when framed, PartID.
type Event struct {
	Kind      EventKind
	RequestID string
	Status    *protocol.StatusMessage
	PartID    *int
	Metadata  protocol.PartMetadata
	Audio     []byte
}

// Session is the router's per-request state. Events are queued in arrival
// order and handed out through Events.
type Session struct {
	id     string
	router *Router
	notify chan struct{}

	mu            sync.Mutex
	queue         []Event
	textComplete  bool
	audioComplete bool
	expected      int
	received      map[int]struct{}
	closed        bool
	consumed      bool
}

func newSession(id string, r *Router) *Session {
	return &Session{
		id:       id,
		router:   r,
		notify:   make(chan struct{}, 1),
		received: make(map[int]struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Events returns the session's lazily pulled sequence. It ends once the
// text and audio sides are both complete and every queued event has been
// yielded, when ctx is done, or when the session is closed. Stopping the
// loop early closes the session. The sequence can be consumed once.
func (s *Session) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		s.mu.Lock()
		if s.consumed {
			s.mu.Unlock()
			return
		}
		s.consumed = true
		s.mu.Unlock()
		defer s.Close()

		for {
			ev, ok, done := s.next()
			if ok {
				if !yield(ev) {
					return
				}
				continue
			}
			if done {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-s.notify:
			}
		}
	}
}

// Close abandons the session and removes it from the router.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.wake()
	s.router.remove(s)
}

func (s *Session) TextComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.textComplete
}

func (s *Session) AudioComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioComplete
}

// Expected returns the announced part count, zero while unknown.
func (s *Session) Expected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expected
}

// Received returns the number of distinct part ids seen.
func (s *Session) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func (s *Session) next() (Event, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Event{}, false, true
	}
	if len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		return ev, true, false
	}
	return Event{}, false, s.textComplete && s.audioComplete
}

func (s *Session) pushStatus(msg protocol.StatusMessage) {
	kind := EventStatus
	if msg.Status == protocol.StatusError {
		kind = EventError
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, Event{Kind: kind, RequestID: s.id, Status: &msg})
	if msg.Terminal() {
		s.textComplete = true
		if n := msg.PartsCount(); n > 0 {
			s.expected = n
		}
	}
	s.evaluate()
	s.mu.Unlock()
	s.wake()
}

func (s *Session) pushAudio(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	if ev.PartID != nil {
		s.received[*ev.PartID] = struct{}{}
	}
	s.evaluate()
	s.mu.Unlock()
	s.wake()
}

func (s *Session) markSentinel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.audioComplete {
		s.audioComplete = true
		s.router.log.Debug("end of audio signalled", slog.String("request_id", s.id))
	}
	s.mu.Unlock()
	s.wake()
}

// evaluate infers audio completion from the part count. Caller holds mu.
func (s *Session) evaluate() {
	if s.audioComplete || !s.textComplete || s.expected <= 0 {
		return
	}
	if len(s.received) >= s.expected {
		s.audioComplete = true
		s.router.log.Debug("all expected parts received",
			slog.String("request_id", s.id),
			slog.Int("parts", s.expected))
	}
}

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
