package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speechstream/internal/conn"
	"github.com/loqalabs/loqa-speechstream/internal/eventstore"
	"github.com/loqalabs/loqa-speechstream/internal/frame"
	"github.com/loqalabs/loqa-speechstream/internal/protocol"
)

type publisher interface {
	Publish(subject string, data []byte) error
	PublishJSON(subject string, v any) error
}

type timeline interface {
	OpenSession(ctx context.Context, requestID, voiceID string, textChars int) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	FinishSession(ctx context.Context, result protocol.SpeakResult) error
}

const (
	relayQueueSize    = 256
	relayWriteTimeout = 5 * time.Second
)

// relay fans session activity out to the bus and the event store. Bus
// publishes are buffered by the NATS client; store writes go through a
// queue drained by one goroutine so the speaking goroutine never waits on
// SQLite.
type relay struct {
	pub          publisher
	store        timeline
	publishAudio bool
	log          *slog.Logger

	writes    chan func(context.Context) error
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newRelay(pub publisher, store timeline, publishAudio bool, logger *slog.Logger) *relay {
	r := &relay{
		pub:          pub,
		store:        store,
		publishAudio: publishAudio,
		log:          logger.With(slog.String("component", "relay")),
		writes:       make(chan func(context.Context) error, relayQueueSize),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *relay) run() {
	defer r.wg.Done()
	for write := range r.writes {
		ctx, cancel := context.WithTimeout(context.Background(), relayWriteTimeout)
		if err := write(ctx); err != nil {
			r.log.Warn("event store write failed", slogError(err))
		}
		cancel()
	}
}

// Close flushes queued store writes.
func (r *relay) Close() {
	r.closeOnce.Do(func() { close(r.writes) })
	r.wg.Wait()
}

func (r *relay) record(write func(context.Context) error) {
	if r.store == nil {
		return
	}
	select {
	case r.writes <- write:
	default:
		r.log.Warn("event store queue full, dropping event")
	}
}

func (r *relay) publish(subject string, data []byte) {
	if r.pub == nil {
		return
	}
	if err := r.pub.Publish(subject, data); err != nil {
		r.log.Warn("publish failed", slog.String("subject", subject), slogError(err))
	}
}

func (r *relay) publishJSON(subject string, v any) {
	if r.pub == nil {
		return
	}
	if err := r.pub.PublishJSON(subject, v); err != nil {
		r.log.Warn("publish failed", slog.String("subject", subject), slogError(err))
	}
}

func (r *relay) SessionStarted(requestID, voiceID, text string) {
	chars := len([]rune(text))
	r.record(func(ctx context.Context) error {
		return r.store.OpenSession(ctx, requestID, voiceID, chars)
	})
}

func (r *relay) SessionStatus(requestID string, msg protocol.StatusMessage) {
	payload := []byte(msg.Raw)
	if len(payload) == 0 {
		var err error
		if payload, err = json.Marshal(msg); err != nil {
			r.log.Warn("encode status failed", slog.String("request_id", requestID), slogError(err))
			return
		}
	}
	r.publish(protocol.StatusSubject(requestID), payload)
	r.record(func(ctx context.Context) error {
		return r.store.AppendEvent(ctx, eventstore.Event{RequestID: requestID, Type: eventstore.TypeStatus, Payload: payload})
	})
}

func (r *relay) SessionAudio(requestID string, partID int, data []byte) {
	if r.publishAudio && r.pub != nil {
		id := partID
		framed, err := frame.Encode(protocol.PartMetadata{RequestID: protocol.RequestID(requestID), PartID: &id}, data)
		if err != nil {
			r.log.Warn("frame audio failed", slog.String("request_id", requestID), slogError(err))
		} else {
			r.publish(protocol.AudioSubject(requestID), framed)
		}
	}
	size, _ := json.Marshal(map[string]int{"bytes": len(data)})
	r.record(func(ctx context.Context) error {
		return r.store.AppendEvent(ctx, eventstore.Event{RequestID: requestID, Type: eventstore.TypeAudio, PartID: &partID, Payload: size})
	})
}

func (r *relay) SessionDone(result protocol.SpeakResult) {
	r.publishJSON(protocol.SubjectSpeakDone, result)
	r.record(func(ctx context.Context) error {
		payload, err := json.Marshal(result)
		if err != nil {
			return err
		}
		// FinishSession creates the row for requests that failed before starting.
		if err := r.store.FinishSession(ctx, result); err != nil {
			return err
		}
		return r.store.AppendEvent(ctx, eventstore.Event{RequestID: result.RequestID, Type: eventstore.TypeDone, Payload: payload})
	})
}

// ConnectionStatus mirrors manager state changes onto the bus.
func (r *relay) ConnectionStatus(status conn.Status) {
	r.publishJSON(protocol.SubjectConnectionStatus, protocol.ConnectionStatus{
		Status:    string(status),
		Timestamp: time.Now().UTC(),
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
