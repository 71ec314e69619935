package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speechstream/internal/frame"
	"github.com/loqalabs/loqa-speechstream/internal/protocol"
)

type fakeTransport struct {
	mu     sync.Mutex
	text   [][]byte
	binary [][]byte
	onText []func([]byte)
	onBin  []func([]byte)
}

func (f *fakeTransport) SendText(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = append(f.text, data)
	return nil
}

func (f *fakeTransport) SendBinary(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binary = append(f.binary, data)
	return nil
}

func (f *fakeTransport) OnMessage(fn func([]byte)) { f.onText = append(f.onText, fn) }
func (f *fakeTransport) OnBinary(fn func([]byte))  { f.onBin = append(f.onBin, fn) }

func (f *fakeTransport) deliverText(s string) {
	for _, fn := range f.onText {
		fn([]byte(s))
	}
}

func (f *fakeTransport) deliverBinary(data []byte) {
	for _, fn := range f.onBin {
		fn(data)
	}
}

func (f *fakeTransport) deliverPart(t *testing.T, requestID string, partID int, size int) {
	t.Helper()
	id := partID
	data, err := frame.Encode(protocol.PartMetadata{RequestID: protocol.RequestID(requestID), PartID: &id}, bytes.Repeat([]byte{1}, size))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.deliverBinary(data)
}

func newTestRouter() (*Router, *fakeTransport) {
	tr := &fakeTransport{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(tr, logger), tr
}

func collect(t *testing.T, s *Session) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var events []Event
	for ev := range s.Events(ctx) {
		events = append(events, ev)
	}
	if ctx.Err() != nil {
		t.Fatalf("session did not complete: %d events so far", len(events))
	}
	return events
}

func TestCompletesFromPartsCountWithoutSentinel(t *testing.T) {
	r, tr := newTestRouter()
	s, err := r.Open("1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	tr.deliverText(`{"request_id": 1, "status": "started"}`)
	tr.deliverPart(t, "1", 0, 200)
	tr.deliverPart(t, "1", 1, 200)
	tr.deliverText(`{"request_id": 1, "status": "completed", "data": {"parts_count": 3}}`)
	tr.deliverPart(t, "1", 2, 200)

	events := collect(t, s)
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	audio := 0
	for _, ev := range events {
		if ev.Kind == EventAudio {
			audio++
		}
	}
	if audio != 3 {
		t.Fatalf("expected 3 audio events, got %d", audio)
	}
	if r.Len() != 0 {
		t.Fatalf("expected session to be removed, %d open", r.Len())
	}
}

func TestCompletionIndependentOfArrivalOrder(t *testing.T) {
	r, tr := newTestRouter()
	s, _ := r.Open("req")

	tr.deliverPart(t, "req", 0, 200)
	tr.deliverPart(t, "req", 1, 200)
	tr.deliverPart(t, "req", 1, 200)
	if s.AudioComplete() {
		t.Fatal("audio must not complete before the text side")
	}
	tr.deliverText(`{"request_id": "req", "status": "completed", "data": {"parts_count": 2}}`)
	if !s.TextComplete() || !s.AudioComplete() {
		t.Fatal("expected both sides complete once the count is known")
	}
	if s.Received() != 2 || s.Expected() != 2 {
		t.Fatalf("expected 2/2 distinct parts, got %d/%d", s.Received(), s.Expected())
	}
	if got := len(collect(t, s)); got != 4 {
		t.Fatalf("expected queued events to drain before ending, got %d", got)
	}
}

func TestDuplicatePartsCountOnce(t *testing.T) {
	r, tr := newTestRouter()
	s, _ := r.Open("req")
	tr.deliverText(`{"request_id": "req", "status": "completed", "data": {"parts_count": 2}}`)
	tr.deliverPart(t, "req", 0, 200)
	tr.deliverPart(t, "req", 0, 200)
	if s.AudioComplete() {
		t.Fatal("duplicate part ids must not satisfy the count")
	}
	s.Close()
}

func TestSentinelCompletesAudioWithMissingParts(t *testing.T) {
	r, tr := newTestRouter()
	s, _ := r.Open("req")

	tr.deliverText(`{"request_id": "req", "status": "completed", "data": {"parts_count": 5}}`)
	tr.deliverPart(t, "req", 0, 200)
	tr.deliverPart(t, "req", 1, 10)

	events := collect(t, s)
	if len(events) != 2 {
		t.Fatalf("expected status and one audio event, got %d", len(events))
	}
	if events[1].Kind != EventAudio || *events[1].PartID != 0 {
		t.Fatalf("unexpected event %+v", events[1])
	}
}

func TestErrorStatusYieldsErrorEvent(t *testing.T) {
	r, tr := newTestRouter()
	s, _ := r.Open("req")

	tr.deliverText(`{"request_id": "req", "status": "error", "message": "voice not found"}`)
	tr.deliverPart(t, "req", 0, 0)

	events := collect(t, s)
	if len(events) != 1 || events[0].Kind != EventError {
		t.Fatalf("expected a single error event, got %+v", events)
	}
	if events[0].Status.Message != "voice not found" {
		t.Fatalf("unexpected message %q", events[0].Status.Message)
	}
}

func TestMalformedAndUnroutedMessagesAreDropped(t *testing.T) {
	r, tr := newTestRouter()
	s, _ := r.Open("req")

	tr.deliverText(`not json`)
	tr.deliverText(`{"request_id": "other", "status": "started"}`)
	bad := make([]byte, 12)
	copy(bad, frame.Magic)
	bad[4] = 0xff
	tr.deliverBinary(bad)
	tr.deliverPart(t, "other", 0, 200)

	tr.deliverText(`{"request_id": "req", "status": "completed"}`)
	tr.deliverPart(t, "req", 0, 0)

	events := collect(t, s)
	if len(events) != 1 || events[0].Status.Status != protocol.StatusCompleted {
		t.Fatalf("expected only the completed status, got %+v", events)
	}
}

func TestRawAudioFallsBackToOldestOpenSession(t *testing.T) {
	r, tr := newTestRouter()
	first, _ := r.Open("a")
	second, _ := r.Open("b")

	tr.deliverPart(t, "a", 0, 0)
	tr.deliverBinary(bytes.Repeat([]byte{'R'}, 300))

	if first.Received() != 0 {
		t.Fatalf("raw audio has no part id, got %d received", first.Received())
	}
	ev, ok, _ := second.next()
	if !ok || ev.Kind != EventAudio || ev.PartID != nil || len(ev.Audio) != 300 {
		t.Fatalf("expected raw audio on second session, got %+v ok=%v", ev, ok)
	}
	if _, ok, _ := first.next(); ok {
		t.Fatal("audio-complete session must not receive raw audio")
	}
	first.Close()
	second.Close()
}

func TestOpenDuplicateSession(t *testing.T) {
	r, _ := newTestRouter()
	s, err := r.Open("x")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := r.Open("x"); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
	s.Close()
	s.Close()
	if _, err := r.Open("x"); err != nil {
		t.Fatalf("expected reopen after close, got %v", err)
	}
}

func TestBreakingOutAbandonsSession(t *testing.T) {
	r, tr := newTestRouter()
	s, _ := r.Open("req")
	tr.deliverText(`{"request_id": "req", "status": "started"}`)

	for range s.Events(context.Background()) {
		break
	}
	if r.Len() != 0 {
		t.Fatal("expected session removed after break")
	}
	for range s.Events(context.Background()) {
		t.Fatal("second consumption must yield nothing")
	}
}

func TestEventsStopOnContextCancel(t *testing.T) {
	r, _ := newTestRouter()
	s, _ := r.Open("req")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		for range s.Events(ctx) {
		}
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("iteration did not stop on cancel")
	}
}

func TestSendEncodesValues(t *testing.T) {
	r, tr := newTestRouter()
	if err := r.Send(protocol.Command{Command: protocol.CommandGenerateTakes, RequestID: "3"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := r.Send("raw text"); err != nil {
		t.Fatalf("send: %v", err)
	}
	var cmd map[string]any
	if err := json.Unmarshal(tr.text[0], &cmd); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd["command"] != protocol.CommandGenerateTakes || cmd["request_id"] != float64(3) {
		t.Fatalf("unexpected command %v", cmd)
	}
	if string(tr.text[1]) != "raw text" {
		t.Fatalf("unexpected raw text %q", tr.text[1])
	}

	if err := r.SendFrame(protocol.PartMetadata{RequestID: "3"}, []byte("abc")); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	f, err := frame.Decode(tr.binary[0])
	if err != nil || f.Raw || string(f.Payload) != "abc" {
		t.Fatalf("unexpected frame %+v err=%v", f, err)
	}
}
