package protocol

import (
	"encoding/json"
	"testing"
)

func TestRequestIDAcceptsStringsAndNumbers(t *testing.T) {
	var msg StatusMessage
	if err := json.Unmarshal([]byte(`{"request_id": 1, "status": "started"}`), &msg); err != nil {
		t.Fatalf("unmarshal numeric id: %v", err)
	}
	if msg.RequestID != "1" {
		t.Fatalf("expected request id 1, got %q", msg.RequestID)
	}
	if err := json.Unmarshal([]byte(`{"request_id": "abc", "status": "completed", "data": {"parts_count": 3}}`), &msg); err != nil {
		t.Fatalf("unmarshal string id: %v", err)
	}
	if msg.RequestID != "abc" {
		t.Fatalf("expected request id abc, got %q", msg.RequestID)
	}
	if !msg.Terminal() || msg.PartsCount() != 3 {
		t.Fatalf("expected terminal status with 3 parts, got %+v", msg)
	}
}

func TestRequestIDMarshalKeepsNumbers(t *testing.T) {
	data, err := json.Marshal(Command{Command: CommandGenerateTakes, RequestID: "7", Data: map[string]string{}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"command":"/takes/generate","request_id":7,"data":{}}`
	if string(data) != want {
		t.Fatalf("expected %s, got %s", want, data)
	}

	data, err = json.Marshal(Command{Command: CommandGenerateTakes, RequestID: "req-7"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"command":"/takes/generate","request_id":"req-7","data":null}` {
		t.Fatalf("unexpected encoding %s", data)
	}
}

func TestSubjects(t *testing.T) {
	if StatusSubject("r1") != "speech.status.r1" {
		t.Fatalf("unexpected status subject %s", StatusSubject("r1"))
	}
	if AudioSubject("r1") != "speech.audio.r1" {
		t.Fatalf("unexpected audio subject %s", AudioSubject("r1"))
	}
}
