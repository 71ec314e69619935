package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Status values carried by text frames.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// CommandGenerateTakes asks the worker to synthesize and stream a take.
const CommandGenerateTakes = "/takes/generate"

// RequestID correlates commands, status messages and audio parts. Servers
// may send it as a JSON string or number; both decode to the same value.
type RequestID string

func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = RequestID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("request_id: %w", err)
	}
	*id = RequestID(n.String())
	return nil
}

// MarshalJSON writes integer ids as JSON numbers so servers that echo the
// id back see the same type they were sent.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(strconv.FormatInt(n, 10)), nil
	}
	return json.Marshal(string(id))
}

func (id RequestID) String() string { return string(id) }

// StatusData is the optional nested object of a status message.
type StatusData struct {
	PartsCount int `json:"parts_count,omitempty"`
}

// StatusMessage is an out-of-band text frame for one request.
type StatusMessage struct {
	RequestID RequestID       `json:"request_id"`
	Status    string          `json:"status"`
	Message   string          `json:"message,omitempty"`
	Data      *StatusData     `json:"data,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// Terminal reports whether the status ends the text side of a request.
func (m StatusMessage) Terminal() bool {
	return m.Status == StatusCompleted || m.Status == StatusError
}

// PartsCount returns the announced number of audio parts, or zero.
func (m StatusMessage) PartsCount() int {
	if m.Data == nil {
		return 0
	}
	return m.Data.PartsCount
}

// PartMetadata is the JSON header of a framed binary message.
type PartMetadata struct {
	RequestID  RequestID `json:"request_id"`
	PartID     *int      `json:"part_id,omitempty"`
	PartsCount *int      `json:"parts_count,omitempty"`
	Status     string    `json:"status,omitempty"`
}

// Command is sent by callers to start work on the worker.
type Command struct {
	Command   string    `json:"command"`
	RequestID RequestID `json:"request_id"`
	Data      any       `json:"data"`
}

// Prosody controls delivery of the generated take.
type Prosody struct {
	Pace       int `json:"pace"`
	Pitch      int `json:"pitch"`
	Expression int `json:"expression"`
}

// StreamOptions selects how audio is streamed back.
type StreamOptions struct {
	Mode string `json:"mode"`
}

// GenerateData is the payload of CommandGenerateTakes.
type GenerateData struct {
	Text          string        `json:"text"`
	VoiceID       string        `json:"voice_id,omitempty"`
	Prosody       Prosody       `json:"prosody"`
	StreamOptions StreamOptions `json:"stream_options"`
}

// SpeakRequest asks the daemon to synthesize and play text.
type SpeakRequest struct {
	RequestID string   `json:"request_id,omitempty"`
	Text      string   `json:"text"`
	VoiceID   string   `json:"voice_id,omitempty"`
	Prosody   *Prosody `json:"prosody,omitempty"`
}

// SpeakResult is published once per request when playback finishes.
type SpeakResult struct {
	RequestID     string    `json:"request_id"`
	Completed     bool      `json:"completed"`
	Error         string    `json:"error,omitempty"`
	PartsReceived int       `json:"parts_received"`
	PartsRendered int       `json:"parts_rendered"`
	PartsDropped  int       `json:"parts_dropped"`
	FirstAudioMS  int64     `json:"first_audio_ms,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ConnectionStatus mirrors connection manager state changes onto the bus.
type ConnectionStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSpeakRequest     = "speech.request"
	SubjectStatusPrefix     = "speech.status"
	SubjectAudioPrefix      = "speech.audio"
	SubjectSpeakDone        = "speech.done"
	SubjectConnectionStatus = "speech.connection"
)

// StatusSubject is the per-request subject for status events.
func StatusSubject(requestID string) string {
	return SubjectStatusPrefix + "." + requestID
}

// AudioSubject is the per-request subject for audio parts.
func AudioSubject(requestID string) string {
	return SubjectAudioPrefix + "." + requestID
}
