package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/loqalabs/loqa-speechstream/internal/protocol"
	"pgregory.net/rapid"
)

func intPtr(v int) *int { return &v }

func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		meta := protocol.PartMetadata{
			RequestID: protocol.RequestID(rapid.StringMatching(`[a-z0-9-]{1,16}`).Draw(t, "request_id")),
			PartID:    intPtr(rapid.IntRange(0, 10000).Draw(t, "part_id")),
		}
		if rapid.Bool().Draw(t, "with_count") {
			meta.PartsCount = intPtr(rapid.IntRange(1, 500).Draw(t, "parts_count"))
		}
		payload := rapid.SliceOf(rapid.Byte()).Draw(t, "payload")

		data, err := Encode(meta, payload)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Raw {
			t.Fatalf("expected framed message")
		}
		if got.Metadata.RequestID != meta.RequestID || *got.Metadata.PartID != *meta.PartID {
			t.Fatalf("metadata mismatch: %+v vs %+v", got.Metadata, meta)
		}
		if (meta.PartsCount == nil) != (got.Metadata.PartsCount == nil) {
			t.Fatalf("parts_count presence mismatch")
		}
		if meta.PartsCount != nil && *meta.PartsCount != *got.Metadata.PartsCount {
			t.Fatalf("parts_count mismatch")
		}
		if !bytes.Equal(got.Payload, payload) {
			t.Fatalf("payload mismatch: %d vs %d bytes", len(got.Payload), len(payload))
		}
	})
}

func TestDecodeWithoutMagicReturnsRaw(t *testing.T) {
	data := []byte("RIFF....WAVEfmt ")
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Raw || !bytes.Equal(got.Payload, data) {
		t.Fatalf("expected raw payload, got %+v", got)
	}

	short, err := Decode([]byte("JS"))
	if err != nil || !short.Raw {
		t.Fatalf("expected short buffer to be raw, got %+v err=%v", short, err)
	}
}

func TestDecodeMalformedMetadata(t *testing.T) {
	bad := []byte("{not json")
	data := make([]byte, 8+len(bad))
	copy(data, Magic)
	binary.LittleEndian.PutUint32(data[4:8], uint32(len(bad)))
	copy(data[8:], bad)

	if _, err := Decode(data); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestDecodeLengthOverflow(t *testing.T) {
	data := make([]byte, 12)
	copy(data, Magic)
	binary.LittleEndian.PutUint32(data[4:8], 1000)
	if _, err := Decode(data); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestIsSentinel(t *testing.T) {
	if !IsSentinel(nil) || !IsSentinel(make([]byte, SentinelSize-1)) {
		t.Fatal("expected small payloads to be sentinels")
	}
	if IsSentinel(make([]byte, SentinelSize)) {
		t.Fatal("expected payload of sentinel size to be playable")
	}
}
