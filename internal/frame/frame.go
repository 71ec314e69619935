// Package frame implements the binary message format used to carry audio
// parts over the socket.
//
// Layout, all integers little-endian:
//
//	offset 0   : 4 bytes ASCII magic "JSON"
//	offset 4   : u32 metadata length L
//	offset 8   : L bytes UTF-8 JSON metadata
//	offset 8+L : payload (a self-contained audio container)
//
// Buffers without the magic are returned as raw payloads.
package frame

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-speechstream/internal/protocol"
)

const (
	Magic      = "JSON"
	headerSize = 8

	// SentinelSize is the payload length below which a frame marks the end
	// of audio for its request rather than a playable part.
	SentinelSize = 100
)

// ErrMalformedFrame is returned when a framed buffer cannot be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is a decoded binary message.
type Frame struct {
	// Raw is true when the buffer carried no magic and Payload is the
	// whole message.
	Raw      bool
	Metadata protocol.PartMetadata
	MetaJSON json.RawMessage
	Payload  []byte
}

// Encode builds a framed message from metadata and payload.
func Encode(meta any, payload []byte) ([]byte, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	buf := make([]byte, headerSize+len(metaJSON)+len(payload))
	copy(buf, Magic)
	binary.LittleEndian.PutUint32(buf[4:headerSize], uint32(len(metaJSON)))
	copy(buf[headerSize:], metaJSON)
	copy(buf[headerSize+len(metaJSON):], payload)
	return buf, nil
}

// Decode splits a message into metadata and payload.
func Decode(data []byte) (Frame, error) {
	if len(data) < headerSize || !bytes.Equal(data[:4], []byte(Magic)) {
		return Frame{Raw: true, Payload: data}, nil
	}
	length := binary.LittleEndian.Uint32(data[4:headerSize])
	if uint64(length) > uint64(len(data)-headerSize) {
		return Frame{}, fmt.Errorf("%w: metadata length %d exceeds frame size %d", ErrMalformedFrame, length, len(data))
	}
	end := headerSize + int(length)
	metaJSON := data[headerSize:end]

	var meta protocol.PartMetadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return Frame{
		Metadata: meta,
		MetaJSON: json.RawMessage(metaJSON),
		Payload:  data[end:],
	}, nil
}

// IsSentinel reports whether payload marks the end of a request's audio.
func IsSentinel(payload []byte) bool {
	return len(payload) < SentinelSize
}
