// Package audio decodes streamed parts to PCM and renders them.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Clip is a decoded part: interleaved signed 16-bit little-endian PCM.
type Clip struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

const bytesPerSample = 2

// Frames returns the number of sample frames in the clip.
func (c Clip) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.PCM) / (bytesPerSample * c.Channels)
}

func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.SampleRate)
}

// SameFormat reports whether two clips can be concatenated.
func (c Clip) SameFormat(o Clip) bool {
	return c.SampleRate == o.SampleRate && c.Channels == o.Channels
}

// IntBuffer converts the clip to a go-audio buffer for encoding.
func (c Clip) IntBuffer() *goaudio.IntBuffer {
	samples := make([]int, len(c.PCM)/bytesPerSample)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(c.PCM[i*bytesPerSample:])))
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: c.Channels, SampleRate: c.SampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
}

// EncodeWAV renders the clip as a complete 16-bit PCM WAV file.
func EncodeWAV(c Clip) ([]byte, error) {
	if c.Channels <= 0 || c.SampleRate <= 0 {
		return nil, errors.New("clip format not set")
	}
	out := &seekBuffer{}
	enc := wav.NewEncoder(out, c.SampleRate, 16, c.Channels, 1)
	if err := enc.Write(c.IntBuffer()); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.buf, nil
}

// seekBuffer is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch chunk sizes. Seeking past the end is allowed and the next Write
// zero-fills the gap; a negative position is an error and leaves pos as is.
type seekBuffer struct {
	buf []byte
	pos int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.buf) {
		b.buf = append(b.buf, make([]byte, end-len(b.buf))...)
	}
	copy(b.buf[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(b.pos) + offset
	case io.SeekEnd:
		next = int64(len(b.buf)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	b.pos = int(next)
	return next, nil
}
