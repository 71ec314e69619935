package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrEmptyAudio        = errors.New("audio contains no samples")
)

// Decode converts a self-contained WAV or MP3 part to a Clip.
func Decode(data []byte) (Clip, error) {
	switch {
	case isWAV(data):
		return decodeWAV(data)
	case isMP3(data):
		return decodeMP3(data)
	default:
		return Clip{}, ErrUnsupportedFormat
	}
}

// Decoder adds Decode to the sinks so they satisfy the sequencer's sink.
type Decoder struct{}

func (Decoder) Decode(data []byte) (Clip, error) { return Decode(data) }

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

func isMP3(data []byte) bool {
	if len(data) >= 3 && string(data[:3]) == "ID3" {
		return true
	}
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}

func decodeWAV(data []byte) (Clip, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Clip{}, fmt.Errorf("%w: invalid wav header", ErrUnsupportedFormat)
	}
	if dec.WavAudioFormat != 1 {
		return Clip{}, fmt.Errorf("%w: wav encoding %d", ErrUnsupportedFormat, dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode wav: %w", err)
	}
	if len(buf.Data) == 0 {
		return Clip{}, ErrEmptyAudio
	}

	shift := int(dec.BitDepth) - 16
	pcm := make([]byte, len(buf.Data)*bytesPerSample)
	for i, s := range buf.Data {
		switch {
		case dec.BitDepth == 8:
			s = (s - 128) << 8
		case shift > 0:
			s >>= shift
		}
		binary.LittleEndian.PutUint16(pcm[i*bytesPerSample:], uint16(int16(s)))
	}
	return Clip{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		PCM:        pcm,
	}, nil
}

func decodeMP3(data []byte) (Clip, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return Clip{}, fmt.Errorf("decode mp3: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return Clip{}, fmt.Errorf("decode mp3: %w", err)
	}
	if len(pcm) == 0 {
		return Clip{}, ErrEmptyAudio
	}
	// go-mp3 always produces 16-bit stereo.
	return Clip{SampleRate: dec.SampleRate(), Channels: 2, PCM: pcm}, nil
}
