package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// WavBuffer is a complete mono or multi-channel take held as float samples.
// Encode renders it as canonical RIFF/WAVE 16-bit PCM; DecodeWav inverts it.
type WavBuffer struct {
	SampleRate int
	Channels   int
	Samples    []float32
}

var ErrNotWav = errors.New("not a RIFF/WAVE stream")

// Duration returns the take length in seconds.
func (w *WavBuffer) Duration() float64 {
	if w.SampleRate <= 0 || w.Channels <= 0 {
		return 0
	}
	return float64(len(w.Samples)) / float64(w.SampleRate*w.Channels)
}

// Encode serialises the buffer as a canonical 16-bit PCM WAV blob.
func (w *WavBuffer) Encode() []byte {
	pcm := FloatsToPCM16Bytes(w.Samples)

	buf := new(bytes.Buffer)
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	channels := w.Channels
	if channels <= 0 {
		channels = 1
	}
	blockAlign := channels * 2

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(w.SampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(w.SampleRate*blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// DecodeWav parses a canonical 16-bit PCM WAV blob back into a WavBuffer.
func DecodeWav(data []byte) (*WavBuffer, error) {
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, ErrNotWav
	}

	var (
		sampleRate int
		channels   int
		bits       int
		pcm        []byte
	)

	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			return nil, fmt.Errorf("wav: truncated %q chunk", id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("wav: short fmt chunk (%d bytes)", size)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 {
				return nil, fmt.Errorf("wav: unsupported format tag %d (want PCM)", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
		case "data":
			pcm = data[body : body+size]
		}
		off = body + size
		if size%2 == 1 {
			off++ // chunks are word-aligned
		}
	}

	if sampleRate == 0 || channels == 0 {
		return nil, errors.New("wav: missing fmt chunk")
	}
	if bits != 16 {
		return nil, fmt.Errorf("wav: unsupported bit depth %d (want 16)", bits)
	}
	if pcm == nil {
		return nil, errors.New("wav: missing data chunk")
	}

	return &WavBuffer{
		SampleRate: sampleRate,
		Channels:   channels,
		Samples:    PCM16BytesToFloats(pcm),
	}, nil
}

// FloatsToPCM16 converts float samples in [-1,1] to signed 16-bit values,
// clamping out-of-range input.
func FloatsToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = int16(math.Round(float64(s) * 32767))
	}
	return out
}

// FloatsToPCM16Bytes converts float samples to little-endian s16le bytes.
// Input is clamped to [-32768/32767, 1], the range PCM16BytesToFloats
// produces, so every decoded sample encodes back to the same s16 value.
func FloatsToPCM16Bytes(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -32768.0/32767 {
			s = -32768.0 / 32767
		}
		v := int16(math.Round(float64(s) * 32767))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// PCM16BytesToFloats converts little-endian s16le bytes to float samples.
// A trailing odd byte is ignored.
func PCM16BytesToFloats(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / 32767.0
	}
	return out
}

// PCM16ToBytes converts signed 16-bit samples to little-endian bytes.
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
