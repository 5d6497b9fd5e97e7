// Package pcm converts between floating-point audio samples and 16-bit
// little-endian PCM, and between raw bytes and the transport text encoding.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// MalformedAudioError reports a chunk whose byte length does not divide
// evenly into 16-bit samples for the given channel count.
type MalformedAudioError struct {
	Length   int
	Channels int
}

func (e MalformedAudioError) Error() string {
	return fmt.Sprintf("pcm: %d bytes is not a multiple of %d (s16le x %d channels)",
		e.Length, 2*e.Channels, e.Channels)
}

// Buffer holds decoded per-channel float samples.
type Buffer struct {
	Channels [][]float32
	Rate     int
	Duration time.Duration
}

// FrameCount returns the number of sample frames per channel.
func (b Buffer) FrameCount() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// EncodeFrame clamps each sample to [-1, 1] and serializes it as signed
// 16-bit little-endian PCM. Negative values scale by 32768 and non-negative
// by 32767 so that neither end of the range overflows, rounding half away
// from zero.
func EncodeFrame(samples []float32) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		v := float64(s)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		var q int
		if v < 0 {
			q = int(math.Ceil(v*32768 - 0.5))
			if q < math.MinInt16 {
				q = math.MinInt16
			}
		} else {
			q = int(math.Floor(v*32767 + 0.5))
			if q > math.MaxInt16 {
				q = math.MaxInt16
			}
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(q)))
	}
	return out
}

// DecodeChunk reinterprets data as interleaved signed 16-bit little-endian
// samples, de-interleaves by channel and normalizes by 1/32768.
func DecodeChunk(data []byte, rate, channels int) (Buffer, error) {
	if channels <= 0 {
		channels = 1
	}
	if rate <= 0 {
		return Buffer{}, fmt.Errorf("pcm: invalid sample rate %d", rate)
	}
	stride := 2 * channels
	if len(data)%stride != 0 {
		return Buffer{}, MalformedAudioError{Length: len(data), Channels: channels}
	}
	frameCount := len(data) / stride
	chans := make([][]float32, channels)
	for c := range chans {
		chans[c] = make([]float32, frameCount)
	}
	for i := 0; i < frameCount; i++ {
		for c := 0; c < channels; c++ {
			raw := int16(binary.LittleEndian.Uint16(data[i*stride+2*c:]))
			chans[c][i] = float32(raw) / 32768.0
		}
	}
	return Buffer{
		Channels: chans,
		Rate:     rate,
		Duration: time.Duration(frameCount) * time.Second / time.Duration(rate),
	}, nil
}

// MarshalWire encodes raw bytes into the transport-safe text form.
func MarshalWire(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// UnmarshalWire is the inverse of MarshalWire; the round trip holds for
// every byte sequence, including empty input.
func UnmarshalWire(text string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(text)
}
