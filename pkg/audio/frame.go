// Package audio defines the PCM frame type and level math shared by the
// capture, VAD, wake-word, and streaming stages. The pipeline runs a single
// fixed format: 16 kHz, 16-bit, mono.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const (
	SampleRate    = 16000
	NumChannels   = 1
	BitsPerSample = 16

	// FrameSamples10ms and FrameSamples20ms are the only legal frame sizes.
	FrameSamples10ms = 160
	FrameSamples20ms = 320
)

// Frame is a contiguous owned buffer of 16-bit mono samples plus capture
// metadata. Frames are handed off between stages, never shared: the producer
// gives up ownership when it passes a frame downstream.
//
// Timestamp is milliseconds since boot; Seq is strictly increasing per
// producer.
type Frame struct {
	Samples   []int16
	Timestamp uint32
	Seq       uint32
}

// NewFrame validates the sample count and wraps the buffer in a Frame.
// The samples slice is owned by the returned frame.
func NewFrame(samples []int16, timestampMs, seq uint32) (Frame, error) {
	if len(samples) != FrameSamples10ms && len(samples) != FrameSamples20ms {
		return Frame{}, fmt.Errorf("frame length must be %d or %d samples, got %d",
			FrameSamples10ms, FrameSamples20ms, len(samples))
	}
	return Frame{Samples: samples, Timestamp: timestampMs, Seq: seq}, nil
}

// Duration returns the wall time covered by the frame.
func (f Frame) Duration() time.Duration {
	return time.Duration(len(f.Samples)) * time.Second / SampleRate
}

// Clone creates a deep copy of the frame.
func (f Frame) Clone() Frame {
	samples := make([]int16, len(f.Samples))
	copy(samples, f.Samples)
	return Frame{Samples: samples, Timestamp: f.Timestamp, Seq: f.Seq}
}

// Bytes encodes the samples as little-endian PCM.
func (f Frame) Bytes() []byte {
	out := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// SamplesFromBytes decodes little-endian 16-bit PCM. The byte length must
// be even.
func SamplesFromBytes(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("PCM byte length must be even, got %d", len(b))
	}
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out, nil
}

// RMS returns the root-mean-square amplitude of the samples in raw
// 16-bit units.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Peak returns the largest absolute sample value normalized to [0,1].
func Peak(samples []int16) float64 {
	var peak int32
	for _, s := range samples {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return float64(peak) / 32768.0
}

// ZeroCrossings counts sign changes across the buffer. Speech frames at
// 16 kHz typically land between 5 and 200 crossings per 20 ms frame.
func ZeroCrossings(samples []int16) int {
	if len(samples) < 2 {
		return 0
	}
	count := 0
	prevNeg := samples[0] < 0
	for _, s := range samples[1:] {
		neg := s < 0
		if neg != prevNeg {
			count++
			prevNeg = neg
		}
	}
	return count
}

// ScaleSaturating multiplies samples in place by scale (Q8.8 fixed point,
// 256 == unity) saturating at the int16 range. Used for TTS volume.
func ScaleSaturating(samples []int16, scale int32) {
	for i, s := range samples {
		v := (int32(s) * scale) >> 8
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		samples[i] = int16(v)
	}
}
