// Package device abstracts the full-duplex audio hardware. The pipeline
// talks to the Device interface; production uses the PortAudio
// implementation, tests and the simulate command use the fake.
package device

import (
	"context"
	"time"

	"github.com/Jmi2020/howdyscreen-go/pkg/audio"
)

// Mode selects which directions the device runs. Modes are exclusive;
// switching is atomic at frame boundaries.
type Mode int32

const (
	ModeCapture Mode = iota
	ModePlayback
	ModeSimultaneous
)

func (m Mode) String() string {
	switch m {
	case ModeCapture:
		return "Capture"
	case ModePlayback:
		return "Playback"
	case ModeSimultaneous:
		return "Simultaneous"
	default:
		return "Unknown"
	}
}

// Config holds device parameters. DMA-equivalent buffering is expressed as
// frames in flight: FrameSamples*BuffersInFlight bounds pipeline latency
// (320 samples x 2 buffers = 40 ms worst case; keep BuffersInFlight <= 4
// to stay inside the 30 ms playback budget with 10 ms frames).
type Config struct {
	SampleRate      int
	FrameSamples    int
	BuffersInFlight int
	InputDevice     string
	OutputDevice    string
}

// DefaultConfig returns the appliance defaults: 16 kHz, 20 ms frames,
// two buffers in flight.
func DefaultConfig() Config {
	return Config{
		SampleRate:      audio.SampleRate,
		FrameSamples:    audio.FrameSamples20ms,
		BuffersInFlight: 2,
	}
}

// Stats reports device counters for the status plane.
type Stats struct {
	FramesCaptured uint64
	FramesPlayed   uint64
	AvgLatencyMs   float64
	ActiveProtocol string
}

// Device is a full-duplex 16 kHz / 16-bit / mono PCM endpoint.
//
// CaptureFrame hands ownership of the returned frame to the caller; the
// device never retains it. The call fails with a fault.Timeout when no
// frame arrives within the configured bound.
type Device interface {
	Start(mode Mode) error
	Stop() error

	// SetMode switches direction atomically at a frame boundary. Setting
	// the current mode is a no-op.
	SetMode(mode Mode) error
	Mode() Mode

	CaptureFrame(ctx context.Context) (audio.Frame, error)

	// EnqueuePlayback queues PCM for the speaker. Only legal in Playback
	// or Simultaneous mode.
	EnqueuePlayback(samples []int16) error
	PlaybackDepth() int

	Stats() Stats
	Close() error
}

// captureWait bounds CaptureFrame when the caller passes no deadline of
// its own.
const captureWait = 100 * time.Millisecond
