// Package fake provides a scriptable Device for tests and the simulate
// command. Input PCM is queued by the test; playback is recorded.
package fake

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Jmi2020/howdyscreen-go/pkg/audio"
	"github.com/Jmi2020/howdyscreen-go/pkg/audio/device"
	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
)

// Device is an in-memory device.Device. QueueInput feeds capture frames;
// Played returns everything enqueued for playback.
type Device struct {
	mu      sync.Mutex
	input   []audio.Frame
	played  [][]int16
	running bool
	closed  bool

	mode atomic.Int32

	frameSamples   int
	seq            uint32
	nowMs          uint32
	framesCaptured uint64
	framesPlayed   uint64

	// modeChanges records every SetMode call for idempotence assertions.
	modeChanges []device.Mode
}

// New creates a fake device producing 20 ms frames.
func New() *Device {
	return &Device{frameSamples: audio.FrameSamples20ms}
}

// QueueInput splits samples into frames and queues them for capture.
// Short tails are zero-padded.
func (d *Device) QueueInput(samples []int16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for off := 0; off < len(samples); off += d.frameSamples {
		frame := make([]int16, d.frameSamples)
		copy(frame, samples[off:min(off+d.frameSamples, len(samples))])
		d.input = append(d.input, audio.Frame{
			Samples:   frame,
			Timestamp: d.nowMs,
			Seq:       d.seq,
		})
		d.seq++
		d.nowMs += 20
	}
}

// QueueSilence queues n silent frames.
func (d *Device) QueueSilence(n int) {
	d.QueueInput(make([]int16, n*d.frameSamples))
}

func (d *Device) Start(mode device.Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fault.New(fault.InvalidState, "fake-device", "already started")
	}
	d.running = true
	d.mode.Store(int32(mode))
	return nil
}

func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	return nil
}

func (d *Device) SetMode(mode device.Mode) error {
	d.mu.Lock()
	d.modeChanges = append(d.modeChanges, mode)
	d.mu.Unlock()
	d.mode.Store(int32(mode))
	return nil
}

func (d *Device) Mode() device.Mode { return device.Mode(d.mode.Load()) }

// ModeChanges returns the recorded SetMode history.
func (d *Device) ModeChanges() []device.Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]device.Mode, len(d.modeChanges))
	copy(out, d.modeChanges)
	return out
}

// CaptureFrame pops the next queued frame, or fails with Timeout when the
// script is exhausted.
func (d *Device) CaptureFrame(ctx context.Context) (audio.Frame, error) {
	select {
	case <-ctx.Done():
		return audio.Frame{}, fault.Wrap(fault.Timeout, "fake-device", ctx.Err(), "cancelled")
	default:
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.input) == 0 {
		return audio.Frame{}, fault.New(fault.Timeout, "fake-device", "no capture frame ready")
	}
	f := d.input[0]
	d.input = d.input[1:]
	d.framesCaptured++
	return f, nil
}

// Remaining returns the number of unconsumed capture frames.
func (d *Device) Remaining() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.input)
}

func (d *Device) EnqueuePlayback(samples []int16) error {
	if device.Mode(d.mode.Load()) == device.ModeCapture {
		return fault.New(fault.InvalidState, "fake-device", "playback not enabled in Capture mode")
	}
	cp := make([]int16, len(samples))
	copy(cp, samples)
	d.mu.Lock()
	d.played = append(d.played, cp)
	d.framesPlayed++
	d.mu.Unlock()
	return nil
}

// Played returns everything sent to the speaker so far.
func (d *Device) Played() [][]int16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]int16, len(d.played))
	copy(out, d.played)
	return out
}

func (d *Device) PlaybackDepth() int { return 0 }

func (d *Device) Stats() device.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return device.Stats{
		FramesCaptured: d.framesCaptured,
		FramesPlayed:   d.framesPlayed,
		ActiveProtocol: "fake",
	}
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
