package device

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/Jmi2020/howdyscreen-go/pkg/audio"
	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
)

// PortAudio is the hardware-backed Device. It runs one capture task and
// one playback task; mode gates which of them move data.
type PortAudio struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	inStream  *portaudio.Stream
	outStream *portaudio.Stream
	running   bool

	mode atomic.Int32

	frames   chan audio.Frame
	playback chan []int16
	stop     chan struct{}
	wg       sync.WaitGroup

	seq            uint32
	clock          frameClock
	framesCaptured atomic.Uint64
	framesPlayed   atomic.Uint64
	latencySumUs   atomic.Uint64
}

// NewPortAudio initializes the PortAudio host and prepares streams per the
// config. The device is idle until Start.
func NewPortAudio(cfg Config, logger *slog.Logger) (*PortAudio, error) {
	if cfg.SampleRate == 0 {
		cfg = DefaultConfig()
	}
	if cfg.BuffersInFlight <= 0 || cfg.BuffersInFlight > 4 {
		return nil, fault.Newf(fault.InvalidArgument, "device",
			"buffers in flight must be 1..4, got %d", cfg.BuffersInFlight)
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fault.Wrap(fault.HardwareFault, "device", err, "portaudio init")
	}
	return &PortAudio{
		cfg:      cfg,
		logger:   logger,
		frames:   make(chan audio.Frame, cfg.BuffersInFlight),
		playback: make(chan []int16, cfg.BuffersInFlight*2),
	}, nil
}

// Start opens the streams and begins moving frames in the given mode.
func (d *PortAudio) Start(mode Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fault.New(fault.InvalidState, "device", "already started")
	}

	inDev, err := resolveDevice(d.cfg.InputDevice, true)
	if err != nil {
		return err
	}
	outDev, err := resolveDevice(d.cfg.OutputDevice, false)
	if err != nil {
		return err
	}

	inBuf := make([]int16, d.cfg.FrameSamples)
	in, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inDev,
			Channels: audio.NumChannels,
			Latency:  inDev.DefaultLowInputLatency,
		},
		SampleRate:      float64(d.cfg.SampleRate),
		FramesPerBuffer: d.cfg.FrameSamples,
	}, inBuf)
	if err != nil {
		return fault.Wrap(fault.HardwareFault, "device", err, "open capture stream")
	}

	outBuf := make([]int16, d.cfg.FrameSamples)
	out, err := portaudio.OpenStream(portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outDev,
			Channels: audio.NumChannels,
			Latency:  outDev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(d.cfg.SampleRate),
		FramesPerBuffer: d.cfg.FrameSamples,
	}, outBuf)
	if err != nil {
		in.Close()
		return fault.Wrap(fault.HardwareFault, "device", err, "open playback stream")
	}

	if err := in.Start(); err != nil {
		in.Close()
		out.Close()
		return fault.Wrap(fault.HardwareFault, "device", err, "start capture stream")
	}
	if err := out.Start(); err != nil {
		in.Stop()
		in.Close()
		out.Close()
		return fault.Wrap(fault.HardwareFault, "device", err, "start playback stream")
	}

	d.inStream = in
	d.outStream = out
	d.running = true
	d.clock.start(time.Now())
	d.mode.Store(int32(mode))
	d.stop = make(chan struct{})

	d.wg.Add(2)
	go d.captureLoop(in, inBuf)
	go d.playbackLoop(out, outBuf)

	d.logger.Info("audio device started",
		slog.String("mode", mode.String()),
		slog.Int("frame_samples", d.cfg.FrameSamples),
		slog.Int("buffers", d.cfg.BuffersInFlight))
	return nil
}

// resolveDevice maps a configured device name to a PortAudio device. An
// empty name means the host default.
func resolveDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		if input {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fault.Wrap(fault.HardwareFault, "device", err, "enumerate devices")
	}
	if dev := matchDevice(devs, name, input); dev != nil {
		return dev, nil
	}
	dir := "output"
	if input {
		dir = "input"
	}
	return nil, fault.Newf(fault.InvalidArgument, "device", "no %s device matching %q", dir, name)
}

// matchDevice returns the first device whose name contains name
// (case-insensitive) and that supports the wanted direction.
func matchDevice(devs []*portaudio.DeviceInfo, name string, input bool) *portaudio.DeviceInfo {
	want := strings.ToLower(name)
	for _, dev := range devs {
		if input && dev.MaxInputChannels <= 0 {
			continue
		}
		if !input && dev.MaxOutputChannels <= 0 {
			continue
		}
		if strings.Contains(strings.ToLower(dev.Name), want) {
			return dev
		}
	}
	return nil
}

func (d *PortAudio) captureLoop(stream *portaudio.Stream, buf []int16) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		default:
		}

		if err := stream.Read(); err != nil {
			d.logger.Warn("capture read failed", slog.String("error", err.Error()))
			continue
		}

		mode := Mode(d.mode.Load())
		if mode == ModePlayback {
			// Capture direction gated off; keep draining the stream so
			// the switch back is glitch-free.
			continue
		}

		start := time.Now()
		samples := make([]int16, len(buf))
		copy(samples, buf)
		seq := d.seq
		d.seq++
		frame := audio.Frame{
			Samples:   samples,
			Timestamp: d.clock.nowMs(time.Now()),
			Seq:       seq,
		}

		select {
		case d.frames <- frame:
			d.framesCaptured.Add(1)
			d.latencySumUs.Add(uint64(time.Since(start).Microseconds()))
		case <-d.stop:
			return
		default:
			// Consumer stalled: drop the oldest queued frame, keep the new
			// one, so the stream stays current.
			select {
			case <-d.frames:
			default:
			}
			select {
			case d.frames <- frame:
				d.framesCaptured.Add(1)
			default:
			}
		}
	}
}

func (d *PortAudio) playbackLoop(stream *portaudio.Stream, buf []int16) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case samples := <-d.playback:
			for len(samples) > 0 {
				n := copy(buf, samples)
				for i := n; i < len(buf); i++ {
					buf[i] = 0
				}
				samples = samples[n:]
				if err := stream.Write(); err != nil {
					d.logger.Warn("playback write failed", slog.String("error", err.Error()))
					break
				}
				d.framesPlayed.Add(1)
			}
		}
	}
}

// Stop halts both directions cooperatively and closes the streams.
func (d *PortAudio) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	close(d.stop)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		d.logger.Error("audio tasks did not stop within deadline")
		return fault.New(fault.Timeout, "device", "join deadline exceeded")
	}

	d.inStream.Stop()
	d.inStream.Close()
	d.outStream.Stop()
	d.outStream.Close()
	d.inStream = nil
	d.outStream = nil
	d.running = false
	return nil
}

// SetMode switches direction. The switch takes effect at the next frame
// boundary; frames already queued are preserved.
func (d *PortAudio) SetMode(mode Mode) error {
	old := Mode(d.mode.Swap(int32(mode)))
	if old != mode {
		d.logger.Debug("audio mode changed",
			slog.String("from", old.String()), slog.String("to", mode.String()))
	}
	return nil
}

// Mode returns the current direction mode.
func (d *PortAudio) Mode() Mode { return Mode(d.mode.Load()) }

// CaptureFrame returns the next captured frame, waiting at most the
// context deadline or the default bound.
func (d *PortAudio) CaptureFrame(ctx context.Context) (audio.Frame, error) {
	select {
	case f := <-d.frames:
		return f, nil
	case <-ctx.Done():
		return audio.Frame{}, fault.Wrap(fault.Timeout, "device", ctx.Err(), "capture wait cancelled")
	case <-time.After(captureWait):
		return audio.Frame{}, fault.New(fault.Timeout, "device", "no capture frame ready")
	}
}

// EnqueuePlayback queues speaker samples. Fails fast when capture-only.
func (d *PortAudio) EnqueuePlayback(samples []int16) error {
	if Mode(d.mode.Load()) == ModeCapture {
		return fault.New(fault.InvalidState, "device", "playback not enabled in Capture mode")
	}
	select {
	case d.playback <- samples:
		return nil
	case <-time.After(captureWait):
		return fault.New(fault.Timeout, "device", "playback queue full")
	}
}

// PlaybackDepth returns the number of queued playback buffers.
func (d *PortAudio) PlaybackDepth() int { return len(d.playback) }

// Stats returns device counters.
func (d *PortAudio) Stats() Stats {
	captured := d.framesCaptured.Load()
	avg := 0.0
	if captured > 0 {
		avg = float64(d.latencySumUs.Load()) / float64(captured) / 1000.0
	}
	return Stats{
		FramesCaptured: captured,
		FramesPlayed:   d.framesPlayed.Load(),
		AvgLatencyMs:   avg,
		ActiveProtocol: "portaudio",
	}
}

// Close stops the device and tears down the PortAudio host.
func (d *PortAudio) Close() error {
	if err := d.Stop(); err != nil {
		return err
	}
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("portaudio terminate: %w", err)
	}
	return nil
}
