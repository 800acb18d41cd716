// Package playback buffers downstream TTS audio and drains it into the
// output device. The queue is a bounded FIFO: the control channel pushes
// chunks as they arrive off the network, a dedicated drain task feeds the
// speaker, and a two-chunk pre-buffer absorbs network jitter at session
// start. When the server stops sending and the queue runs dry, the drain
// task reports completion so the conversation can flip back to listening.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jmi2020/howdyscreen-go/pkg/audio"
	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
)

// Sink receives drained PCM. Implemented by the audio device.
type Sink interface {
	EnqueuePlayback(samples []int16) error
}

// Config tunes the queue.
type Config struct {
	// Capacity in chunks.
	Capacity int
	// BufferTimeoutMs bounds how long Enqueue blocks on a full queue
	// before dropping the chunk.
	BufferTimeoutMs int
	// PreBufferChunks held back before the first write of a session.
	PreBufferChunks int
	// PreBufferTimeoutMs caps the wait for the pre-buffer to fill.
	PreBufferTimeoutMs int
	// DrainIdleMs of an empty queue mid-session before the session is
	// considered complete.
	DrainIdleMs int
}

// DefaultConfig matches the shipped tuning.
func DefaultConfig() Config {
	return Config{
		Capacity:           10,
		BufferTimeoutMs:    500,
		PreBufferChunks:    2,
		PreBufferTimeoutMs: 100,
		DrainIdleMs:        300,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity == 0 {
		c.Capacity = d.Capacity
	}
	if c.BufferTimeoutMs == 0 {
		c.BufferTimeoutMs = d.BufferTimeoutMs
	}
	if c.PreBufferChunks == 0 {
		c.PreBufferChunks = d.PreBufferChunks
	}
	if c.PreBufferTimeoutMs == 0 {
		c.PreBufferTimeoutMs = d.PreBufferTimeoutMs
	}
	if c.DrainIdleMs == 0 {
		c.DrainIdleMs = d.DrainIdleMs
	}
	return c
}

// Stats are lifetime queue counters.
type Stats struct {
	Enqueued  uint64
	Played    uint64
	Underruns uint64
	Cleared   uint64
	Sessions  uint64
}

// Queue buffers TTS chunks for the speaker. Run the drain task on its
// own goroutine.
type Queue struct {
	cfg    Config
	logger *slog.Logger
	sink   Sink
	// onDrained fires from the drain task when a playing session runs
	// dry, and from Clear. Must not block.
	onDrained func()

	ch      chan []int16
	playing atomic.Bool
	// volume is a Q8.8 scale, 256 == unity.
	volume atomic.Int32
	// playWake nudges the drain task when Start flips playing on.
	playWake chan struct{}

	mu            sync.Mutex
	sessionActive bool

	enqueued  atomic.Uint64
	played    atomic.Uint64
	underruns atomic.Uint64
	cleared   atomic.Uint64
	sessions  atomic.Uint64
}

// New creates the queue. onDrained may be nil.
func New(cfg Config, logger *slog.Logger, sink Sink, onDrained func()) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:       cfg,
		logger:    logger,
		sink:      sink,
		onDrained: onDrained,
		ch:        make(chan []int16, cfg.Capacity),
		playWake:  make(chan struct{}, 1),
	}
	if onDrained == nil {
		q.onDrained = func() {}
	}
	q.volume.Store(256)
	return q
}

// Enqueue queues one PCM chunk, blocking up to the buffer timeout when
// full. A timed-out chunk is dropped and counted as an underrun: the
// network got ahead of the speaker and something had to give.
func (q *Queue) Enqueue(samples []int16) error {
	chunk := make([]int16, len(samples))
	copy(chunk, samples)

	select {
	case q.ch <- chunk:
		q.enqueued.Add(1)
		return nil
	default:
	}

	timer := time.NewTimer(time.Duration(q.cfg.BufferTimeoutMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case q.ch <- chunk:
		q.enqueued.Add(1)
		return nil
	case <-timer.C:
		q.underruns.Add(1)
		q.logger.Warn("tts queue full, chunk dropped", slog.Int("depth", len(q.ch)))
		return fault.New(fault.Timeout, "playback", "queue full past buffer timeout")
	}
}

// Start begins draining. Idempotent.
func (q *Queue) Start() {
	if q.playing.Swap(true) {
		return
	}
	select {
	case q.playWake <- struct{}{}:
	default:
	}
}

// Stop pauses draining without touching queued chunks. Idempotent.
func (q *Queue) Stop() {
	q.playing.Store(false)
}

// Clear drops everything queued and signals buffer-empty.
func (q *Queue) Clear() {
	for {
		select {
		case <-q.ch:
			q.cleared.Add(1)
		default:
			q.mu.Lock()
			active := q.sessionActive
			q.sessionActive = false
			q.mu.Unlock()
			if active {
				q.onDrained()
			}
			return
		}
	}
}

// SetVolume sets output volume in [0,1], applied with integer saturation
// at drain time.
func (q *Queue) SetVolume(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	q.volume.Store(int32(v * 256))
}

// Volume returns the current volume in [0,1].
func (q *Queue) Volume() float64 {
	return float64(q.volume.Load()) / 256
}

// Depth returns the queued chunk count.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Playing reports whether the drain task is feeding the sink.
func (q *Queue) Playing() bool {
	return q.playing.Load()
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.enqueued.Load(),
		Played:    q.played.Load(),
		Underruns: q.underruns.Load(),
		Cleared:   q.cleared.Load(),
		Sessions:  q.sessions.Load(),
	}
}

// Run is the drain task. Blocking; run it on its own errgroup task.
func (q *Queue) Run(ctx context.Context) error {
	for {
		if !q.playing.Load() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.playWake:
				continue
			}
		}

		// Wait for the first chunk of a session.
		var first []int16
		select {
		case <-ctx.Done():
			return ctx.Err()
		case first = <-q.ch:
		case <-time.After(20 * time.Millisecond):
			continue // re-check playing
		}

		q.beginSession()
		q.preBuffer()
		q.write(first)
		q.drainSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (q *Queue) beginSession() {
	q.mu.Lock()
	if !q.sessionActive {
		q.sessionActive = true
		q.sessions.Add(1)
	}
	q.mu.Unlock()
}

// preBuffer holds the first write until enough chunks are queued to ride
// out network jitter, bounded by the pre-buffer timeout.
func (q *Queue) preBuffer() {
	deadline := time.Now().Add(time.Duration(q.cfg.PreBufferTimeoutMs) * time.Millisecond)
	for len(q.ch) < q.cfg.PreBufferChunks-1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
}

// drainSession copies chunks to the sink until the queue stays dry for
// the idle window, then reports the session drained.
func (q *Queue) drainSession(ctx context.Context) {
	idle := time.Duration(q.cfg.DrainIdleMs) * time.Millisecond
	for q.playing.Load() {
		select {
		case <-ctx.Done():
			return
		case chunk := <-q.ch:
			q.write(chunk)
		case <-time.After(idle):
			q.mu.Lock()
			active := q.sessionActive
			q.sessionActive = false
			q.mu.Unlock()
			if active {
				q.logger.Debug("tts session drained")
				q.onDrained()
			}
			return
		}
	}
}

func (q *Queue) write(chunk []int16) {
	if scale := q.volume.Load(); scale != 256 {
		audio.ScaleSaturating(chunk, scale)
	}
	if err := q.sink.EnqueuePlayback(chunk); err != nil {
		q.logger.Warn("playback sink rejected chunk", slog.String("error", err.Error()))
		return
	}
	q.played.Add(1)
}
