package playback

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
)

type captureSink struct {
	mu     sync.Mutex
	chunks [][]int16
}

func (s *captureSink) EnqueuePlayback(samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]int16, len(samples))
	copy(cp, samples)
	s.chunks = append(s.chunks, cp)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fast tuning so the drain-idle window does not slow the suite down
func fastConfig() Config {
	return Config{
		Capacity:           10,
		BufferTimeoutMs:    30,
		PreBufferChunks:    2,
		PreBufferTimeoutMs: 20,
		DrainIdleMs:        40,
	}
}

func startQueue(t *testing.T, cfg Config, sink Sink, onDrained func()) *Queue {
	t.Helper()
	q := New(cfg, testLogger(), sink, onDrained)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return q
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func chunk(v int16) []int16 {
	out := make([]int16, 320)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestDrainsInOrder(t *testing.T) {
	is := is.New(t)
	sink := &captureSink{}
	q := startQueue(t, fastConfig(), sink, nil)

	q.Start()
	is.NoErr(q.Enqueue(chunk(1)))
	is.NoErr(q.Enqueue(chunk(2)))
	is.NoErr(q.Enqueue(chunk(3)))

	waitFor(t, "three chunks played", func() bool { return sink.count() == 3 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	is.Equal(sink.chunks[0][0], int16(1))
	is.Equal(sink.chunks[1][0], int16(2))
	is.Equal(sink.chunks[2][0], int16(3))
}

func TestNothingPlaysUntilStart(t *testing.T) {
	is := is.New(t)
	sink := &captureSink{}
	q := startQueue(t, fastConfig(), sink, nil)

	is.NoErr(q.Enqueue(chunk(1)))
	time.Sleep(60 * time.Millisecond)
	is.Equal(sink.count(), 0)
	is.Equal(q.Depth(), 1)

	q.Start()
	waitFor(t, "chunk played after start", func() bool { return sink.count() == 1 })
}

func TestFullQueueDropsAfterTimeout(t *testing.T) {
	is := is.New(t)
	cfg := fastConfig()
	cfg.Capacity = 3
	sink := &captureSink{}
	q := New(cfg, testLogger(), sink, nil) // drain task not running

	for i := 0; i < 3; i++ {
		is.NoErr(q.Enqueue(chunk(int16(i))))
	}
	err := q.Enqueue(chunk(99))
	is.True(fault.Is(err, fault.Timeout))
	is.Equal(q.Stats().Underruns, uint64(1))
	is.Equal(q.Depth(), 3)
}

func TestVolumeScalesWithSaturation(t *testing.T) {
	is := is.New(t)
	sink := &captureSink{}
	q := startQueue(t, fastConfig(), sink, nil)

	q.SetVolume(0.5)
	q.Start()
	is.NoErr(q.Enqueue(chunk(10000)))
	waitFor(t, "scaled chunk", func() bool { return sink.count() == 1 })

	sink.mu.Lock()
	got := sink.chunks[0][0]
	sink.mu.Unlock()
	// 10000 * 128/256 = 5000
	is.Equal(got, int16(5000))

	// Full volume passes samples through untouched.
	q.SetVolume(1.0)
	is.Equal(q.Volume(), 1.0)
	is.NoErr(q.Enqueue(chunk(-32768)))
	waitFor(t, "second chunk", func() bool { return sink.count() == 2 })
	sink.mu.Lock()
	got = sink.chunks[1][0]
	sink.mu.Unlock()
	is.Equal(got, int16(-32768))
}

func TestClearEmptiesAndSignals(t *testing.T) {
	is := is.New(t)
	sink := &captureSink{}
	var drained int
	var mu sync.Mutex
	q := New(fastConfig(), testLogger(), sink, func() {
		mu.Lock()
		drained++
		mu.Unlock()
	})

	// Queue chunks without a drain task, mark a session active, clear.
	is.NoErr(q.Enqueue(chunk(1)))
	is.NoErr(q.Enqueue(chunk(2)))
	q.beginSession()

	q.Clear()
	is.Equal(q.Depth(), 0)
	is.Equal(q.Stats().Cleared, uint64(2))
	mu.Lock()
	is.Equal(drained, 1)
	mu.Unlock()

	// Clearing an empty, inactive queue does not re-signal.
	q.Clear()
	mu.Lock()
	is.Equal(drained, 1)
	mu.Unlock()
}

func TestSessionDrainedAfterIdle(t *testing.T) {
	is := is.New(t)
	sink := &captureSink{}
	drainedCh := make(chan struct{}, 4)
	q := startQueue(t, fastConfig(), sink, func() { drainedCh <- struct{}{} })

	q.Start()
	is.NoErr(q.Enqueue(chunk(1)))
	is.NoErr(q.Enqueue(chunk(2)))

	select {
	case <-drainedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("drain completion never signaled")
	}
	is.Equal(sink.count(), 2)
	is.Equal(q.Stats().Sessions, uint64(1))

	// A second burst is a new session with its own completion signal.
	is.NoErr(q.Enqueue(chunk(3)))
	select {
	case <-drainedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("second session completion never signaled")
	}
	is.Equal(q.Stats().Sessions, uint64(2))
}

func TestStopPausesWithoutDiscarding(t *testing.T) {
	is := is.New(t)
	sink := &captureSink{}
	q := startQueue(t, fastConfig(), sink, nil)

	q.Start()
	is.NoErr(q.Enqueue(chunk(1)))
	waitFor(t, "first chunk", func() bool { return sink.count() == 1 })

	q.Stop()
	waitFor(t, "drain task parked", func() bool { return !q.Playing() })
	time.Sleep(60 * time.Millisecond) // let the drain loop observe the stop
	is.NoErr(q.Enqueue(chunk(2)))
	time.Sleep(60 * time.Millisecond)
	is.Equal(q.Depth(), 1) // held, not played, not dropped

	q.Start()
	waitFor(t, "resumed", func() bool { return sink.count() == 2 })
}
