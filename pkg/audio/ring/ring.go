// Package ring implements the bounded sample buffer between the capture
// task and the processing chain. Single producer, single consumer, with
// overwrite-oldest semantics so the capture path never blocks on a slow
// consumer.
package ring

import (
	"fmt"
	"time"

	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
)

// lockTimeout bounds every acquisition; the capture path must never wait
// on the buffer indefinitely.
const lockTimeout = 10 * time.Millisecond

// Buffer is a fixed-capacity circular store of 16-bit samples.
type Buffer struct {
	// One-slot semaphore instead of sync.Mutex: acquisitions need a
	// deadline, which Mutex cannot provide.
	sem chan struct{}

	data      []int16
	capacity  int
	writeIdx  int
	readIdx   int
	available int

	totalWritten uint64
	totalRead    uint64
	overwrites   uint64
}

// New creates a buffer holding capacity samples.
func New(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring capacity must be positive, got %d", capacity)
	}
	return &Buffer{
		sem:      make(chan struct{}, 1),
		data:     make([]int16, capacity),
		capacity: capacity,
	}, nil
}

func (b *Buffer) acquire() error {
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-time.After(lockTimeout):
		return fault.New(fault.Timeout, "ring", "lock acquisition timed out")
	}
}

func (b *Buffer) release() { <-b.sem }

// Write copies samples into the buffer, overwriting the oldest data when
// full. It always reports the full requested count as written.
func (b *Buffer) Write(samples []int16) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	if err := b.acquire(); err != nil {
		return 0, err
	}
	defer b.release()

	src := samples
	if len(src) > b.capacity {
		// Only the newest capacity samples can survive anyway.
		b.overwrites += uint64(len(src) - b.capacity)
		src = src[len(src)-b.capacity:]
	}

	for _, s := range src {
		b.data[b.writeIdx] = s
		b.writeIdx = (b.writeIdx + 1) % b.capacity
		if b.available == b.capacity {
			// Full: advance the read index, dropping the oldest sample.
			b.readIdx = (b.readIdx + 1) % b.capacity
			b.overwrites++
		} else {
			b.available++
		}
	}
	b.totalWritten += uint64(len(samples))

	if err := fault.Check(b.available >= 0 && b.available <= b.capacity, "ring", "0 <= available <= capacity"); err != nil {
		return 0, err
	}
	return len(samples), nil
}

// Read copies up to len(out) samples into out, zero-filling the tail when
// fewer are available. It returns the number of real samples copied.
func (b *Buffer) Read(out []int16) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	if err := b.acquire(); err != nil {
		return 0, err
	}
	defer b.release()

	n := len(out)
	if n > b.available {
		n = b.available
	}
	for i := 0; i < n; i++ {
		out[i] = b.data[b.readIdx]
		b.readIdx = (b.readIdx + 1) % b.capacity
	}
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	b.available -= n
	b.totalRead += uint64(n)

	if err := fault.Check(b.available >= 0, "ring", "available >= 0 after read"); err != nil {
		return 0, err
	}
	return n, nil
}

// Available returns the number of readable samples.
func (b *Buffer) Available() (int, error) {
	if err := b.acquire(); err != nil {
		return 0, err
	}
	defer b.release()
	return b.available, nil
}

// Capacity returns the fixed capacity in samples.
func (b *Buffer) Capacity() int { return b.capacity }

// Clear discards all buffered samples.
func (b *Buffer) Clear() error {
	if err := b.acquire(); err != nil {
		return err
	}
	defer b.release()
	b.readIdx = 0
	b.writeIdx = 0
	b.available = 0
	return nil
}

// Stats reports lifetime counters.
type Stats struct {
	TotalWritten uint64
	TotalRead    uint64
	Overwrites   uint64
}

// Stats returns lifetime sample accounting.
func (b *Buffer) Stats() (Stats, error) {
	if err := b.acquire(); err != nil {
		return Stats{}, err
	}
	defer b.release()
	return Stats{TotalWritten: b.totalWritten, TotalRead: b.totalRead, Overwrites: b.overwrites}, nil
}
