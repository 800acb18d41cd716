package ring

import (
	"sync"
	"testing"

	"github.com/matryer/is"
)

func mustNew(t *testing.T, capacity int) *Buffer {
	t.Helper()
	b, err := New(capacity)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestNewRejectsBadCapacity(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("zero capacity should be rejected")
	}
	if _, err := New(-5); err == nil {
		t.Error("negative capacity should be rejected")
	}
}

func TestWriteRead(t *testing.T) {
	is := is.New(t)
	b := mustNew(t, 8)

	n, err := b.Write([]int16{1, 2, 3})
	is.NoErr(err)
	is.Equal(n, 3)

	avail, err := b.Available()
	is.NoErr(err)
	is.Equal(avail, 3)

	out := make([]int16, 3)
	n, err = b.Read(out)
	is.NoErr(err)
	is.Equal(n, 3)
	is.Equal(out, []int16{1, 2, 3})

	avail, _ = b.Available()
	is.Equal(avail, 0)
}

func TestReadZeroFillsTail(t *testing.T) {
	is := is.New(t)
	b := mustNew(t, 8)
	b.Write([]int16{7, 8})

	out := []int16{-1, -1, -1, -1}
	n, err := b.Read(out)
	is.NoErr(err)
	is.Equal(n, 2)
	is.Equal(out, []int16{7, 8, 0, 0})
}

func TestOverwriteOldestAtCapacity(t *testing.T) {
	is := is.New(t)
	b := mustNew(t, 4)

	n, err := b.Write([]int16{1, 2, 3, 4})
	is.NoErr(err)
	is.Equal(n, 4)

	// Buffer exactly full: the next write advances the read index by one
	// and preserves ordering of the remaining samples.
	n, err = b.Write([]int16{5})
	is.NoErr(err)
	is.Equal(n, 1)

	avail, _ := b.Available()
	is.Equal(avail, 4)

	out := make([]int16, 4)
	b.Read(out)
	is.Equal(out, []int16{2, 3, 4, 5})
}

func TestWriteLargerThanCapacityKeepsNewest(t *testing.T) {
	is := is.New(t)
	b := mustNew(t, 4)

	n, err := b.Write([]int16{1, 2, 3, 4, 5, 6})
	is.NoErr(err)
	is.Equal(n, 6) // overwrite semantics: full count reported

	out := make([]int16, 4)
	b.Read(out)
	is.Equal(out, []int16{3, 4, 5, 6})
}

func TestClear(t *testing.T) {
	b := mustNew(t, 8)
	b.Write([]int16{1, 2, 3})
	if err := b.Clear(); err != nil {
		t.Fatal(err)
	}
	avail, _ := b.Available()
	if avail != 0 {
		t.Errorf("available after Clear = %d, want 0", avail)
	}
	// Immediately usable again.
	if _, err := b.Write([]int16{9}); err != nil {
		t.Fatal(err)
	}
}

// Read can never return more samples than were ever written, and available
// stays within [0, capacity] at every observation point.
func TestAccountingInvariant(t *testing.T) {
	b := mustNew(t, 320)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		chunk := make([]int16, 160)
		for i := 0; i < 200; i++ {
			b.Write(chunk)
		}
	}()

	var totalRead uint64
	wg.Add(1)
	go func() {
		defer wg.Done()
		out := make([]int16, 320)
		for i := 0; i < 120; i++ {
			n, err := b.Read(out)
			if err == nil {
				totalRead += uint64(n)
			}
			avail, err := b.Available()
			if err == nil && (avail < 0 || avail > b.Capacity()) {
				t.Errorf("available %d outside [0, %d]", avail, b.Capacity())
			}
		}
	}()

	wg.Wait()

	stats, err := b.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRead > stats.TotalWritten {
		t.Errorf("read %d samples but only %d were written", stats.TotalRead, stats.TotalWritten)
	}
	if totalRead > stats.TotalWritten {
		t.Errorf("observed reads %d exceed writes %d", totalRead, stats.TotalWritten)
	}
}
