package wav

import (
	"path/filepath"
	"testing"

	"github.com/matryer/is"

	"github.com/Jmi2020/howdyscreen-go/pkg/audio"
	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
)

func TestWriteThenReadFrames(t *testing.T) {
	is := is.New(t)
	path := filepath.Join(t.TempDir(), "tone.wav")

	w, err := NewWriter(path, audio.SampleRate)
	is.NoErr(err)
	is.NoErr(w.WriteTone(440, 100)) // 1600 samples = 5 full frames
	is.NoErr(w.Close())

	r, err := NewReader(path)
	is.NoErr(err)
	defer r.Close()

	hdr := r.Header()
	is.Equal(hdr.SampleRate, uint32(audio.SampleRate))
	is.Equal(hdr.NumChannels, uint16(1))
	is.Equal(hdr.DataSize, uint32(1600*2))

	frames, err := r.ReadFrames()
	is.NoErr(err)
	is.Equal(len(frames), 5)
	for i, f := range frames {
		is.Equal(len(f.Samples), audio.FrameSamples20ms)
		is.Equal(f.Seq, uint32(i))
		is.Equal(f.Timestamp, uint32(i*20))
	}
	// A tone at half amplitude has substantial energy in every frame.
	is.True(audio.RMS(frames[2].Samples) > 5000)
}

func TestPartialTailZeroPadded(t *testing.T) {
	is := is.New(t)
	path := filepath.Join(t.TempDir(), "partial.wav")

	w, err := NewWriter(path, audio.SampleRate)
	is.NoErr(err)
	is.NoErr(w.WriteSamples(make([]int16, audio.FrameSamples20ms+100)))
	is.NoErr(w.Close())

	r, err := NewReader(path)
	is.NoErr(err)
	defer r.Close()

	frames, err := r.ReadFrames()
	is.NoErr(err)
	is.Equal(len(frames), 2)
	for _, s := range frames[1].Samples {
		is.Equal(s, int16(0))
	}
}

func TestRejectsWrongRate(t *testing.T) {
	is := is.New(t)
	p := filepath.Join(t.TempDir(), "rate.wav")

	w, err := NewWriter(p, 48000)
	is.NoErr(err)
	is.NoErr(w.WriteSamples(make([]int16, 480)))
	is.NoErr(w.Close())

	_, err = NewReader(p)
	is.True(err != nil)
}

func TestRejectsGarbage(t *testing.T) {
	is := is.New(t)
	_, err := NewReader(filepath.Join(t.TempDir(), "missing.wav"))
	is.True(err != nil)
	// A bad path is the caller's mistake, not a network condition.
	is.True(fault.Is(err, fault.InvalidArgument))
}
