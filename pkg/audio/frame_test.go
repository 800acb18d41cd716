package audio

import (
	"math"
	"testing"
	"time"
)

func TestNewFrameValidatesLength(t *testing.T) {
	if _, err := NewFrame(make([]int16, FrameSamples20ms), 0, 0); err != nil {
		t.Fatalf("320-sample frame rejected: %v", err)
	}
	if _, err := NewFrame(make([]int16, FrameSamples10ms), 0, 0); err != nil {
		t.Fatalf("160-sample frame rejected: %v", err)
	}
	if _, err := NewFrame(make([]int16, 100), 0, 0); err == nil {
		t.Error("100-sample frame should be rejected")
	}
	if _, err := NewFrame(nil, 0, 0); err == nil {
		t.Error("empty frame should be rejected")
	}
}

func TestFrameDuration(t *testing.T) {
	f, _ := NewFrame(make([]int16, FrameSamples20ms), 0, 0)
	if f.Duration() != 20*time.Millisecond {
		t.Errorf("320 samples at 16kHz = %v, want 20ms", f.Duration())
	}
	f, _ = NewFrame(make([]int16, FrameSamples10ms), 0, 0)
	if f.Duration() != 10*time.Millisecond {
		t.Errorf("160 samples at 16kHz = %v, want 10ms", f.Duration())
	}
}

func TestFrameClone(t *testing.T) {
	samples := make([]int16, FrameSamples20ms)
	samples[0] = 1234
	f, _ := NewFrame(samples, 99, 7)
	c := f.Clone()

	c.Samples[0] = -1
	if f.Samples[0] != 1234 {
		t.Error("mutating a clone must not affect the original")
	}
	if c.Timestamp != 99 || c.Seq != 7 {
		t.Error("clone should preserve metadata")
	}
}

func TestBytesRoundTrip(t *testing.T) {
	samples := make([]int16, FrameSamples20ms)
	for i := range samples {
		samples[i] = int16(i*101 - 16000)
	}
	f, _ := NewFrame(samples, 0, 0)

	back, err := SamplesFromBytes(f.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	for i := range samples {
		if back[i] != samples[i] {
			t.Fatalf("sample %d: got %d, want %d", i, back[i], samples[i])
		}
	}

	if _, err := SamplesFromBytes([]byte{1, 2, 3}); err == nil {
		t.Error("odd byte length should be rejected")
	}
}

func TestRMSAndPeak(t *testing.T) {
	silence := make([]int16, FrameSamples20ms)
	if RMS(silence) != 0 {
		t.Error("RMS of silence should be 0")
	}
	if Peak(silence) != 0 {
		t.Error("Peak of silence should be 0")
	}

	saturated := make([]int16, FrameSamples20ms)
	for i := range saturated {
		if i%2 == 0 {
			saturated[i] = math.MaxInt16
		} else {
			saturated[i] = math.MinInt16
		}
	}
	if p := Peak(saturated); p != 1.0 {
		t.Errorf("Peak of saturated frame = %v, want 1.0", p)
	}
	if r := RMS(saturated); r < 32000 {
		t.Errorf("RMS of saturated frame = %v, want near full scale", r)
	}
}

func TestZeroCrossings(t *testing.T) {
	if ZeroCrossings(nil) != 0 {
		t.Error("empty buffer has no crossings")
	}
	alt := []int16{100, -100, 100, -100, 100}
	if got := ZeroCrossings(alt); got != 4 {
		t.Errorf("alternating buffer: got %d crossings, want 4", got)
	}
	dc := []int16{50, 60, 70, 80}
	if got := ZeroCrossings(dc); got != 0 {
		t.Errorf("constant-sign buffer: got %d crossings, want 0", got)
	}
}

func TestScaleSaturating(t *testing.T) {
	samples := []int16{1000, -1000, math.MaxInt16, math.MinInt16}

	half := append([]int16(nil), samples...)
	ScaleSaturating(half, 128) // 0.5x
	if half[0] != 500 || half[1] != -500 {
		t.Errorf("half scale: got %v", half[:2])
	}

	double := append([]int16(nil), samples...)
	ScaleSaturating(double, 512) // 2x, must saturate
	if double[2] != math.MaxInt16 {
		t.Errorf("positive saturation: got %d", double[2])
	}
	if double[3] != math.MinInt16 {
		t.Errorf("negative saturation: got %d", double[3])
	}
}
