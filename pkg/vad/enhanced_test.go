package vad

import (
	"math"
	"testing"

	"github.com/Jmi2020/howdyscreen-go/pkg/audio"
	"github.com/Jmi2020/howdyscreen-go/pkg/conversation"
)

// toneFrame builds a 20 ms frame of a 440 Hz tone at the given peak
// amplitude.
func toneFrame(amplitude float64, ts uint32) audio.Frame {
	samples := make([]int16, audio.FrameSamples20ms)
	for i := range samples {
		v := amplitude * math.Sin(2*math.Pi*440*float64(i)/float64(audio.SampleRate))
		samples[i] = int16(v)
	}
	return audio.Frame{Samples: samples, Timestamp: ts}
}

func silentFrame(ts uint32) audio.Frame {
	return audio.Frame{Samples: make([]int16, audio.FrameSamples20ms), Timestamp: ts}
}

// noiseFrame builds a low-level frame to seed the noise floor.
func noiseFrame(amplitude float64, ts uint32) audio.Frame {
	samples := make([]int16, audio.FrameSamples20ms)
	for i := range samples {
		sign := 1.0
		if i%3 == 0 {
			sign = -1.0
		}
		samples[i] = int16(sign * amplitude * float64(i%7) / 7)
	}
	return audio.Frame{Samples: samples, Timestamp: ts}
}

func feedSilence(d *Enhanced, n int, ts *uint32) {
	for i := 0; i < n; i++ {
		d.Process(noiseFrame(120, *ts))
		*ts += 20
	}
}

func TestZeroFrame(t *testing.T) {
	d := NewEnhanced(Config{})
	before := d.Stats().NoiseFloor

	res := d.Process(silentFrame(0))
	if res.VoiceDetected {
		t.Error("all-zero frame must not be voice")
	}
	if res.Confidence != 0 {
		t.Errorf("all-zero frame confidence = %v, want 0", res.Confidence)
	}
	if d.Stats().NoiseFloor != before {
		t.Error("all-zero frame must not move the noise floor")
	}
}

func TestBadLengthReturnsZeroResult(t *testing.T) {
	d := NewEnhanced(Config{})
	res := d.Process(audio.Frame{Samples: make([]int16, 100)})
	if res != (Result{}) {
		t.Errorf("bad-length frame should return zero result, got %+v", res)
	}
}

func TestSaturatedFramePeak(t *testing.T) {
	d := NewEnhanced(Config{})
	samples := make([]int16, audio.FrameSamples20ms)
	for i := range samples {
		samples[i] = math.MinInt16
	}
	res := d.Process(audio.Frame{Samples: samples})
	if res.PeakAmplitude != 1.0 {
		t.Errorf("saturated frame peak = %v, want 1.0", res.PeakAmplitude)
	}
}

func TestSpeechSegmentStartsAndEndsOnce(t *testing.T) {
	d := NewEnhanced(Config{SilenceThresholdMs: 200})
	var ts uint32

	feedSilence(d, 20, &ts)

	var started, ended int
	// 600 ms of loud speech.
	for i := 0; i < 30; i++ {
		res := d.Process(toneFrame(12000, ts))
		ts += 20
		if res.SpeechStarted {
			started++
		}
		if res.SpeechEnded {
			ended++
		}
	}
	if started != 1 {
		t.Fatalf("speech_started fired %d times during one segment, want 1", started)
	}
	if ended != 0 {
		t.Fatalf("speech_ended fired before trailing silence")
	}

	// Trailing silence past the threshold.
	for i := 0; i < 20; i++ {
		res := d.Process(noiseFrame(120, ts))
		ts += 20
		if res.SpeechStarted {
			started++
		}
		if res.SpeechEnded {
			ended++
		}
	}
	if started != 1 || ended != 1 {
		t.Errorf("segment events: started=%d ended=%d, want 1/1", started, ended)
	}
}

// Over any closed interval beginning and ending in silence, started events
// must equal ended events.
func TestStartedEndedBalanced(t *testing.T) {
	d := NewEnhanced(Config{SilenceThresholdMs: 200})
	var ts uint32
	var started, ended int

	feedSilence(d, 20, &ts)
	for seg := 0; seg < 3; seg++ {
		for i := 0; i < 25; i++ {
			res := d.Process(toneFrame(10000, ts))
			ts += 20
			if res.SpeechStarted {
				started++
			}
			if res.SpeechEnded {
				ended++
			}
		}
		for i := 0; i < 20; i++ {
			res := d.Process(noiseFrame(120, ts))
			ts += 20
			if res.SpeechStarted {
				started++
			}
			if res.SpeechEnded {
				ended++
			}
		}
	}
	if started != ended {
		t.Errorf("started=%d ended=%d over interval bounded by silence", started, ended)
	}
	if started != 3 {
		t.Errorf("started=%d, want 3 segments", started)
	}
}

func TestVoiceRequiresConsistency(t *testing.T) {
	d := NewEnhanced(Config{ConsistencyFrames: 5})
	var ts uint32
	feedSilence(d, 20, &ts)

	// A two-frame burst is below the consistency window.
	r1 := d.Process(toneFrame(12000, ts))
	r2 := d.Process(toneFrame(12000, ts+20))
	if r1.VoiceDetected || r2.VoiceDetected {
		t.Error("voice must not be reported before the consistency window fills")
	}
	d.Process(noiseFrame(120, ts+40))
}

func TestTTSSuppressionRaisesThreshold(t *testing.T) {
	var ts uint32

	// Baseline: moderate speech triggers while Listening.
	base := NewEnhanced(Config{})
	base.SetConversationContext(conversation.Listening)
	feedSilence(base, 20, &ts)
	var baseVoice bool
	for i := 0; i < 15; i++ {
		if base.Process(toneFrame(6000, ts)).VoiceDetected {
			baseVoice = true
		}
		ts += 20
	}
	if !baseVoice {
		t.Fatal("baseline speech should be detected while Listening")
	}

	// Same audio while Speaking with high TTS level must stay suppressed.
	ts = 0
	sup := NewEnhanced(Config{})
	sup.SetConversationContext(conversation.Speaking)
	sup.SetTTSAudioLevel(0.8, nil)
	feedSilence(sup, 20, &ts)
	for i := 0; i < 15; i++ {
		res := sup.Process(toneFrame(6000, ts))
		ts += 20
		if res.VoiceDetected {
			t.Fatal("speaker-level audio must not self-trigger during TTS")
		}
	}
}

func TestNoiseFloorTracksAmbient(t *testing.T) {
	d := NewEnhanced(Config{})
	initial := d.Stats().NoiseFloor
	var ts uint32
	for i := 0; i < 60; i++ {
		d.Process(noiseFrame(200, ts))
		ts += 20
	}
	after := d.Stats().NoiseFloor
	if after >= initial {
		t.Errorf("noise floor should adapt down toward quiet ambient: %v -> %v", initial, after)
	}
}

func TestStatsAccumulate(t *testing.T) {
	d := NewEnhanced(Config{SilenceThresholdMs: 200})
	var ts uint32
	feedSilence(d, 10, &ts)
	for i := 0; i < 20; i++ {
		d.Process(toneFrame(12000, ts))
		ts += 20
	}
	s := d.Stats()
	if s.FramesProcessed != 30 {
		t.Errorf("frames processed = %d, want 30", s.FramesProcessed)
	}
	if s.SpeechSegments != 1 {
		t.Errorf("speech segments = %d, want 1", s.SpeechSegments)
	}
	if s.TotalVoiceMs == 0 {
		t.Error("voice time should accumulate during speech")
	}
}
