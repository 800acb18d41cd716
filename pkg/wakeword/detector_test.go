package wakeword

import (
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/Jmi2020/howdyscreen-go/pkg/audio"
	"github.com/Jmi2020/howdyscreen-go/pkg/conversation"
	"github.com/Jmi2020/howdyscreen-go/pkg/vad"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// phraseFrame synthesizes a 20 ms tone frame whose level follows the
// given envelope fraction of full scale.
func phraseFrame(level float64, ts uint32) audio.Frame {
	samples := make([]int16, audio.FrameSamples20ms)
	for i := range samples {
		v := level * 12000 * math.Sin(2*math.Pi*440*float64(i)/float64(audio.SampleRate))
		samples[i] = int16(v)
	}
	return audio.Frame{Samples: samples, Timestamp: ts}
}

func voiced(conf float64) *vad.Result {
	return &vad.Result{VoiceDetected: true, Confidence: conf}
}

// feedPhrase runs the "Hey Howdy" envelope through the detector followed
// by a few release frames, returning all Triggered results.
func feedPhrase(d *Detector, ts *uint32) []Result {
	var triggered []Result
	envelope := append(append([]float64{}, heyHowdyTemplate...), 0.08, 0.06, 0.05, 0.05)
	for _, level := range envelope {
		res := d.Process(phraseFrame(level, *ts), voiced(0.7))
		*ts += 20
		if res.State == StateTriggered && res.DetectionID != 0 {
			triggered = append(triggered, res)
		}
	}
	return triggered
}

func TestPhraseTriggersOnce(t *testing.T) {
	d := New(Config{}, testLogger())
	ts := uint32(400)

	triggered := feedPhrase(d, &ts)
	if len(triggered) != 1 {
		t.Fatalf("phrase produced %d triggers, want exactly 1", len(triggered))
	}
	res := triggered[0]
	if res.Confidence < 0.65 {
		t.Errorf("trigger confidence = %v, want >= 0.65", res.Confidence)
	}
	if res.SyllableCount != 2 {
		t.Errorf("syllable count = %d, want 2", res.SyllableCount)
	}
	if res.DetectionID == 0 {
		t.Error("detection id must carry the frame timestamp")
	}
	if s := d.Stats(); s.TotalDetections != 1 {
		t.Errorf("total detections = %d, want 1", s.TotalDetections)
	}
}

func TestSingleLoudFrameDoesNotTrigger(t *testing.T) {
	d := New(Config{}, testLogger())
	samples := make([]int16, audio.FrameSamples20ms)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = math.MaxInt16
		} else {
			samples[i] = math.MinInt16
		}
	}
	res := d.Process(audio.Frame{Samples: samples, Timestamp: 100}, voiced(0.9))
	if res.State == StateTriggered {
		t.Error("one saturated frame alone must not trigger")
	}
}

func TestCooldownBlocksRetrigger(t *testing.T) {
	d := New(Config{SilenceTimeoutMs: 2000}, testLogger())
	ts := uint32(400)

	if got := feedPhrase(d, &ts); len(got) != 1 {
		t.Fatalf("first phrase: %d triggers, want 1", len(got))
	}
	// Immediately repeat, well inside the cooldown window.
	if got := feedPhrase(d, &ts); len(got) != 0 {
		t.Fatalf("phrase during cooldown produced %d triggers, want 0", len(got))
	}
	// Advance the frame clock past the cooldown and repeat.
	ts += 3000
	if got := feedPhrase(d, &ts); len(got) != 1 {
		t.Fatalf("phrase after cooldown: %d triggers, want 1", len(got))
	}
}

func TestRateLimitPerMinute(t *testing.T) {
	d := New(Config{MaxDetectionsPerMin: 2, SilenceTimeoutMs: 100}, testLogger())
	ts := uint32(400)

	total := 0
	for i := 0; i < 4; i++ {
		total += len(feedPhrase(d, &ts))
		ts += 500 // past cooldown, still inside the 60 s window
	}
	if total != 2 {
		t.Errorf("triggers inside one minute = %d, want 2 (rate limited)", total)
	}
	if s := d.Stats(); s.RateLimited == 0 {
		t.Error("rate-limited counter should have incremented")
	}

	// A minute later the window has slid clear.
	ts += 61000
	if got := feedPhrase(d, &ts); len(got) != 1 {
		t.Errorf("trigger after window slid = %d, want 1", len(got))
	}
}

func TestSpeakingContextSuppresses(t *testing.T) {
	d := New(Config{}, testLogger())
	d.SetConversationContext(conversation.Speaking)
	d.SetTTSLevel(0.8)
	ts := uint32(400)

	if got := feedPhrase(d, &ts); len(got) != 0 {
		t.Fatalf("phrase during TTS produced %d triggers, want 0", len(got))
	}
}

func TestAdaptationDrift(t *testing.T) {
	cfg := DefaultConfig()
	d := New(cfg, testLogger())

	// False positive drifts thresholds up toward the high targets.
	e0, c0 := d.Thresholds()
	d.OnServerFeedback(123, false, 120)
	e1, c1 := d.Thresholds()

	wantE := e0 + cfg.AdaptationRate*(cfg.EnergyTargetHigh-e0)
	if math.Abs(e1-wantE) > 1e-9 {
		t.Errorf("energy after rejection = %v, want %v", e1, wantE)
	}
	wantC := c0 + cfg.AdaptationRate*(cfg.ConfidenceTargetHigh-c0)
	if math.Abs(c1-wantC) > 1e-9 {
		t.Errorf("confidence after rejection = %v, want %v", c1, wantC)
	}

	// Confirmed detection drifts back down toward the low targets.
	d.OnServerFeedback(124, true, 80)
	e2, c2 := d.Thresholds()
	if e2 >= e1 || c2 >= c1 {
		t.Errorf("validation should lower thresholds: energy %v->%v, confidence %v->%v", e1, e2, c1, c2)
	}

	if s := d.Stats(); s.TruePositives != 1 || s.FalsePositives != 1 {
		t.Errorf("feedback counters = %+v", s)
	}
}

func TestAdaptationFrozenDuringTTS(t *testing.T) {
	d := New(Config{}, testLogger())
	d.SetTTSLevel(0.9)

	e0, c0 := d.Thresholds()
	d.OnServerFeedback(1, false, 50)
	e1, c1 := d.Thresholds()
	if e0 != e1 || c0 != c1 {
		t.Errorf("thresholds moved while TTS level high: %v->%v, %v->%v", e0, e1, c0, c1)
	}
}

func TestUpdateThresholdsClamped(t *testing.T) {
	d := New(Config{}, testLogger())
	d.UpdateThresholds(1e9, 5.0)
	e, c := d.Thresholds()
	if e > DefaultConfig().EnergyTargetHigh*2 {
		t.Errorf("energy threshold not clamped: %v", e)
	}
	if c > 0.95 {
		t.Errorf("confidence threshold not clamped: %v", c)
	}
}

func TestCallbackInvokedOnTrigger(t *testing.T) {
	d := New(Config{}, testLogger())
	var got []Result
	d.SetCallback(func(r Result) { got = append(got, r) })

	ts := uint32(400)
	feedPhrase(d, &ts)
	if len(got) != 1 {
		t.Fatalf("callback fired %d times, want 1", len(got))
	}
	if got[0].State != StateTriggered {
		t.Errorf("callback result state = %v, want Triggered", got[0].State)
	}
}

func TestTemplateSelfMatch(t *testing.T) {
	score := matchTemplate(heyHowdyTemplate)
	if score < 0.95 {
		t.Errorf("template self-match = %v, want ~1.0", score)
	}
}

func TestTemplateRejectsFlatEnvelope(t *testing.T) {
	flat := make([]float64, len(heyHowdyTemplate))
	for i := range flat {
		flat[i] = 0.5
	}
	if score := matchTemplate(flat); score >= 0.65 {
		t.Errorf("flat envelope match = %v, want < 0.65", score)
	}
}

func TestCountSyllables(t *testing.T) {
	zcrs := make([]int, len(heyHowdyTemplate))
	for i := range zcrs {
		zcrs[i] = 20
	}
	if n := countSyllables(heyHowdyTemplate, zcrs); n != 2 {
		t.Errorf("template syllables = %d, want 2", n)
	}

	// Implausible ZCR (buzzing, not speech) must not count.
	for i := range zcrs {
		zcrs[i] = 300
	}
	if n := countSyllables(heyHowdyTemplate, zcrs); n != 0 {
		t.Errorf("non-speech ZCR syllables = %d, want 0", n)
	}
}
