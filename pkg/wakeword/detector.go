package wakeword

import (
	"log/slog"
	"sync"

	"github.com/Jmi2020/howdyscreen-go/pkg/audio"
	"github.com/Jmi2020/howdyscreen-go/pkg/conversation"
	"github.com/Jmi2020/howdyscreen-go/pkg/vad"
)

// Detector runs the two-stage "Hey Howdy" matcher. One instance per
// device; not safe for concurrent Process calls from multiple producers
// (the pipeline has exactly one).
type Detector struct {
	cfg    Config
	logger *slog.Logger

	mu sync.Mutex

	// Pattern window: energy envelope and ZCR per frame, newest last.
	envelope []float64
	zcrs     []int

	state       State
	consecMatch int
	// cooldownUntil is a frame-timestamp deadline (ms since boot).
	cooldownUntil uint32
	nowMs         uint32

	// Sliding 60 s window of Triggered timestamps for rate limiting.
	triggerTimes []uint32

	// Adaptive thresholds, seeded from config.
	energyThreshold     float64
	confidenceThreshold float64

	ctx      conversation.Context
	ttsLevel float64

	// Recent false-positive timestamps for the feedback-independent bump.
	recentFalse []uint32

	// pendingID maps the in-flight detection to server feedback.
	pendingID uint32

	callback func(Result)

	stats        Stats
	latencySumMs uint64
	latencyN     uint64
}

// New creates a detector with the given tuning.
func New(cfg Config, logger *slog.Logger) *Detector {
	cfg = cfg.withDefaults()
	return &Detector{
		cfg:                 cfg,
		logger:              logger,
		envelope:            make([]float64, 0, cfg.PatternFrames),
		zcrs:                make([]int, 0, cfg.PatternFrames),
		energyThreshold:     cfg.EnergyThreshold,
		confidenceThreshold: cfg.ConfidenceThreshold,
	}
}

// SetCallback registers a listener invoked on every Triggered result.
func (d *Detector) SetCallback(cb func(Result)) {
	d.mu.Lock()
	d.callback = cb
	d.mu.Unlock()
}

// SetConversationContext gates emission: while Speaking, detections are
// suppressed entirely but frames keep buffering.
func (d *Detector) SetConversationContext(ctx conversation.Context) {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()
}

// SetTTSLevel raises the stage-1 energy gate and freezes adaptation while
// the speaker is loud.
func (d *Detector) SetTTSLevel(level float64) {
	d.mu.Lock()
	d.ttsLevel = level
	d.mu.Unlock()
}

// UpdateThresholds applies a server-directed absolute threshold set.
func (d *Detector) UpdateThresholds(energy, confidence float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if energy > 0 {
		d.energyThreshold = clamp(energy, d.cfg.EnergyTargetLow/2, d.cfg.EnergyTargetHigh*2)
	}
	if confidence > 0 {
		d.confidenceThreshold = clamp(confidence, 0.3, 0.95)
	}
	d.logger.Info("wake-word thresholds updated by server",
		slog.Float64("energy", d.energyThreshold),
		slog.Float64("confidence", d.confidenceThreshold))
}

// OnServerFeedback adapts thresholds from a validation verdict for a
// previously reported detection.
func (d *Detector) OnServerFeedback(detectionID uint32, validated bool, latencyMs uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.latencySumMs += uint64(latencyMs)
	d.latencyN++

	frozen := d.ttsLevel > d.cfg.TTSLevelThreshold
	rate := d.cfg.AdaptationRate

	if validated {
		d.stats.TruePositives++
		if !frozen {
			// Confirmed hit: drift thresholds down toward the low targets
			// for better sensitivity.
			d.energyThreshold -= rate * (d.energyThreshold - d.cfg.EnergyTargetLow)
			d.confidenceThreshold -= rate * (d.confidenceThreshold - d.cfg.ConfidenceTargetLow)
		}
	} else {
		d.stats.FalsePositives++
		d.recentFalse = append(d.recentFalse, d.nowMs)
		if !frozen {
			d.energyThreshold += rate * (d.cfg.EnergyTargetHigh - d.energyThreshold)
			d.confidenceThreshold += rate * (d.cfg.ConfidenceTargetHigh - d.confidenceThreshold)
		}
		d.maybeBumpForFalsePositives()
	}
	if detectionID == d.pendingID {
		d.pendingID = 0
	}

	d.logger.Debug("wake-word server feedback applied",
		slog.Bool("validated", validated),
		slog.Float64("energy_threshold", d.energyThreshold),
		slog.Float64("confidence_threshold", d.confidenceThreshold))
}

// maybeBumpForFalsePositives applies an immediate threshold bump when the
// local false-positive rate exceeds the bound, independent of per-event
// feedback. Caller holds the lock.
func (d *Detector) maybeBumpForFalsePositives() {
	cutoff := uint32(0)
	if d.nowMs > uint32(d.cfg.FalsePositiveWindowMs) {
		cutoff = d.nowMs - uint32(d.cfg.FalsePositiveWindowMs)
	}
	kept := d.recentFalse[:0]
	for _, ts := range d.recentFalse {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	d.recentFalse = kept
	if len(d.recentFalse) > d.cfg.FalsePositiveBound {
		d.energyThreshold += 2 * d.cfg.AdaptationRate * (d.cfg.EnergyTargetHigh - d.energyThreshold)
		d.confidenceThreshold += 2 * d.cfg.AdaptationRate * (d.cfg.ConfidenceTargetHigh - d.confidenceThreshold)
		d.recentFalse = d.recentFalse[:0]
		d.logger.Warn("false-positive rate bound exceeded, thresholds bumped",
			slog.Float64("energy_threshold", d.energyThreshold))
	}
}

// Process analyzes one frame. The VAD result is optional; when present it
// participates in the stage-1 gate.
func (d *Detector) Process(frame audio.Frame, v *vad.Result) Result {
	if len(frame.Samples) != audio.FrameSamples10ms && len(frame.Samples) != audio.FrameSamples20ms {
		return Result{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nowMs = frame.Timestamp
	energy := audio.RMS(frame.Samples)
	zcr := audio.ZeroCrossings(frame.Samples)

	// The pattern window always advances, even while suppressed, so a
	// context flip mid-phrase still has history to match against.
	if len(d.envelope) == d.cfg.PatternFrames {
		copy(d.envelope, d.envelope[1:])
		d.envelope = d.envelope[:d.cfg.PatternFrames-1]
		copy(d.zcrs, d.zcrs[1:])
		d.zcrs = d.zcrs[:d.cfg.PatternFrames-1]
	}
	d.envelope = append(d.envelope, energy)
	d.zcrs = append(d.zcrs, zcr)

	res := Result{
		State:               d.state,
		EnergyThreshold:     d.energyThreshold,
		ConfidenceThreshold: d.confidenceThreshold,
	}

	// Cooldown expires on the frame clock, and only once the conversation
	// has returned to a state where a trigger is actionable.
	if d.state == StateCooldown || d.state == StateTriggered {
		if d.nowMs >= d.cooldownUntil &&
			(d.ctx == conversation.Idle || d.ctx == conversation.Listening) {
			d.state = StateIdle
			d.consecMatch = 0
		} else {
			d.state = StateCooldown
			res.State = d.state
			return res
		}
	}

	gate := d.stage1Gate(energy, v)

	switch d.state {
	case StateIdle:
		if gate {
			d.state = StateCandidate
			d.consecMatch = 0
		}
	case StateCandidate:
		if !gate && !d.recentEnvelopeActive() {
			// Phrase energy collapsed before a match completed.
			d.state = StateIdle
			d.consecMatch = 0
			break
		}

		score := matchTemplate(d.envelope)
		syllables := countSyllables(d.envelope, d.zcrs)
		res.PatternMatchScore = score
		res.SyllableCount = syllables
		res.Confidence = d.scoreConfidence(score, syllables, v)

		if res.Confidence >= d.confidenceThreshold {
			d.consecMatch++
		} else {
			d.consecMatch = 0
		}

		if d.consecMatch >= d.cfg.ConsistencyFrames && syllables == expectedSyllables {
			d.tryTrigger(&res)
		}
	}

	res.State = d.state
	return res
}

// stage1Gate combines the energy threshold (raised while TTS plays) with
// VAD voice presence.
func (d *Detector) stage1Gate(energy float64, v *vad.Result) bool {
	threshold := d.energyThreshold
	if d.ttsLevel > d.cfg.TTSLevelThreshold {
		threshold *= 1 + 2*d.ttsLevel
	}
	if energy <= threshold {
		return false
	}
	if v != nil && !v.VoiceDetected && v.Confidence < 0.3 {
		return false
	}
	return true
}

// recentEnvelopeActive reports whether the tail of the window still holds
// phrase-level energy, tolerating the inter-syllable dip.
func (d *Detector) recentEnvelopeActive() bool {
	n := len(d.envelope)
	if n < 4 {
		return false
	}
	active := 0
	for _, e := range d.envelope[n-4:] {
		if e > d.energyThreshold/2 {
			active++
		}
	}
	return active >= 1
}

func (d *Detector) scoreConfidence(score float64, syllables int, v *vad.Result) float64 {
	c := score
	switch {
	case syllables == expectedSyllables:
		c *= 1.2
	case syllables == expectedSyllables+1:
		c *= 1.05
	default:
		c *= 0.8
	}
	if v != nil && v.HighConfidence {
		c *= 1.05
	}
	if c > 1 {
		c = 1
	}
	return c
}

// tryTrigger commits a detection subject to context suppression and the
// sliding-window rate limit. Caller holds the lock.
func (d *Detector) tryTrigger(res *Result) {
	if d.ctx == conversation.Speaking {
		d.stats.Suppressed++
		d.consecMatch = 0
		return
	}

	cutoff := uint32(0)
	if d.nowMs > 60000 {
		cutoff = d.nowMs - 60000
	}
	kept := d.triggerTimes[:0]
	for _, ts := range d.triggerTimes {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	d.triggerTimes = kept
	if len(d.triggerTimes) >= d.cfg.MaxDetectionsPerMin {
		d.stats.RateLimited++
		d.consecMatch = 0
		return
	}

	d.state = StateTriggered
	d.cooldownUntil = d.nowMs + uint32(d.cfg.SilenceTimeoutMs)
	d.triggerTimes = append(d.triggerTimes, d.nowMs)
	d.pendingID = d.nowMs
	d.stats.TotalDetections++
	d.stats.LastDetectionID = d.nowMs

	res.State = StateTriggered
	res.DetectionID = d.nowMs

	d.logger.Info("wake word triggered",
		slog.Float64("confidence", res.Confidence),
		slog.Float64("match_score", res.PatternMatchScore),
		slog.Int("syllables", res.SyllableCount))

	if d.callback != nil {
		cb := d.callback
		r := *res
		// Callback outside the lock would be nicer, but it must observe
		// the committed state; keep it short.
		d.mu.Unlock()
		cb(r)
		d.mu.Lock()
	}
}

// Stats returns lifetime counters and current thresholds.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.EnergyThreshold = d.energyThreshold
	s.ConfidenceThreshold = d.confidenceThreshold
	if d.latencyN > 0 {
		s.AvgServerLatencyMs = float64(d.latencySumMs) / float64(d.latencyN)
	}
	return s
}

// Thresholds returns the current adaptive thresholds.
func (d *Detector) Thresholds() (energy, confidence float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.energyThreshold, d.confidenceThreshold
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
