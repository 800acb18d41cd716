// Package wakeword implements the "Hey Howdy" detector: a two-stage
// matcher that gates on frame energy plus VAD voice presence, then scores
// a syllabic energy pattern against a tuned template. Detections carry a
// timestamp id the server echoes back in validation messages, which drive
// adaptive thresholds.
package wakeword

import "fmt"

// State is the detector lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateCandidate
	StateTriggered
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCandidate:
		return "Candidate"
	case StateTriggered:
		return "Triggered"
	case StateCooldown:
		return "Cooldown"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Result is the per-frame detector output. Value type, never retained.
type Result struct {
	State             State
	Confidence        float64
	PatternMatchScore float64
	SyllableCount     int
	// DetectionID is the capture timestamp of the triggering frame, in ms
	// since boot. Zero unless State is Triggered.
	DetectionID         uint32
	EnergyThreshold     float64
	ConfidenceThreshold float64
}

// Config tunes the detector. Zero values take the defaults below.
type Config struct {
	EnergyThreshold     float64
	ConfidenceThreshold float64
	// PatternFrames is the syllabic analysis window (20 frames = 400 ms).
	PatternFrames     int
	ConsistencyFrames int
	SilenceTimeoutMs  int
	// AdaptationRate is the per-feedback drift factor toward the targets.
	AdaptationRate      float64
	MaxDetectionsPerMin int

	// Adaptation targets.
	EnergyTargetLow      float64
	EnergyTargetHigh     float64
	ConfidenceTargetLow  float64
	ConfidenceTargetHigh float64

	// TTSLevelThreshold freezes adaptation and raises the stage-1 gate
	// while speaker output exceeds it.
	TTSLevelThreshold float64

	// FalsePositiveWindowMs / FalsePositiveBound trigger a threshold bump
	// independent of server feedback.
	FalsePositiveWindowMs int
	FalsePositiveBound    int
}

// DefaultConfig returns the shipped tuning.
func DefaultConfig() Config {
	return Config{
		EnergyThreshold:       3000,
		ConfidenceThreshold:   0.65,
		PatternFrames:         20,
		ConsistencyFrames:     3,
		SilenceTimeoutMs:      2000,
		AdaptationRate:        0.05,
		MaxDetectionsPerMin:   10,
		EnergyTargetLow:       2000,
		EnergyTargetHigh:      6000,
		ConfidenceTargetLow:   0.55,
		ConfidenceTargetHigh:  0.85,
		TTSLevelThreshold:     0.3,
		FalsePositiveWindowMs: 120000,
		FalsePositiveBound:    4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.EnergyThreshold == 0 {
		c.EnergyThreshold = d.EnergyThreshold
	}
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = d.ConfidenceThreshold
	}
	if c.PatternFrames == 0 {
		c.PatternFrames = d.PatternFrames
	}
	if c.ConsistencyFrames == 0 {
		c.ConsistencyFrames = d.ConsistencyFrames
	}
	if c.SilenceTimeoutMs == 0 {
		c.SilenceTimeoutMs = d.SilenceTimeoutMs
	}
	if c.AdaptationRate == 0 {
		c.AdaptationRate = d.AdaptationRate
	}
	if c.MaxDetectionsPerMin == 0 {
		c.MaxDetectionsPerMin = d.MaxDetectionsPerMin
	}
	if c.EnergyTargetLow == 0 {
		c.EnergyTargetLow = d.EnergyTargetLow
	}
	if c.EnergyTargetHigh == 0 {
		c.EnergyTargetHigh = d.EnergyTargetHigh
	}
	if c.ConfidenceTargetLow == 0 {
		c.ConfidenceTargetLow = d.ConfidenceTargetLow
	}
	if c.ConfidenceTargetHigh == 0 {
		c.ConfidenceTargetHigh = d.ConfidenceTargetHigh
	}
	if c.TTSLevelThreshold == 0 {
		c.TTSLevelThreshold = d.TTSLevelThreshold
	}
	if c.FalsePositiveWindowMs == 0 {
		c.FalsePositiveWindowMs = d.FalsePositiveWindowMs
	}
	if c.FalsePositiveBound == 0 {
		c.FalsePositiveBound = d.FalsePositiveBound
	}
	return c
}

// Stats are lifetime detector counters.
type Stats struct {
	TotalDetections     uint64
	TruePositives       uint64
	FalsePositives      uint64
	Suppressed          uint64
	RateLimited         uint64
	EnergyThreshold     float64
	ConfidenceThreshold float64
	LastDetectionID     uint32
	AvgServerLatencyMs  float64
}
