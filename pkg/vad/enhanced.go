package vad

import (
	"math"
	"sync"

	"github.com/Jmi2020/howdyscreen-go/pkg/audio"
	"github.com/Jmi2020/howdyscreen-go/pkg/conversation"
)

// Config tunes the enhanced detector. Zero values are replaced by the
// defaults below.
type Config struct {
	// AmplitudeThreshold is the base RMS gate in raw 16-bit units.
	AmplitudeThreshold float64
	// SilenceThresholdMs is the trailing silence needed before a speech
	// segment ends.
	SilenceThresholdMs int
	// NoiseFloorAlpha is the exponential smoothing rate for the noise
	// floor, applied only during confirmed silence.
	NoiseFloorAlpha float64
	// SNRThresholdDB gates the raw voice decision.
	SNRThresholdDB float64
	// ConsistencyFrames raw-voice frames in a row are required before
	// voice is reported.
	ConsistencyFrames int

	// Context threshold multipliers, in percent (enhanced_vad defaults:
	// higher sensitivity while idle, lower while TTS plays).
	IdleMultiplier       int
	ListeningMultiplier  int
	SpeakingMultiplier   int
	ProcessingMultiplier int
}

// DefaultConfig returns the tuning the appliance ships with.
func DefaultConfig() Config {
	return Config{
		AmplitudeThreshold:   2000,
		SilenceThresholdMs:   1500,
		NoiseFloorAlpha:      0.05,
		SNRThresholdDB:       8.0,
		ConsistencyFrames:    5,
		IdleMultiplier:       80,
		ListeningMultiplier:  100,
		SpeakingMultiplier:   150,
		ProcessingMultiplier: 120,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AmplitudeThreshold == 0 {
		c.AmplitudeThreshold = d.AmplitudeThreshold
	}
	if c.SilenceThresholdMs == 0 {
		c.SilenceThresholdMs = d.SilenceThresholdMs
	}
	if c.NoiseFloorAlpha == 0 {
		c.NoiseFloorAlpha = d.NoiseFloorAlpha
	}
	if c.SNRThresholdDB == 0 {
		c.SNRThresholdDB = d.SNRThresholdDB
	}
	if c.ConsistencyFrames == 0 {
		c.ConsistencyFrames = d.ConsistencyFrames
	}
	if c.IdleMultiplier == 0 {
		c.IdleMultiplier = d.IdleMultiplier
	}
	if c.ListeningMultiplier == 0 {
		c.ListeningMultiplier = d.ListeningMultiplier
	}
	if c.SpeakingMultiplier == 0 {
		c.SpeakingMultiplier = d.SpeakingMultiplier
	}
	if c.ProcessingMultiplier == 0 {
		c.ProcessingMultiplier = d.ProcessingMultiplier
	}
	return c
}

// segment phases
type phase int

const (
	phaseSilent phase = iota
	phaseVoicing
	phaseSpeech
	phaseTrailing
)

const recentWindow = 16 // frames of RMS history for the relative gate

// Enhanced is the default detector: energy plus adaptive noise floor, an
// SNR gate, and an N-frame consistency debounce.
type Enhanced struct {
	cfg Config

	mu         sync.Mutex
	noiseFloor float64
	// recent holds the last recentWindow RMS values; preallocated so the
	// steady state never allocates.
	recent    [recentWindow]float64
	recentIdx int
	recentN   int

	consecVoice int
	ph          phase
	silenceMs   int

	ctx      conversation.Context
	ttsLevel float64
	// ttsEnergy is an RMS estimate of the frame currently leaving the
	// speaker; subtracted from the input estimate while Speaking.
	ttsEnergy float64

	frames        uint64
	segments      uint64
	voiceMs       uint64
	confidenceSum float64
}

// NewEnhanced creates the detector with the given tuning.
func NewEnhanced(cfg Config) *Enhanced {
	cfg = cfg.withDefaults()
	return &Enhanced{
		cfg:        cfg,
		noiseFloor: cfg.AmplitudeThreshold * 0.3,
	}
}

// SetConversationContext updates the context-dependent threshold.
func (d *Enhanced) SetConversationContext(ctx conversation.Context) {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()
}

// SetTTSAudioLevel reports speaker output level in [0,1] plus, optionally,
// the PCM frame currently playing so its energy can be modeled.
func (d *Enhanced) SetTTSAudioLevel(level float64, ttsFrame []int16) {
	d.mu.Lock()
	d.ttsLevel = level
	if ttsFrame != nil {
		d.ttsEnergy = audio.RMS(ttsFrame)
	} else {
		d.ttsEnergy = level * 8192
	}
	d.mu.Unlock()
}

// Reset returns the detector to initial state, keeping configuration.
func (d *Enhanced) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.noiseFloor = d.cfg.AmplitudeThreshold * 0.3
	d.recentIdx = 0
	d.recentN = 0
	d.consecVoice = 0
	d.ph = phaseSilent
	d.silenceMs = 0
}

// Process classifies one frame. Bad input lengths return a zeroed result.
func (d *Enhanced) Process(frame audio.Frame) Result {
	if len(frame.Samples) != audio.FrameSamples10ms && len(frame.Samples) != audio.FrameSamples20ms {
		return Result{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.frames++
	frameMs := int(frame.Duration().Milliseconds())

	rms := audio.RMS(frame.Samples)
	peak := audio.Peak(frame.Samples)

	// Model of outbound TTS energy, removed from the input estimate while
	// the speaker is active.
	effRMS := rms
	if d.ctx == conversation.Speaking && d.ttsEnergy > 0 {
		effRMS = math.Max(0, rms-d.ttsEnergy*0.7)
	}

	threshold := d.effectiveThreshold()

	snr := 0.0
	if d.noiseFloor > 0 && effRMS > 0 {
		snr = 20 * math.Log10(effRMS/d.noiseFloor)
	}

	recentMean := d.recentMean()
	rawVoice := effRMS > threshold &&
		(recentMean == 0 || effRMS > 1.5*recentMean) &&
		snr > d.cfg.SNRThresholdDB

	// The recent window tracks background level only; folding speech
	// frames in would defeat the relative gate mid-utterance.
	if !rawVoice {
		d.pushRecent(rms)
	}

	// Debounce.
	if rawVoice {
		d.consecVoice++
	} else {
		d.consecVoice = 0
	}

	res := Result{
		RMS:            rms,
		PeakAmplitude:  peak,
		SNRdB:          snr,
		FrameTimestamp: frame.Timestamp,
	}

	switch d.ph {
	case phaseSilent:
		if rawVoice {
			d.ph = phaseVoicing
		}
	case phaseVoicing:
		if d.consecVoice >= d.cfg.ConsistencyFrames {
			d.ph = phaseSpeech
			d.segments++
			res.SpeechStarted = true
		} else if !rawVoice {
			d.ph = phaseSilent
		}
	case phaseSpeech:
		if !rawVoice {
			d.ph = phaseTrailing
			d.silenceMs = frameMs
		}
	case phaseTrailing:
		if rawVoice {
			d.ph = phaseSpeech
			d.silenceMs = 0
		} else {
			d.silenceMs += frameMs
			if d.silenceMs >= d.cfg.SilenceThresholdMs {
				d.ph = phaseSilent
				d.silenceMs = 0
				res.SpeechEnded = true
			}
		}
	}

	res.VoiceDetected = d.ph == phaseSpeech || d.ph == phaseTrailing
	if res.VoiceDetected {
		d.voiceMs += uint64(frameMs)
	}

	// Noise floor adapts only during confirmed silence and never from an
	// all-zero frame.
	if d.ph == phaseSilent && rms > 0 {
		a := d.cfg.NoiseFloorAlpha
		d.noiseFloor = a*rms + (1-a)*d.noiseFloor
	}
	res.NoiseFloor = d.noiseFloor

	res.Confidence = d.confidence(effRMS, threshold, snr)
	res.HighConfidence = res.Confidence >= 0.8 && res.VoiceDetected
	d.confidenceSum += res.Confidence

	return res
}

// effectiveThreshold applies the context multiplier and the TTS-level
// boost to the base amplitude threshold.
func (d *Enhanced) effectiveThreshold() float64 {
	mult := d.cfg.ListeningMultiplier
	switch d.ctx {
	case conversation.Idle:
		mult = d.cfg.IdleMultiplier
	case conversation.Listening:
		mult = d.cfg.ListeningMultiplier
	case conversation.Speaking:
		mult = d.cfg.SpeakingMultiplier
	case conversation.Processing:
		mult = d.cfg.ProcessingMultiplier
	}
	t := d.cfg.AmplitudeThreshold * float64(mult) / 100.0
	if d.ctx == conversation.Speaking {
		t *= 1 + d.ttsLevel
	}
	return t
}

// confidence combines a normalized SNR term, the margin over threshold,
// and the consistency ratio, clipped to [0,1].
func (d *Enhanced) confidence(rms, threshold, snr float64) float64 {
	if rms == 0 {
		return 0
	}
	snrTerm := snr / (2 * d.cfg.SNRThresholdDB)
	if snrTerm < 0 {
		snrTerm = 0
	} else if snrTerm > 1 {
		snrTerm = 1
	}

	marginTerm := 0.0
	if threshold > 0 && rms > threshold {
		marginTerm = (rms - threshold) / (3 * threshold)
		if marginTerm > 1 {
			marginTerm = 1
		}
	}

	consistencyTerm := float64(d.consecVoice) / float64(d.cfg.ConsistencyFrames)
	if consistencyTerm > 1 {
		consistencyTerm = 1
	}

	c := 0.4*snrTerm + 0.3*marginTerm + 0.3*consistencyTerm
	if c < 0 {
		c = 0
	} else if c > 1 {
		c = 1
	}
	return c
}

func (d *Enhanced) pushRecent(rms float64) {
	d.recent[d.recentIdx] = rms
	d.recentIdx = (d.recentIdx + 1) % recentWindow
	if d.recentN < recentWindow {
		d.recentN++
	}
}

func (d *Enhanced) recentMean() float64 {
	if d.recentN == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < d.recentN; i++ {
		sum += d.recent[i]
	}
	return sum / float64(d.recentN)
}

// Stats returns lifetime counters.
func (d *Enhanced) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	avg := 0.0
	if d.frames > 0 {
		avg = d.confidenceSum / float64(d.frames)
	}
	return Stats{
		FramesProcessed:   d.frames,
		SpeechSegments:    d.segments,
		TotalVoiceMs:      d.voiceMs,
		AverageConfidence: avg,
		NoiseFloor:        d.noiseFloor,
	}
}
