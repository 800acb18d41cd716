// Package vad classifies audio frames as voice or silence with confidence,
// SNR, and noise-floor tracking. The enhanced detector is the default;
// alternative backends (see the webrtc subpackage) plug in behind the
// Detector interface.
package vad

import (
	"github.com/Jmi2020/howdyscreen-go/pkg/audio"
	"github.com/Jmi2020/howdyscreen-go/pkg/conversation"
)

// Result is the per-frame classification. Results are value types and
// never retained by the detector.
type Result struct {
	VoiceDetected bool
	// SpeechStarted fires exactly once per voice segment, on the debounced
	// silence-to-voice transition.
	SpeechStarted bool
	// SpeechEnded fires exactly once, after the trailing-silence timeout.
	SpeechEnded    bool
	Confidence     float64
	RMS            float64
	PeakAmplitude  float64
	SNRdB          float64
	NoiseFloor     float64
	HighConfidence bool
	FrameTimestamp uint32
}

// Detector is the per-frame voice classifier consumed by the wake-word
// stage and the uplink.
type Detector interface {
	Process(frame audio.Frame) Result
	SetConversationContext(ctx conversation.Context)
	// SetTTSAudioLevel informs the detector about outbound speaker energy
	// so it can suppress self-triggering; ttsFrame may be nil.
	SetTTSAudioLevel(level float64, ttsFrame []int16)
	Reset()
}

// Stats are lifetime detector counters.
type Stats struct {
	FramesProcessed   uint64
	SpeechSegments    uint64
	TotalVoiceMs      uint64
	AverageConfidence float64
	NoiseFloor        float64
}
