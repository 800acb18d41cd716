// Package webrtc adapts the WebRTC VAD as an alternative Detector backend,
// selected with `vad.backend: webrtc`. It reuses the enhanced detector's
// level math and segment debouncing but delegates the raw voice decision
// to libfvad.
package webrtc

import (
	"sync"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/Jmi2020/howdyscreen-go/pkg/audio"
	"github.com/Jmi2020/howdyscreen-go/pkg/conversation"
	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
	"github.com/Jmi2020/howdyscreen-go/pkg/vad"
)

// Detector wraps a webrtcvad instance. Aggressiveness follows the
// conversation context: normal while idle or listening, maximum while TTS
// plays.
type Detector struct {
	mu        sync.Mutex
	inner     *webrtcvad.VAD
	mode      int
	ctx       conversation.Context
	ttsLevel  float64
	consec    int
	inSpeech  bool
	silenceMs int

	consistencyFrames  int
	silenceThresholdMs int
}

// New creates a webrtcvad-backed detector. mode is the libfvad
// aggressiveness (0..3).
func New(mode int) (*Detector, error) {
	if mode < 0 || mode > 3 {
		return nil, fault.Newf(fault.InvalidArgument, "vad-webrtc", "mode must be 0..3, got %d", mode)
	}
	inner, err := webrtcvad.New()
	if err != nil {
		return nil, fault.Wrap(fault.AudioProcessing, "vad-webrtc", err, "create libfvad instance")
	}
	if err := inner.SetMode(mode); err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, "vad-webrtc", err, "set aggressiveness")
	}
	return &Detector{
		inner:              inner,
		mode:               mode,
		consistencyFrames:  3,
		silenceThresholdMs: 1500,
	}, nil
}

func (d *Detector) SetConversationContext(ctx conversation.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctx = ctx
	// Harder gate while the speaker is active.
	if ctx == conversation.Speaking {
		d.inner.SetMode(3)
	} else {
		d.inner.SetMode(d.mode)
	}
}

func (d *Detector) SetTTSAudioLevel(level float64, _ []int16) {
	d.mu.Lock()
	d.ttsLevel = level
	d.mu.Unlock()
}

func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consec = 0
	d.inSpeech = false
	d.silenceMs = 0
}

// Process runs libfvad on the frame and applies the same debounce contract
// as the enhanced detector.
func (d *Detector) Process(frame audio.Frame) vad.Result {
	if len(frame.Samples) != audio.FrameSamples10ms && len(frame.Samples) != audio.FrameSamples20ms {
		return vad.Result{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	pcm := frame.Bytes()
	active, err := d.inner.Process(audio.SampleRate, pcm)
	if err != nil {
		return vad.Result{}
	}

	rms := audio.RMS(frame.Samples)
	res := vad.Result{
		RMS:            rms,
		PeakAmplitude:  audio.Peak(frame.Samples),
		FrameTimestamp: frame.Timestamp,
	}

	frameMs := int(frame.Duration().Milliseconds())
	if active {
		d.consec++
	} else {
		d.consec = 0
	}

	if !d.inSpeech {
		if d.consec >= d.consistencyFrames {
			d.inSpeech = true
			d.silenceMs = 0
			res.SpeechStarted = true
		}
	} else {
		if active {
			d.silenceMs = 0
		} else {
			d.silenceMs += frameMs
			if d.silenceMs >= d.silenceThresholdMs {
				d.inSpeech = false
				res.SpeechEnded = true
			}
		}
	}

	res.VoiceDetected = d.inSpeech
	if d.inSpeech {
		res.Confidence = 0.5 + 0.5*minf(float64(d.consec)/10, 1)
	}
	res.HighConfidence = res.Confidence >= 0.8
	return res
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
