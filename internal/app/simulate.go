package app

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/Jmi2020/howdyscreen-go/internal/config"
	"github.com/Jmi2020/howdyscreen-go/pkg/audio/wav"
	"github.com/Jmi2020/howdyscreen-go/pkg/vad"
	"github.com/Jmi2020/howdyscreen-go/pkg/vad/webrtc"
	"github.com/Jmi2020/howdyscreen-go/pkg/wakeword"
)

// Simulate runs the detection half of the pipeline over a WAV file with
// no device and no network: every frame goes through the configured VAD
// backend and the wake-word detector, and the events land on out. Used
// for offline tuning and regression checks against recorded audio.
func Simulate(cfg *config.Config, logger *slog.Logger, wavPath string, out io.Writer) error {
	if cfg == nil {
		cfg = config.Default()
	}

	r, err := wav.NewReader(wavPath)
	if err != nil {
		return err
	}
	frames, err := r.ReadFrames()
	r.Close()
	if err != nil {
		return err
	}

	var voice vad.Detector
	switch cfg.VAD.Backend {
	case "webrtc":
		voice, err = webrtc.New(2)
		if err != nil {
			return err
		}
	default:
		voice = vad.NewEnhanced(vad.Config{
			AmplitudeThreshold: cfg.VAD.AmplitudeThreshold,
			SilenceThresholdMs: cfg.VAD.SilenceThresholdMs,
			NoiseFloorAlpha:    cfg.VAD.NoiseFloorAlpha,
			SNRThresholdDB:     cfg.VAD.SNRThresholdDB,
			ConsistencyFrames:  cfg.VAD.ConsistencyFrames,
		})
	}

	wake := wakeword.New(wakeword.Config{
		EnergyThreshold:     cfg.Wake.EnergyThreshold,
		ConfidenceThreshold: cfg.Wake.ConfidenceThreshold,
		PatternFrames:       cfg.Wake.PatternFrames,
		AdaptationRate:      cfg.Wake.AdaptationRate,
		SilenceTimeoutMs:    cfg.Wake.SilenceTimeoutMs,
		MaxDetectionsPerMin: cfg.Wake.MaxDetectionsPerMin,
	}, logger)

	segments := 0
	detections := 0
	for _, frame := range frames {
		v := voice.Process(frame)
		if v.SpeechStarted {
			segments++
			fmt.Fprintf(out, "%6dms speech start  rms=%.0f snr=%.1fdB\n",
				frame.Timestamp, v.RMS, v.SNRdB)
		}
		if v.SpeechEnded {
			fmt.Fprintf(out, "%6dms speech end\n", frame.Timestamp)
		}
		w := wake.Process(frame, &v)
		if w.State == wakeword.StateTriggered {
			detections++
			fmt.Fprintf(out, "%6dms WAKE  confidence=%.2f match=%.2f syllables=%d\n",
				frame.Timestamp, w.Confidence, w.PatternMatchScore, w.SyllableCount)
		}
	}

	fmt.Fprintf(out, "frames=%d duration=%dms segments=%d detections=%d\n",
		len(frames), len(frames)*20, segments, detections)
	return nil
}
