// Package config loads the persisted device configuration: a YAML file
// over complete built-in defaults, overlaid by the collaborator KV store
// for the handful of keys the device rewrites at runtime (adapted wake
// thresholds, volume). A watcher hot-reloads the file; only the live keys
// are applied without a restart.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
)

// Device identifies this unit to the server.
type Device struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Room string `yaml:"room"`
}

// Network holds the server-facing tuning. Ports and intervals default to
// the values the server ships with.
type Network struct {
	// ServerIPHint pre-seeds discovery; probing still runs.
	ServerIPHint            string `yaml:"server_ip_hint"`
	AudioPort               int    `yaml:"audio_port"`
	ControlPort             int    `yaml:"control_port"`
	BroadcastAddr           string `yaml:"broadcast_addr"`
	KeepaliveIntervalMs     int    `yaml:"keepalive_interval_ms"`
	FailoverThresholdMs     int    `yaml:"failover_threshold_ms"`
	SilencePacketIntervalMs int    `yaml:"silence_packet_interval_ms"`
}

// Audio holds device and playback tuning.
type Audio struct {
	// Volume is the TTS output volume in [0,1].
	Volume float64 `yaml:"volume"`
	// RingCapacity is the pre-roll ring size in samples (500 ms default).
	RingCapacity int    `yaml:"ring_capacity"`
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`
}

// VAD holds the voice-detector tuning.
type VAD struct {
	// Backend selects the detector: "enhanced" (default) or "webrtc".
	Backend            string  `yaml:"backend"`
	AmplitudeThreshold float64 `yaml:"amplitude_threshold"`
	SilenceThresholdMs int     `yaml:"silence_threshold_ms"`
	NoiseFloorAlpha    float64 `yaml:"noise_floor_alpha"`
	SNRThresholdDB     float64 `yaml:"snr_threshold_db"`
	ConsistencyFrames  int     `yaml:"consistency_frames"`
}

// Wake holds the wake-word tuning. The threshold keys are rewritten by
// server-driven adaptation and persisted through the KV overlay.
type Wake struct {
	EnergyThreshold     float64 `yaml:"energy_threshold"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	PatternFrames       int     `yaml:"pattern_frames"`
	AdaptationRate      float64 `yaml:"adaptation_rate"`
	SilenceTimeoutMs    int     `yaml:"silence_timeout_ms"`
	MaxDetectionsPerMin int     `yaml:"max_detections_per_min"`
}

// Config is the full persisted configuration.
type Config struct {
	Device  Device  `yaml:"device"`
	Network Network `yaml:"network"`
	Audio   Audio   `yaml:"audio"`
	VAD     VAD     `yaml:"vad"`
	Wake    Wake    `yaml:"wake"`
}

// Default returns the complete shipped configuration. Every field is set;
// a missing YAML file is a valid deployment.
func Default() *Config {
	return &Config{
		Device: Device{
			ID:   "howdyscreen",
			Name: "HowdyScreen",
			Room: "living-room",
		},
		Network: Network{
			AudioPort:               8000,
			ControlPort:             8001,
			BroadcastAddr:           "255.255.255.255",
			KeepaliveIntervalMs:     5000,
			FailoverThresholdMs:     10000,
			SilencePacketIntervalMs: 100,
		},
		Audio: Audio{
			Volume:       0.7,
			RingCapacity: 8000,
		},
		VAD: VAD{
			Backend:            "enhanced",
			AmplitudeThreshold: 2000,
			SilenceThresholdMs: 1500,
			NoiseFloorAlpha:    0.05,
			SNRThresholdDB:     8.0,
			ConsistencyFrames:  5,
		},
		Wake: Wake{
			EnergyThreshold:     3000,
			ConfidenceThreshold: 0.65,
			PatternFrames:       20,
			AdaptationRate:      0.05,
			SilenceTimeoutMs:    2000,
			MaxDetectionsPerMin: 10,
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is
// not an error; the defaults stand.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, "config", err, "open")
	}
	defer f.Close()
	cfg, err := FromReader(f)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidArgument, "config", err,
			fmt.Sprintf("parse %s", path))
	}
	return cfg, nil
}

// FromReader decodes YAML over the defaults and validates the result.
// Fields absent from the document keep their default values.
func FromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return cfg, nil
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges. It reports the first violation found.
func (c *Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fault.Newf(fault.InvalidArgument, "config", format, args...)
	}
	if c.Device.ID == "" {
		return bad("device.id must not be empty")
	}
	if c.Network.AudioPort <= 0 || c.Network.AudioPort > 65535 {
		return bad("network.audio_port %d out of range", c.Network.AudioPort)
	}
	if c.Network.ControlPort <= 0 || c.Network.ControlPort > 65535 {
		return bad("network.control_port %d out of range", c.Network.ControlPort)
	}
	if c.Audio.Volume < 0 || c.Audio.Volume > 1 {
		return bad("audio.volume %.2f out of range [0,1]", c.Audio.Volume)
	}
	if c.Audio.RingCapacity <= 0 {
		return bad("audio.ring_capacity must be positive")
	}
	switch c.VAD.Backend {
	case "enhanced", "webrtc":
	default:
		return bad("vad.backend %q is unknown; valid values: enhanced, webrtc", c.VAD.Backend)
	}
	if c.VAD.AmplitudeThreshold <= 0 {
		return bad("vad.amplitude_threshold must be positive")
	}
	if c.Wake.EnergyThreshold <= 0 {
		return bad("wake.energy_threshold must be positive")
	}
	if c.Wake.ConfidenceThreshold <= 0 || c.Wake.ConfidenceThreshold > 1 {
		return bad("wake.confidence_threshold %.2f out of range (0,1]", c.Wake.ConfidenceThreshold)
	}
	return nil
}

// Clone deep-copies the config. The struct holds no reference types, so a
// value copy suffices; kept as a method so call sites stay honest if that
// changes.
func (c *Config) Clone() *Config {
	dup := *c
	return &dup
}
