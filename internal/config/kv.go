package config

import (
	"log/slog"
	"strconv"
)

// KV is the collaborator key-value store (NVS-style persistence). String
// values throughout; numeric keys are parsed on overlay.
type KV interface {
	Get(key string) (string, bool)
	Put(key, value string) error
}

// KV keys the device reads on boot and rewrites at runtime.
const (
	KeyDeviceID       = "device_id"
	KeyDeviceName     = "device_name"
	KeyRoom           = "room"
	KeyServerIPHint   = "server_ip_hint"
	KeyVadAmplitude   = "vad.amplitude_threshold"
	KeyVadSilenceMs   = "vad.silence_threshold_ms"
	KeyWakeEnergy     = "wake.energy_threshold"
	KeyWakeConfidence = "wake.confidence_threshold"
	KeyVolume         = "volume"
)

// Overlay applies KV entries on top of the file config. KV wins: it holds
// values the device itself persisted (adapted thresholds, user volume)
// after the file was written. Unparseable values are logged and skipped.
func (c *Config) Overlay(kv KV, logger *slog.Logger) {
	if kv == nil {
		return
	}
	str := func(key string, dst *string) {
		if v, ok := kv.Get(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *float64) {
		v, ok := kv.Get(key)
		if !ok {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			logger.Warn("ignoring unparseable kv entry",
				slog.String("key", key), slog.String("value", v))
			return
		}
		*dst = f
	}
	integer := func(key string, dst *int) {
		v, ok := kv.Get(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			logger.Warn("ignoring unparseable kv entry",
				slog.String("key", key), slog.String("value", v))
			return
		}
		*dst = n
	}

	str(KeyDeviceID, &c.Device.ID)
	str(KeyDeviceName, &c.Device.Name)
	str(KeyRoom, &c.Device.Room)
	str(KeyServerIPHint, &c.Network.ServerIPHint)
	num(KeyVadAmplitude, &c.VAD.AmplitudeThreshold)
	integer(KeyVadSilenceMs, &c.VAD.SilenceThresholdMs)
	num(KeyWakeEnergy, &c.Wake.EnergyThreshold)
	num(KeyWakeConfidence, &c.Wake.ConfidenceThreshold)
	num(KeyVolume, &c.Audio.Volume)
}

// PersistThresholds writes the adapted wake thresholds back to the KV
// store so they survive restarts.
func PersistThresholds(kv KV, energy, confidence float64) error {
	if kv == nil {
		return nil
	}
	if err := kv.Put(KeyWakeEnergy, strconv.FormatFloat(energy, 'f', 1, 64)); err != nil {
		return err
	}
	return kv.Put(KeyWakeConfidence, strconv.FormatFloat(confidence, 'f', 3, 64))
}

// PersistVolume writes the user volume back to the KV store.
func PersistVolume(kv KV, volume float64) error {
	if kv == nil {
		return nil
	}
	return kv.Put(KeyVolume, strconv.FormatFloat(volume, 'f', 2, 64))
}
