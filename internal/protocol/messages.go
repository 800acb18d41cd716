package protocol

import (
	"encoding/binary"
	"math"

	"github.com/Jmi2020/howdyscreen-go/pkg/audio"
	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
)

// Fixed-width string fields, NUL-padded like the server's packed structs.
const (
	idFieldLen      = 32
	sessionFieldLen = 16
)

func putFixedString(buf []byte, s string) {
	n := copy(buf, s)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}

func fixedString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

func putF32(buf []byte, v float64) {
	binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
}

func f32(buf []byte) float64 {
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
}

func payloadErr(msg string, got, want int) error {
	return fault.Newf(fault.InvalidArgument, "protocol",
		"%s payload %d bytes, want %d", msg, got, want)
}

// Register (type 1) announces the device on a fresh control connection.
type Register struct {
	DeviceID     string
	DeviceName   string
	Room         string
	Capabilities uint32
}

// Capability bits advertised in Register.
const (
	CapWakeWord uint32 = 1 << 0
	CapTTS      uint32 = 1 << 1
	CapVADStats uint32 = 1 << 2
)

const registerSize = 3*idFieldLen + 4

func (m Register) Marshal() []byte {
	buf := make([]byte, registerSize)
	putFixedString(buf[0:idFieldLen], m.DeviceID)
	putFixedString(buf[idFieldLen:2*idFieldLen], m.DeviceName)
	putFixedString(buf[2*idFieldLen:3*idFieldLen], m.Room)
	binary.LittleEndian.PutUint32(buf[3*idFieldLen:], m.Capabilities)
	return buf
}

func (m *Register) Unmarshal(buf []byte) error {
	if len(buf) != registerSize {
		return payloadErr("register", len(buf), registerSize)
	}
	m.DeviceID = fixedString(buf[0:idFieldLen])
	m.DeviceName = fixedString(buf[idFieldLen : 2*idFieldLen])
	m.Room = fixedString(buf[2*idFieldLen : 3*idFieldLen])
	m.Capabilities = binary.LittleEndian.Uint32(buf[3*idFieldLen:])
	return nil
}

// WakeDetection (type 2) reports a local trigger for server validation.
// The detection id is the capture timestamp of the triggering frame, which
// lets the server reconcile ordering across reconnects.
type WakeDetection struct {
	DetectionID   uint32
	Confidence    float64
	MatchScore    float64
	SyllableCount uint8
	VadConfidence float64
	Energy        float64
}

const wakeDetectionSize = 4 + 4 + 4 + 1 + 3 + 4 + 4

func (m WakeDetection) Marshal() []byte {
	buf := make([]byte, wakeDetectionSize)
	binary.LittleEndian.PutUint32(buf[0:4], m.DetectionID)
	putF32(buf[4:8], m.Confidence)
	putF32(buf[8:12], m.MatchScore)
	buf[12] = m.SyllableCount
	putF32(buf[16:20], m.VadConfidence)
	putF32(buf[20:24], m.Energy)
	return buf
}

func (m *WakeDetection) Unmarshal(buf []byte) error {
	if len(buf) != wakeDetectionSize {
		return payloadErr("wake_detection", len(buf), wakeDetectionSize)
	}
	m.DetectionID = binary.LittleEndian.Uint32(buf[0:4])
	m.Confidence = f32(buf[4:8])
	m.MatchScore = f32(buf[8:12])
	m.SyllableCount = buf[12]
	m.VadConfidence = f32(buf[16:20])
	m.Energy = f32(buf[20:24])
	return nil
}

// Statistics (type 3) is the periodic wake + stream counters snapshot.
type Statistics struct {
	TotalDetections     uint32
	TruePositives       uint32
	FalsePositives      uint32
	Suppressed          uint32
	RateLimited         uint32
	EnergyThreshold     float64
	ConfidenceThreshold float64
	PacketsSent         uint64
	BytesSent           uint64
	LossEstimate        float64
	AvgSendMicros       uint32
}

const statisticsSize = 5*4 + 2*4 + 2*8 + 4 + 4

func (m Statistics) Marshal() []byte {
	buf := make([]byte, statisticsSize)
	binary.LittleEndian.PutUint32(buf[0:4], m.TotalDetections)
	binary.LittleEndian.PutUint32(buf[4:8], m.TruePositives)
	binary.LittleEndian.PutUint32(buf[8:12], m.FalsePositives)
	binary.LittleEndian.PutUint32(buf[12:16], m.Suppressed)
	binary.LittleEndian.PutUint32(buf[16:20], m.RateLimited)
	putF32(buf[20:24], m.EnergyThreshold)
	putF32(buf[24:28], m.ConfidenceThreshold)
	binary.LittleEndian.PutUint64(buf[28:36], m.PacketsSent)
	binary.LittleEndian.PutUint64(buf[36:44], m.BytesSent)
	putF32(buf[44:48], m.LossEstimate)
	binary.LittleEndian.PutUint32(buf[48:52], m.AvgSendMicros)
	return buf
}

func (m *Statistics) Unmarshal(buf []byte) error {
	if len(buf) != statisticsSize {
		return payloadErr("statistics", len(buf), statisticsSize)
	}
	m.TotalDetections = binary.LittleEndian.Uint32(buf[0:4])
	m.TruePositives = binary.LittleEndian.Uint32(buf[4:8])
	m.FalsePositives = binary.LittleEndian.Uint32(buf[8:12])
	m.Suppressed = binary.LittleEndian.Uint32(buf[12:16])
	m.RateLimited = binary.LittleEndian.Uint32(buf[16:20])
	m.EnergyThreshold = f32(buf[20:24])
	m.ConfidenceThreshold = f32(buf[24:28])
	m.PacketsSent = binary.LittleEndian.Uint64(buf[28:36])
	m.BytesSent = binary.LittleEndian.Uint64(buf[36:44])
	m.LossEstimate = f32(buf[44:48])
	m.AvgSendMicros = binary.LittleEndian.Uint32(buf[48:52])
	return nil
}

// DeviceStatus (type 4) is a lightweight health beacon: mic level for the
// server's room UI, radio strength, uptime and memory headroom.
type DeviceStatus struct {
	MicLevel      float64 // [0,1]
	RssiDbm       int8
	BatteryPct    uint8 // 255 = mains powered
	UptimeSec     uint32
	FreeHeapBytes uint32
}

const deviceStatusSize = 4 + 1 + 1 + 2 + 4 + 4

func (m DeviceStatus) Marshal() []byte {
	buf := make([]byte, deviceStatusSize)
	putF32(buf[0:4], m.MicLevel)
	buf[4] = byte(m.RssiDbm)
	buf[5] = m.BatteryPct
	binary.LittleEndian.PutUint32(buf[8:12], m.UptimeSec)
	binary.LittleEndian.PutUint32(buf[12:16], m.FreeHeapBytes)
	return buf
}

func (m *DeviceStatus) Unmarshal(buf []byte) error {
	if len(buf) != deviceStatusSize {
		return payloadErr("device_status", len(buf), deviceStatusSize)
	}
	m.MicLevel = f32(buf[0:4])
	m.RssiDbm = int8(buf[4])
	m.BatteryPct = buf[5]
	m.UptimeSec = binary.LittleEndian.Uint32(buf[8:12])
	m.FreeHeapBytes = binary.LittleEndian.Uint32(buf[12:16])
	return nil
}

// Validation (type 128) is the server's verdict on a reported detection.
type Validation struct {
	DetectionID      uint32
	Validated        bool
	ServerConfidence float64
	ProcessingTimeMs uint32
}

const validationSize = 4 + 1 + 3 + 4 + 4

func (m Validation) Marshal() []byte {
	buf := make([]byte, validationSize)
	binary.LittleEndian.PutUint32(buf[0:4], m.DetectionID)
	if m.Validated {
		buf[4] = 1
	}
	putF32(buf[8:12], m.ServerConfidence)
	binary.LittleEndian.PutUint32(buf[12:16], m.ProcessingTimeMs)
	return buf
}

func (m *Validation) Unmarshal(buf []byte) error {
	if len(buf) != validationSize {
		return payloadErr("validation", len(buf), validationSize)
	}
	m.DetectionID = binary.LittleEndian.Uint32(buf[0:4])
	m.Validated = buf[4] != 0
	m.ServerConfidence = f32(buf[8:12])
	m.ProcessingTimeMs = binary.LittleEndian.Uint32(buf[12:16])
	return nil
}

// ThresholdUpdate (type 129) is a server-directed absolute threshold set.
type ThresholdUpdate struct {
	Energy     float64
	Confidence float64
	Reason     string
}

const thresholdUpdateSize = 4 + 4 + idFieldLen

func (m ThresholdUpdate) Marshal() []byte {
	buf := make([]byte, thresholdUpdateSize)
	putF32(buf[0:4], m.Energy)
	putF32(buf[4:8], m.Confidence)
	putFixedString(buf[8:], m.Reason)
	return buf
}

func (m *ThresholdUpdate) Unmarshal(buf []byte) error {
	if len(buf) != thresholdUpdateSize {
		return payloadErr("threshold_update", len(buf), thresholdUpdateSize)
	}
	m.Energy = f32(buf[0:4])
	m.Confidence = f32(buf[4:8])
	m.Reason = fixedString(buf[8:])
	return nil
}

// TtsChunk (type 130) carries one PCM chunk of a TTS session:
// {char[16] session_id, u32 chunk_seq, u16 samples, i16[samples] pcm}.
type TtsChunk struct {
	SessionID string
	ChunkSeq  uint32
	Samples   []int16
}

const ttsChunkHeaderSize = sessionFieldLen + 4 + 2

func (m TtsChunk) Marshal() []byte {
	buf := make([]byte, ttsChunkHeaderSize+2*len(m.Samples))
	putFixedString(buf[0:sessionFieldLen], m.SessionID)
	binary.LittleEndian.PutUint32(buf[sessionFieldLen:sessionFieldLen+4], m.ChunkSeq)
	binary.LittleEndian.PutUint16(buf[sessionFieldLen+4:ttsChunkHeaderSize], uint16(len(m.Samples)))
	for i, s := range m.Samples {
		binary.LittleEndian.PutUint16(buf[ttsChunkHeaderSize+i*2:], uint16(s))
	}
	return buf
}

func (m *TtsChunk) Unmarshal(buf []byte) error {
	if len(buf) < ttsChunkHeaderSize {
		return payloadErr("tts_chunk", len(buf), ttsChunkHeaderSize)
	}
	samples := int(binary.LittleEndian.Uint16(buf[sessionFieldLen+4 : ttsChunkHeaderSize]))
	if len(buf) != ttsChunkHeaderSize+2*samples {
		return fault.Newf(fault.InvalidArgument, "protocol",
			"tts chunk %d bytes, header says %d samples", len(buf), samples)
	}
	pcm, err := audio.SamplesFromBytes(buf[ttsChunkHeaderSize:])
	if err != nil {
		return fault.Wrap(fault.InvalidArgument, "protocol", err, "bad tts chunk")
	}
	m.SessionID = fixedString(buf[0:sessionFieldLen])
	m.ChunkSeq = binary.LittleEndian.Uint32(buf[sessionFieldLen : sessionFieldLen+4])
	m.Samples = pcm
	return nil
}
