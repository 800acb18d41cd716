package protocol

import (
	"encoding/binary"

	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
)

// MsgType discriminates control-channel messages. Device-originated types
// occupy the low range, server-originated the high range.
type MsgType uint8

const (
	MsgRegister        MsgType = 1
	MsgWakeDetection   MsgType = 2
	MsgStatistics      MsgType = 3
	MsgDeviceStatus    MsgType = 4
	MsgValidation      MsgType = 128
	MsgThresholdUpdate MsgType = 129
	MsgTtsChunk        MsgType = 130
	MsgKeepalive       MsgType = 255
)

func (t MsgType) String() string {
	switch t {
	case MsgRegister:
		return "register"
	case MsgWakeDetection:
		return "wake_detection"
	case MsgStatistics:
		return "statistics"
	case MsgDeviceStatus:
		return "device_status"
	case MsgValidation:
		return "validation"
	case MsgThresholdUpdate:
		return "threshold_update"
	case MsgTtsChunk:
		return "tts_chunk"
	case MsgKeepalive:
		return "keepalive"
	default:
		return "unknown"
	}
}

// EnvelopeHeaderSize is the framing overhead per control message.
const EnvelopeHeaderSize = 5

// MaxPayloadSize bounds decoded payloads. The largest legitimate message
// is a TTS chunk (22 bytes + PCM); anything near a megabyte is corrupt.
const MaxPayloadSize = 1 << 20

// Envelope is one framed control message: {u8 type, u32 length, payload}.
type Envelope struct {
	Type    MsgType
	Payload []byte
}

// EncodeEnvelope frames a message for the control channel.
func EncodeEnvelope(t MsgType, payload []byte) []byte {
	buf := make([]byte, EnvelopeHeaderSize+len(payload))
	buf[0] = byte(t)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[EnvelopeHeaderSize:], payload)
	return buf
}

// DecodeEnvelope parses one framed message. The declared length must match
// the remaining bytes exactly; the control transport delivers whole
// messages, never partial ones.
func DecodeEnvelope(buf []byte) (Envelope, error) {
	if len(buf) < EnvelopeHeaderSize {
		return Envelope{}, fault.Newf(fault.InvalidArgument, "protocol",
			"envelope %d bytes, need at least %d", len(buf), EnvelopeHeaderSize)
	}
	length := binary.LittleEndian.Uint32(buf[1:5])
	if length > MaxPayloadSize {
		return Envelope{}, fault.Newf(fault.InvalidArgument, "protocol",
			"envelope declares %d byte payload", length)
	}
	if uint32(len(buf)-EnvelopeHeaderSize) != length {
		return Envelope{}, fault.Newf(fault.InvalidArgument, "protocol",
			"envelope has %d payload bytes, header says %d", len(buf)-EnvelopeHeaderSize, length)
	}
	return Envelope{Type: MsgType(buf[0]), Payload: buf[EnvelopeHeaderSize:]}, nil
}
