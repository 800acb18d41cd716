// Package protocol implements the wire formats spoken to the HowdyTTS
// server: the UDP audio packet, the framed control-channel envelope with
// its message payloads, and the discovery strings. Everything multi-byte
// is little-endian, matching the server's packed-struct decoders.
package protocol

import (
	"encoding/binary"

	"github.com/Jmi2020/howdyscreen-go/pkg/audio"
	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
)

// PcmHeaderSize is the fixed UDP audio header length in bytes.
const PcmHeaderSize = 12

// PcmPacket flag bits.
const (
	FlagVoice             uint16 = 1 << 0
	FlagWakeWord          uint16 = 1 << 1
	FlagSilenceSuppressed uint16 = 1 << 2
)

// PcmPacket is one captured frame on the UDP uplink: a 12-byte header
// followed by raw little-endian PCM. One packet per datagram.
type PcmPacket struct {
	Sequence    uint32
	TimestampMs uint32
	Flags       uint16
	Samples     []int16
}

// SetConfidence quantizes a [0,1] confidence into flag bits 8..15.
func (p *PcmPacket) SetConfidence(c float64) {
	if c < 0 {
		c = 0
	} else if c > 1 {
		c = 1
	}
	p.Flags = p.Flags&0x00FF | uint16(c*255)<<8
}

// Confidence recovers the quantized confidence from the flags.
func (p *PcmPacket) Confidence() float64 {
	return float64(p.Flags>>8) / 255
}

// EncodedSize returns the datagram length for this packet.
func (p *PcmPacket) EncodedSize() int {
	return PcmHeaderSize + 2*len(p.Samples)
}

// Encode serializes the packet into buf, which must hold EncodedSize()
// bytes. Returns the bytes written.
func (p *PcmPacket) Encode(buf []byte) (int, error) {
	n := p.EncodedSize()
	if len(buf) < n {
		return 0, fault.Newf(fault.InvalidArgument, "protocol",
			"pcm encode needs %d bytes, have %d", n, len(buf))
	}
	binary.LittleEndian.PutUint32(buf[0:4], p.Sequence)
	binary.LittleEndian.PutUint32(buf[4:8], p.TimestampMs)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(p.Samples)))
	binary.LittleEndian.PutUint16(buf[10:12], p.Flags)
	for i, s := range p.Samples {
		binary.LittleEndian.PutUint16(buf[PcmHeaderSize+i*2:], uint16(s))
	}
	return n, nil
}

// DecodePcm parses one datagram. The sample count in the header must
// account for exactly the remaining bytes.
func DecodePcm(buf []byte) (PcmPacket, error) {
	if len(buf) < PcmHeaderSize {
		return PcmPacket{}, fault.Newf(fault.InvalidArgument, "protocol",
			"pcm packet %d bytes, need at least %d", len(buf), PcmHeaderSize)
	}
	samples := int(binary.LittleEndian.Uint16(buf[8:10]))
	if len(buf) != PcmHeaderSize+2*samples {
		return PcmPacket{}, fault.Newf(fault.InvalidArgument, "protocol",
			"pcm packet %d bytes, header says %d samples", len(buf), samples)
	}
	pcm, err := audio.SamplesFromBytes(buf[PcmHeaderSize:])
	if err != nil {
		return PcmPacket{}, fault.Wrap(fault.InvalidArgument, "protocol", err, "bad pcm")
	}
	p := PcmPacket{
		Sequence:    binary.LittleEndian.Uint32(buf[0:4]),
		TimestampMs: binary.LittleEndian.Uint32(buf[4:8]),
		Flags:       binary.LittleEndian.Uint16(buf[10:12]),
		Samples:     pcm,
	}
	return p, nil
}

// PacketFromFrame builds the uplink packet for one capture frame.
func PacketFromFrame(frame audio.Frame, flags uint16, confidence float64) PcmPacket {
	p := PcmPacket{
		Sequence:    frame.Seq,
		TimestampMs: frame.Timestamp,
		Flags:       flags,
		Samples:     frame.Samples,
	}
	p.SetConfidence(confidence)
	return p
}
