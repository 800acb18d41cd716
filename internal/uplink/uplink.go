// Package uplink streams captured PCM to the HowdyTTS server over UDP,
// one packet per 20 ms frame. Delivery is best effort: no retransmit, a
// monotonic sequence counter that keeps counting across suppressed
// frames so the server can see gaps, and silence suppression that thins
// the stream to one keepalive packet per interval while nobody speaks.
package uplink

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Jmi2020/howdyscreen-go/internal/protocol"
	"github.com/Jmi2020/howdyscreen-go/pkg/audio"
	"github.com/Jmi2020/howdyscreen-go/pkg/conversation"
	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
	"github.com/Jmi2020/howdyscreen-go/pkg/vad"
	"github.com/Jmi2020/howdyscreen-go/pkg/wakeword"
)

// Conn is the connected datagram socket the streamer writes to. Satisfied
// by *net.UDPConn after DialUDP; tests substitute a recorder.
type Conn interface {
	Write(b []byte) (int, error)
	Close() error
}

// Dialer opens a connected UDP socket to the server. Injected so tests
// never touch the network.
type Dialer func(addr string) (Conn, error)

// DialUDP is the production dialer.
func DialUDP(addr string) (Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fault.Wrap(fault.UdpStreaming, "uplink", err, "resolve")
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fault.Wrap(fault.UdpStreaming, "uplink", err, "dial")
	}
	return conn, nil
}

// Config tunes the streamer.
type Config struct {
	// SilencePacketIntervalMs thins the stream during suppressed silence.
	SilencePacketIntervalMs int
	// MaxConsecutiveFailures before the streamer reports an UdpStreaming
	// fault to the error sink.
	MaxConsecutiveFailures int
}

// DefaultConfig matches the shipped tuning.
func DefaultConfig() Config {
	return Config{
		SilencePacketIntervalMs: 100,
		MaxConsecutiveFailures:  10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SilencePacketIntervalMs == 0 {
		c.SilencePacketIntervalMs = d.SilencePacketIntervalMs
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	return c
}

// Stats are lifetime streamer counters.
type Stats struct {
	PacketsSent    uint64
	BytesSent      uint64
	PacketsDropped uint64 // suppressed by silence thinning
	SendErrors     uint64
	LossEstimate   float64 // send-error ratio, the only loss signal UDP gives us
	AvgSendMicros  uint32
	Seq            uint32
}

// Streamer is the audio uplink. One instance per server connection; safe for
// the single audio-pipeline producer plus control-plane observers.
type Streamer struct {
	cfg    Config
	logger *slog.Logger
	dial   Dialer
	// onFault receives escalations after repeated send failures.
	onFault func(error)
	// now returns milliseconds on the monotonic clock; injected in tests.
	now func() int64

	mu            sync.Mutex
	conn          Conn
	addr          string
	seq           uint32
	ctx           conversation.Context
	lastSilenceMs int64
	consecFails   int
	faultReported bool

	stats       Stats
	sendMicros  uint64
	sendSamples uint64

	encodeBuf []byte
}

// New creates a streamer. A nil dialer uses DialUDP; a nil onFault drops
// escalations.
func New(cfg Config, logger *slog.Logger, dial Dialer, onFault func(error)) *Streamer {
	if dial == nil {
		dial = DialUDP
	}
	if onFault == nil {
		onFault = func(error) {}
	}
	return &Streamer{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		dial:      dial,
		onFault:   onFault,
		now:       func() int64 { return time.Now().UnixMilli() },
		encodeBuf: make([]byte, protocol.PcmHeaderSize+2*audio.FrameSamples20ms),
	}
}

// Configure (re)targets the streamer at a server, closing any previous
// socket. Safe to call while streaming; the next frame uses the new path.
func (s *Streamer) Configure(addr string) error {
	conn, err := s.dial(addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.addr = addr
	s.consecFails = 0
	s.faultReported = false
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	s.logger.Info("uplink configured", slog.String("addr", addr))
	return nil
}

// SetConversationContext feeds the silence-suppression gate.
func (s *Streamer) SetConversationContext(ctx conversation.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
}

// SendFrame streams one capture frame. The VAD result drives the flag
// bits and silence suppression; a wake result marks the frame and always
// forces it onto the wire.
func (s *Streamer) SendFrame(frame audio.Frame, v *vad.Result, wake *wakeword.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return fault.New(fault.InvalidState, "uplink", "no server configured")
	}

	var flags uint16
	confidence := 0.0
	voice := false
	if v != nil {
		voice = v.VoiceDetected
		confidence = v.Confidence
		if voice {
			flags |= protocol.FlagVoice
		}
	}
	wakeHit := wake != nil && wake.State == wakeword.StateTriggered
	if wakeHit {
		flags |= protocol.FlagWakeWord
		if wake.Confidence > confidence {
			confidence = wake.Confidence
		}
	}

	// Silence suppression: outside Listening, quiet frames are thinned to
	// one packet per interval so NAT bindings stay warm.
	if !voice && !wakeHit && s.ctx != conversation.Listening {
		nowMs := s.now()
		if nowMs-s.lastSilenceMs < int64(s.cfg.SilencePacketIntervalMs) {
			s.seq++ // the gap must be visible in the sequence numbers
			s.stats.PacketsDropped++
			return nil
		}
		s.lastSilenceMs = nowMs
		flags |= protocol.FlagSilenceSuppressed
	}

	// The streamer owns the sequence; it keeps counting across suppressed
	// frames, unlike the device's per-capture counter.
	frame.Seq = s.seq
	p := protocol.PacketFromFrame(frame, flags, confidence)
	s.seq++

	return s.writePacket(p)
}

// FlushPreRoll backdates and streams buffered pre-trigger audio so the
// server hears the wake phrase itself, not just what follows it. endTsMs
// is the capture timestamp the live stream resumes at.
func (s *Streamer) FlushPreRoll(samples []int16, endTsMs uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return fault.New(fault.InvalidState, "uplink", "no server configured")
	}

	frameMs := uint32(audio.FrameSamples20ms * 1000 / audio.SampleRate)
	nFrames := len(samples) / audio.FrameSamples20ms
	for i := 0; i < nFrames; i++ {
		back := uint32(nFrames-i) * frameMs
		ts := uint32(0)
		if endTsMs > back {
			ts = endTsMs - back
		}
		p := protocol.PacketFromFrame(audio.Frame{
			Samples:   samples[i*audio.FrameSamples20ms : (i+1)*audio.FrameSamples20ms],
			Timestamp: ts,
			Seq:       s.seq,
		}, protocol.FlagVoice|protocol.FlagWakeWord, 0)
		s.seq++
		if err := s.writePacket(p); err != nil {
			return err
		}
	}
	return nil
}

// writePacket encodes and sends, tracking latency and the consecutive
// failure budget. Caller holds the lock.
func (s *Streamer) writePacket(p protocol.PcmPacket) error {
	need := p.EncodedSize()
	if cap(s.encodeBuf) < need {
		s.encodeBuf = make([]byte, need)
	}
	buf := s.encodeBuf[:need]
	if _, err := p.Encode(buf); err != nil {
		return err
	}

	start := time.Now()
	_, err := s.conn.Write(buf)
	elapsed := time.Since(start).Microseconds()

	if err != nil {
		s.stats.SendErrors++
		s.consecFails++
		if s.consecFails >= s.cfg.MaxConsecutiveFailures && !s.faultReported {
			s.faultReported = true
			f := fault.Wrap(fault.UdpStreaming, "uplink", err, "send failed")
			s.logger.Error("uplink send failing persistently",
				slog.String("addr", s.addr),
				slog.Int("consecutive", s.consecFails))
			// Escalate outside the lock; the sink may call back in.
			s.mu.Unlock()
			s.onFault(f)
			s.mu.Lock()
		}
		return fault.Wrap(fault.UdpStreaming, "uplink", err, "send")
	}

	s.consecFails = 0
	s.faultReported = false
	s.stats.PacketsSent++
	s.stats.BytesSent += uint64(need)
	s.sendMicros += uint64(elapsed)
	s.sendSamples++
	return nil
}

// Stats returns a snapshot of the counters.
func (s *Streamer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Seq = s.seq
	if s.sendSamples > 0 {
		st.AvgSendMicros = uint32(s.sendMicros / s.sendSamples)
	}
	if total := st.PacketsSent + st.SendErrors; total > 0 {
		st.LossEstimate = float64(st.SendErrors) / float64(total)
	}
	return st
}

// ResetStats zeroes the counters but never the sequence, which must stay
// monotonic for the life of the process.
func (s *Streamer) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = Stats{}
	s.sendMicros = 0
	s.sendSamples = 0
}

// Close releases the socket.
func (s *Streamer) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
