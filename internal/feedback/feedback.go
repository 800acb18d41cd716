// Package feedback maintains the persistent control link to the HowdyTTS
// server: a websocket carrying framed binary messages in both directions.
// Upstream go wake detections, statistics and device status; downstream
// come validation verdicts, threshold updates and TTS audio chunks. The
// link self-heals with exponential backoff and re-registers the device on
// every fresh connection.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Jmi2020/howdyscreen-go/internal/protocol"
	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
)

// State is the connection lifecycle position.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Callbacks are invoked from the channel's own goroutines; handlers must
// not block.
type Callbacks struct {
	OnValidation      func(protocol.Validation)
	OnThresholdUpdate func(protocol.ThresholdUpdate)
	OnTtsChunk        func(protocol.TtsChunk)
	// OnEvent taps every downstream message after type dispatch.
	OnEvent func(protocol.MsgType, []byte)
	// OnStateChange observes connection transitions.
	OnStateChange func(State)
	// OnServerAlive fires on any downstream traffic, so discovery can
	// defer failover while the control link is healthy.
	OnServerAlive func(host string)
}

// Config tunes the channel.
type Config struct {
	Port                int
	Path                string
	KeepaliveIntervalMs int
	HandshakeTimeoutMs  int
	WriteTimeoutMs      int
	MaxBackoffMs        int

	DeviceID     string
	DeviceName   string
	Room         string
	Capabilities uint32
}

// DefaultConfig matches the server's expectations.
func DefaultConfig() Config {
	return Config{
		Port:                8001,
		Path:                "/vad_feedback",
		KeepaliveIntervalMs: 5000,
		HandshakeTimeoutMs:  10000,
		WriteTimeoutMs:      1000,
		MaxBackoffMs:        10000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.KeepaliveIntervalMs == 0 {
		c.KeepaliveIntervalMs = d.KeepaliveIntervalMs
	}
	if c.HandshakeTimeoutMs == 0 {
		c.HandshakeTimeoutMs = d.HandshakeTimeoutMs
	}
	if c.WriteTimeoutMs == 0 {
		c.WriteTimeoutMs = d.WriteTimeoutMs
	}
	if c.MaxBackoffMs == 0 {
		c.MaxBackoffMs = d.MaxBackoffMs
	}
	return c
}

// Stats are lifetime channel counters.
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	Reconnects       uint64
	Dropped          uint64
	State            State
}

// Channel is the control link. Create with New, start Run on its own
// task, then Connect at a server.
type Channel struct {
	cfg       Config
	logger    *slog.Logger
	callbacks Callbacks

	state atomic.Int32

	mu      sync.Mutex
	host    string
	enabled bool
	conn    *websocket.Conn

	// wake nudges Run when Connect/Disconnect changes the target.
	wake chan struct{}
	out  chan []byte

	backoffAttempt int

	sent      atomic.Uint64
	received  atomic.Uint64
	reconnect atomic.Uint64
	dropped   atomic.Uint64
}

// New creates the channel.
func New(cfg Config, logger *slog.Logger, callbacks Callbacks) *Channel {
	return &Channel{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		callbacks: callbacks,
		wake:      make(chan struct{}, 1),
		out:       make(chan []byte, 64),
	}
}

// Connect targets the channel at a server. The Run loop picks it up and
// dials; reconnects keep targeting this host until Disconnect or a new
// Connect.
func (c *Channel) Connect(host string) {
	c.mu.Lock()
	changed := c.host != host || !c.enabled
	c.host = host
	c.enabled = true
	conn := c.conn
	c.mu.Unlock()

	if changed && conn != nil {
		conn.Close() // force the active session onto the new target
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Disconnect stops the link without backoff or retry.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.enabled = false
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.setState(Disconnected)
}

// State returns the current connection state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

func (c *Channel) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.logger.Debug("feedback state", slog.String("state", s.String()))
	if c.callbacks.OnStateChange != nil {
		c.callbacks.OnStateChange(s)
	}
}

// Run owns the connection lifecycle until the context ends.
func (c *Channel) Run(ctx context.Context) error {
	for {
		c.mu.Lock()
		host, enabled := c.host, c.enabled
		c.mu.Unlock()

		if !enabled || host == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
				continue
			}
		}

		if err := c.connectAndRun(ctx, host); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.mu.Lock()
			stillEnabled := c.enabled
			c.mu.Unlock()
			if !stillEnabled {
				continue // explicit disconnect, no backoff
			}
			c.setState(Failed)
			c.logger.Warn("feedback link lost",
				slog.String("host", host),
				slog.String("error", err.Error()))
			if err := c.backoffDelay(ctx); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Channel) connectAndRun(ctx context.Context, host string) error {
	c.setState(Connecting)

	url := fmt.Sprintf("ws://%s:%d%s", host, c.cfg.Port, c.cfg.Path)
	dialer := websocket.Dialer{
		HandshakeTimeout: time.Duration(c.cfg.HandshakeTimeoutMs) * time.Millisecond,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fault.Wrap(fault.FeedbackChannel, "feedback", err, "dial")
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	c.backoffAttempt = 0
	c.reconnect.Add(1)
	c.setState(Connected)
	defer c.setState(Disconnected)
	c.logger.Info("feedback connected", slog.String("url", url))

	if err := c.register(conn); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.readLoop(conn, host); err != nil {
			errCh <- err
		}
		cancel()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.writeLoop(runCtx, conn); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		cancel()
		conn.Close()
		wg.Wait()
		return err
	case <-ctx.Done():
		cancel()
		conn.Close()
		wg.Wait()
		return nil
	}
}

// register announces the device; the first frame on every connection.
func (c *Channel) register(conn *websocket.Conn) error {
	reg := protocol.Register{
		DeviceID:     c.cfg.DeviceID,
		DeviceName:   c.cfg.DeviceName,
		Room:         c.cfg.Room,
		Capabilities: c.cfg.Capabilities,
	}
	frame := protocol.EncodeEnvelope(protocol.MsgRegister, reg.Marshal())
	if err := c.writeFrame(conn, frame); err != nil {
		return fault.Wrap(fault.FeedbackChannel, "feedback", err, "register")
	}
	return nil
}

func (c *Channel) writeFrame(conn *websocket.Conn, frame []byte) error {
	conn.SetWriteDeadline(time.Now().Add(time.Duration(c.cfg.WriteTimeoutMs) * time.Millisecond))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return err
	}
	c.sent.Add(1)
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn, host string) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fault.Wrap(fault.FeedbackChannel, "feedback", err, "read")
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			c.logger.Warn("undecodable control message", slog.String("error", err.Error()))
			continue
		}
		c.received.Add(1)
		if c.callbacks.OnServerAlive != nil {
			c.callbacks.OnServerAlive(host)
		}
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.MsgValidation:
		var m protocol.Validation
		if err := m.Unmarshal(env.Payload); err != nil {
			c.logger.Warn("bad validation payload", slog.String("error", err.Error()))
			return
		}
		if c.callbacks.OnValidation != nil {
			c.callbacks.OnValidation(m)
		}
	case protocol.MsgThresholdUpdate:
		var m protocol.ThresholdUpdate
		if err := m.Unmarshal(env.Payload); err != nil {
			c.logger.Warn("bad threshold payload", slog.String("error", err.Error()))
			return
		}
		if c.callbacks.OnThresholdUpdate != nil {
			c.callbacks.OnThresholdUpdate(m)
		}
	case protocol.MsgTtsChunk:
		var m protocol.TtsChunk
		if err := m.Unmarshal(env.Payload); err != nil {
			c.logger.Warn("bad tts chunk", slog.String("error", err.Error()))
			return
		}
		if c.callbacks.OnTtsChunk != nil {
			c.callbacks.OnTtsChunk(m)
		}
	case protocol.MsgKeepalive:
		// liveness only, already counted
	default:
		c.logger.Warn("unexpected control message", slog.String("type", env.Type.String()))
	}
	if c.callbacks.OnEvent != nil {
		c.callbacks.OnEvent(env.Type, env.Payload)
	}
}

func (c *Channel) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	keepalive := time.NewTicker(time.Duration(c.cfg.KeepaliveIntervalMs) * time.Millisecond)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-c.out:
			if err := c.writeFrame(conn, frame); err != nil {
				return fault.Wrap(fault.FeedbackChannel, "feedback", err, "write")
			}
		case <-keepalive.C:
			frame := protocol.EncodeEnvelope(protocol.MsgKeepalive, nil)
			if err := c.writeFrame(conn, frame); err != nil {
				return fault.Wrap(fault.FeedbackChannel, "feedback", err, "keepalive")
			}
		}
	}
}

// enqueue queues an upstream frame, dropping when the link is down or the
// buffer is full; control traffic is advisory and must never stall the
// audio path.
func (c *Channel) enqueue(t protocol.MsgType, payload []byte) error {
	if c.State() != Connected {
		c.dropped.Add(1)
		return fault.New(fault.FeedbackChannel, "feedback", "control link down")
	}
	select {
	case c.out <- protocol.EncodeEnvelope(t, payload):
		return nil
	default:
		c.dropped.Add(1)
		return fault.New(fault.FeedbackChannel, "feedback", "outbound queue full")
	}
}

// SendWakeDetection reports a local trigger for server validation.
func (c *Channel) SendWakeDetection(m protocol.WakeDetection) error {
	return c.enqueue(protocol.MsgWakeDetection, m.Marshal())
}

// SendStatistics sends the periodic counters snapshot.
func (c *Channel) SendStatistics(m protocol.Statistics) error {
	return c.enqueue(protocol.MsgStatistics, m.Marshal())
}

// SendDeviceStatus sends the health beacon.
func (c *Channel) SendDeviceStatus(m protocol.DeviceStatus) error {
	return c.enqueue(protocol.MsgDeviceStatus, m.Marshal())
}

// Stats returns a snapshot of the counters.
func (c *Channel) Stats() Stats {
	return Stats{
		MessagesSent:     c.sent.Load(),
		MessagesReceived: c.received.Load(),
		Reconnects:       c.reconnect.Load(),
		Dropped:          c.dropped.Load(),
		State:            c.State(),
	}
}

// backoffDelay sleeps 1s, 2s, 4s, ... capped at MaxBackoffMs.
func (c *Channel) backoffDelay(ctx context.Context) error {
	c.backoffAttempt++
	delayMs := math.Min(1000*math.Pow(2, float64(c.backoffAttempt-1)), float64(c.cfg.MaxBackoffMs))
	delay := time.Duration(delayMs) * time.Millisecond

	c.logger.Info("feedback reconnecting with backoff",
		slog.Int("attempt", c.backoffAttempt),
		slog.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
