package feedback

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matryer/is"

	"github.com/Jmi2020/howdyscreen-go/internal/protocol"
	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
)

// fakeServer is a minimal HowdyTTS control endpoint: it records every
// upstream envelope and can push downstream ones.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrades atomic.Int32

	mu       sync.Mutex
	conn     *websocket.Conn
	received []protocol.Envelope
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/vad_feedback" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.upgrades.Add(1)
		fs.mu.Lock()
		fs.conn = conn
		fs.mu.Unlock()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			env, err := protocol.DecodeEnvelope(data)
			if err != nil {
				t.Errorf("server got undecodable envelope: %v", err)
				continue
			}
			fs.mu.Lock()
			fs.received = append(fs.received, env)
			fs.mu.Unlock()
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) hostPort() (string, int) {
	u, err := url.Parse(fs.srv.URL)
	if err != nil {
		fs.t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		fs.t.Fatal(err)
	}
	return u.Hostname(), port
}

func (fs *fakeServer) push(t protocol.MsgType, payload []byte) error {
	fs.mu.Lock()
	conn := fs.conn
	fs.mu.Unlock()
	if conn == nil {
		return io.ErrClosedPipe
	}
	return conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeEnvelope(t, payload))
}

func (fs *fakeServer) messages() []protocol.Envelope {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]protocol.Envelope, len(fs.received))
	copy(out, fs.received)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startChannel(t *testing.T, fs *fakeServer, cfg Config, cb Callbacks) *Channel {
	t.Helper()
	host, port := fs.hostPort()
	cfg.Port = port
	if cfg.DeviceID == "" {
		cfg.DeviceID = "howdyscreen-test"
	}
	cfg.Room = "den"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(cfg, logger, cb)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	c.Connect(host)
	waitFor(t, "connection", func() bool { return c.State() == Connected })
	return c
}

func TestRegistersOnConnect(t *testing.T) {
	is := is.New(t)
	fs := newFakeServer(t)
	startChannel(t, fs, Config{DeviceID: "dev-42", Capabilities: protocol.CapWakeWord}, Callbacks{})

	waitFor(t, "register frame", func() bool { return len(fs.messages()) >= 1 })

	msgs := fs.messages()
	is.Equal(msgs[0].Type, protocol.MsgRegister)
	var reg protocol.Register
	is.NoErr(reg.Unmarshal(msgs[0].Payload))
	is.Equal(reg.DeviceID, "dev-42")
	is.Equal(reg.Room, "den")
	is.Equal(reg.Capabilities, protocol.CapWakeWord)
}

func TestUpstreamMessagesArriveInOrder(t *testing.T) {
	is := is.New(t)
	fs := newFakeServer(t)
	c := startChannel(t, fs, Config{}, Callbacks{})

	is.NoErr(c.SendWakeDetection(protocol.WakeDetection{DetectionID: 7, Confidence: 0.8}))
	is.NoErr(c.SendStatistics(protocol.Statistics{TotalDetections: 1}))
	is.NoErr(c.SendDeviceStatus(protocol.DeviceStatus{MicLevel: 0.25, RssiDbm: -55}))

	waitFor(t, "three upstream messages", func() bool { return len(fs.messages()) >= 4 })

	msgs := fs.messages()[1:] // after Register
	is.Equal(msgs[0].Type, protocol.MsgWakeDetection)
	is.Equal(msgs[1].Type, protocol.MsgStatistics)
	is.Equal(msgs[2].Type, protocol.MsgDeviceStatus)

	var det protocol.WakeDetection
	is.NoErr(det.Unmarshal(msgs[0].Payload))
	is.Equal(det.DetectionID, uint32(7))
}

func TestDownstreamDispatch(t *testing.T) {
	is := is.New(t)
	fs := newFakeServer(t)

	var mu sync.Mutex
	var validations []protocol.Validation
	var chunks []protocol.TtsChunk
	var alive []string
	cb := Callbacks{
		OnValidation: func(v protocol.Validation) {
			mu.Lock()
			validations = append(validations, v)
			mu.Unlock()
		},
		OnTtsChunk: func(ch protocol.TtsChunk) {
			mu.Lock()
			chunks = append(chunks, ch)
			mu.Unlock()
		},
		OnServerAlive: func(host string) {
			mu.Lock()
			alive = append(alive, host)
			mu.Unlock()
		},
	}
	startChannel(t, fs, Config{}, cb)

	v := protocol.Validation{DetectionID: 99, Validated: true, ServerConfidence: 0.9, ProcessingTimeMs: 80}
	is.NoErr(fs.push(protocol.MsgValidation, v.Marshal()))
	chunk := protocol.TtsChunk{SessionID: "s1", ChunkSeq: 0, Samples: []int16{1, 2, 3}}
	is.NoErr(fs.push(protocol.MsgTtsChunk, chunk.Marshal()))

	waitFor(t, "callbacks", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(validations) == 1 && len(chunks) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	is.Equal(validations[0].DetectionID, uint32(99))
	is.True(validations[0].Validated)
	is.Equal(chunks[0].SessionID, "s1")
	is.Equal(chunks[0].Samples, []int16{1, 2, 3})
	is.True(len(alive) >= 2)
}

func TestKeepaliveFlows(t *testing.T) {
	fs := newFakeServer(t)
	startChannel(t, fs, Config{KeepaliveIntervalMs: 30}, Callbacks{})

	waitFor(t, "keepalive", func() bool {
		for _, m := range fs.messages() {
			if m.Type == protocol.MsgKeepalive {
				return true
			}
		}
		return false
	})
}

func TestExplicitDisconnectDoesNotRetry(t *testing.T) {
	is := is.New(t)
	fs := newFakeServer(t)
	c := startChannel(t, fs, Config{}, Callbacks{})

	c.Disconnect()
	waitFor(t, "disconnect", func() bool { return c.State() == Disconnected })

	// Give a would-be reconnect loop time to dial again.
	time.Sleep(150 * time.Millisecond)
	is.Equal(fs.upgrades.Load(), int32(1))
}

func TestSendWhileDisconnectedDrops(t *testing.T) {
	is := is.New(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(Config{}, logger, Callbacks{})

	err := c.SendWakeDetection(protocol.WakeDetection{DetectionID: 1})
	is.True(fault.Is(err, fault.FeedbackChannel))
	is.Equal(c.Stats().Dropped, uint64(1))
}

func TestDispatchToleratesBadPayloads(t *testing.T) {
	is := is.New(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var events []protocol.MsgType
	c := New(Config{}, logger, Callbacks{
		OnEvent: func(t protocol.MsgType, _ []byte) { events = append(events, t) },
	})

	// Truncated validation payload: logged and skipped, no callback.
	c.dispatch(protocol.Envelope{Type: protocol.MsgValidation, Payload: []byte{1, 2}})
	// Unknown type still reaches the raw tap.
	c.dispatch(protocol.Envelope{Type: protocol.MsgType(200), Payload: nil})

	is.Equal(events, []protocol.MsgType{protocol.MsgType(200)})
}

func TestBackoffCapped(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(Config{MaxBackoffMs: 10000}, logger, Callbacks{})
	c.backoffAttempt = 9 // next delay would be 2^9 s uncapped

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.backoffDelay(ctx)
	if err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if d := time.Since(start); d < 40*time.Millisecond {
		t.Fatalf("backoff returned after %v, should have blocked until the context deadline", d)
	}
}
