package discovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/Jmi2020/howdyscreen-go/internal/protocol"
	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
)

func newTestDiscovery(cfg Config) (*Discovery, *int64) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(cfg, logger, nil, nil)
	clock := int64(1000)
	d.now = func() int64 { return clock }
	return d, &clock
}

func respond(d *Discovery, host, msg string) {
	d.handleResponse(msg, &net.UDPAddr{IP: net.ParseIP(host), Port: 8001})
}

func identity(room string) string {
	return protocol.FormatIdentity(protocol.Identity{
		DeviceClass: "SERVER", DeviceID: "tts01", Room: room,
	})
}

func TestResponseUpsertsRegistry(t *testing.T) {
	is := is.New(t)
	d, _ := newTestDiscovery(Config{})

	var seen []ServerInfo
	d.SetCallback(func(s ServerInfo) { seen = append(seen, s) })

	respond(d, "192.168.1.50", identity("office"))

	servers := d.DiscoveredServers()
	is.Equal(len(servers), 1)
	is.Equal(servers[0].Host, "192.168.1.50")
	is.Equal(servers[0].AudioPort, 8000)
	is.True(servers[0].NativeProtocol)
	is.Equal(servers[0].Identity.Room, "office")
	is.Equal(servers[0].Addr(), "192.168.1.50:8000")
	is.Equal(len(seen), 1)

	// A refresh updates rather than duplicates.
	respond(d, "192.168.1.50", identity("office"))
	is.Equal(len(d.DiscoveredServers()), 1)
}

func TestOwnProbeEchoIgnored(t *testing.T) {
	is := is.New(t)
	d, _ := newTestDiscovery(Config{})
	respond(d, "192.168.1.10", protocol.DiscoveryProbe)
	is.Equal(len(d.DiscoveredServers()), 0)
}

func TestNonIdentityResponseStillRegistered(t *testing.T) {
	is := is.New(t)
	d, _ := newTestDiscovery(Config{})
	respond(d, "192.168.1.60", "OK")

	servers := d.DiscoveredServers()
	is.Equal(len(servers), 1)
	is.True(!servers[0].NativeProtocol)
}

func TestEvictionSparesCurrentServer(t *testing.T) {
	is := is.New(t)
	d, clock := newTestDiscovery(Config{KeepaliveIntervalMs: 5000})

	respond(d, "192.168.1.50", identity("office"))
	respond(d, "192.168.1.51", identity("den"))

	cur, ok := d.Select()
	is.True(ok)

	// Both go silent past 2x keepalive; only the non-current one is evicted.
	*clock += 11000
	d.evict()

	servers := d.DiscoveredServers()
	is.Equal(len(servers), 1)
	is.Equal(servers[0].Host, cur.Host)
}

func TestSelectBestRanking(t *testing.T) {
	is := is.New(t)

	candidates := []ServerInfo{
		{Host: "slow-native", NativeProtocol: true, Load: -1, LatencyMs: 80, LastSeenMs: 100},
		{Host: "fast-foreign", NativeProtocol: false, Load: -1, LatencyMs: 2, LastSeenMs: 100},
		{Host: "fast-native", NativeProtocol: true, Load: -1, LatencyMs: 5, LastSeenMs: 100},
	}
	best, ok := SelectBest(candidates)
	is.True(ok)
	is.Equal(best.Host, "fast-native")

	// Advertised load outranks latency among native servers.
	candidates = []ServerInfo{
		{Host: "idle", NativeProtocol: true, Load: 0.1, LatencyMs: 50},
		{Host: "busy", NativeProtocol: true, Load: 0.9, LatencyMs: 5},
	}
	best, _ = SelectBest(candidates)
	is.Equal(best.Host, "idle")

	_, ok = SelectBest(nil)
	is.True(!ok)
}

func TestFailoverHysteresis(t *testing.T) {
	is := is.New(t)
	d, clock := newTestDiscovery(Config{FailoverThresholdMs: 10000})

	respond(d, "192.168.1.50", identity("office"))
	first, ok := d.Select()
	is.True(ok)
	is.Equal(first.Host, "192.168.1.50")

	// A better server appearing does not displace a healthy current one.
	*clock += 1000
	respond(d, "192.168.1.51", identity("den"))
	still, ok := d.Select()
	is.True(ok)
	is.Equal(still.Host, "192.168.1.50")

	// Current silent past the threshold: fail over to the live candidate.
	*clock += 10000
	respond(d, "192.168.1.51", identity("den"))
	next, ok := d.Select()
	is.True(ok)
	is.Equal(next.Host, "192.168.1.51")
}

func TestMarkSeenDefersFailover(t *testing.T) {
	is := is.New(t)
	d, clock := newTestDiscovery(Config{FailoverThresholdMs: 10000})

	respond(d, "192.168.1.50", identity("office"))
	d.Select()

	// Discovery port goes quiet but control keepalives keep arriving.
	*clock += 9000
	d.MarkSeen("192.168.1.50")
	*clock += 9000

	cur, ok := d.Select()
	is.True(ok)
	is.Equal(cur.Host, "192.168.1.50")
}

func TestServerHintUsableBeforeFirstSweep(t *testing.T) {
	is := is.New(t)
	d, _ := newTestDiscovery(Config{ServerIPHint: "10.0.0.99"})

	best, ok := d.Select()
	is.True(ok)
	is.Equal(best.Host, "10.0.0.99")
	is.Equal(best.Addr(), "10.0.0.99:8000")
}

func TestSelectWithEmptyRegistry(t *testing.T) {
	is := is.New(t)
	d, _ := newTestDiscovery(Config{})
	_, ok := d.Select()
	is.True(!ok)
}

// writeRecorder captures outbound datagrams; reads never return.
type writeRecorder struct {
	mu   sync.Mutex
	sent []string
	to   []string
}

func (c *writeRecorder) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, string(b))
	c.to = append(c.to, addr.String())
	return len(b), nil
}

func (c *writeRecorder) ReadFrom(b []byte) (int, net.Addr, error) {
	return 0, nil, io.EOF
}

func (c *writeRecorder) SetReadDeadline(t time.Time) error { return nil }
func (c *writeRecorder) Close() error                      { return nil }

func TestServerProbeAnsweredWithIdentity(t *testing.T) {
	is := is.New(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	conn := &writeRecorder{}
	d := New(Config{
		Identity: protocol.Identity{DeviceClass: "DISPLAY", DeviceID: "scr01", Room: "den"},
	}, logger, conn, nil)

	from := &net.UDPAddr{IP: net.ParseIP("192.168.1.50"), Port: 8001}
	d.handleResponse(protocol.DiscoveryProbe, from)

	is.Equal(len(conn.sent), 1)
	is.Equal(conn.to[0], "192.168.1.50:8001")
	id, err := protocol.ParseIdentity(conn.sent[0])
	is.NoErr(err)
	is.Equal(id.DeviceClass, "DISPLAY")
	is.Equal(id.DeviceID, "scr01")
	is.Equal(id.Room, "den")
}

func TestOtherDisplayNotRegisteredAsServer(t *testing.T) {
	is := is.New(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(Config{
		Identity: protocol.Identity{DeviceClass: "DISPLAY", DeviceID: "scr01", Room: "den"},
	}, logger, &writeRecorder{}, nil)

	other := protocol.FormatIdentity(protocol.Identity{
		DeviceClass: "DISPLAY", DeviceID: "scr02", Room: "office",
	})
	respond(d, "192.168.1.77", other)
	is.Equal(len(d.DiscoveredServers()), 0)

	// Servers still register as before.
	respond(d, "192.168.1.50", identity("office"))
	is.Equal(len(d.DiscoveredServers()), 1)
}

// brokenConn fails every read with a permanent error.
type brokenConn struct{}

func (brokenConn) WriteTo(b []byte, addr net.Addr) (int, error) { return len(b), nil }
func (brokenConn) ReadFrom(b []byte) (int, net.Addr, error) {
	return 0, nil, errors.New("read: no buffer space available")
}
func (brokenConn) SetReadDeadline(t time.Time) error { return nil }
func (brokenConn) Close() error                      { return nil }

func TestSocketFailureReported(t *testing.T) {
	is := is.New(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	faults := make(chan error, 1)
	d := New(Config{}, logger, brokenConn{}, func(err error) { faults <- err })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	select {
	case err := <-faults:
		is.True(fault.Is(err, fault.ServerDiscovery))
	case <-time.After(3 * time.Second):
		t.Fatal("socket failure was swallowed")
	}
}
