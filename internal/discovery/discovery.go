// Package discovery finds HowdyTTS servers on the local network. It
// broadcasts a fixed ASCII probe on the discovery port, collects identity
// responses into a registry with last-seen bookkeeping, and ranks
// candidates when the pipeline needs a server. Failover away from the
// current server happens only after it has been silent past a threshold,
// so a single lost sweep never bounces the connection.
package discovery

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Jmi2020/howdyscreen-go/internal/protocol"
	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
)

// PacketConn is the broadcast socket. Satisfied by *net.UDPConn; tests
// substitute an in-memory pair.
type PacketConn interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
	ReadFrom(b []byte) (int, net.Addr, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Listen opens the production broadcast socket.
func Listen() (PacketConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fault.Wrap(fault.ServerDiscovery, "discovery", err, "listen")
	}
	return conn, nil
}

// ServerInfo is one discovered server. Owned by the registry; handed out
// by copy.
type ServerInfo struct {
	Host       string
	AudioPort  int
	Identity   protocol.Identity
	// NativeProtocol is set when the response parsed as a howdy identity
	// string rather than a bare acknowledgment.
	NativeProtocol bool
	// Load is the server-reported load in [0,1]; -1 when not advertised.
	Load       float64
	LatencyMs  int64
	LastSeenMs int64
}

// Addr returns the host:port dial target for the audio uplink.
func (s ServerInfo) Addr() string {
	return net.JoinHostPort(s.Host, itoa(s.AudioPort))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [8]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

// Config tunes discovery.
type Config struct {
	Port                int // discovery port, probes and responses
	AudioPort           int // uplink port advertised servers listen on
	SweepIntervalMs     int
	KeepaliveIntervalMs int
	FailoverThresholdMs int
	// BroadcastAddr overrides the probe destination; defaults to the
	// limited broadcast address on Port.
	BroadcastAddr string
	// ServerIPHint seeds the registry so a known-good server is usable
	// before the first sweep answers.
	ServerIPHint string
	// Identity is sent back when a server-side sweep probes this port.
	// Zero means stay silent. Responses carrying the same device class
	// are other displays (or our own reply echoed back) and are never
	// registered as servers.
	Identity protocol.Identity
}

// DefaultConfig matches the shipped tuning.
func DefaultConfig() Config {
	return Config{
		Port:                8001,
		AudioPort:           8000,
		SweepIntervalMs:     5000,
		KeepaliveIntervalMs: 5000,
		FailoverThresholdMs: 10000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.AudioPort == 0 {
		c.AudioPort = d.AudioPort
	}
	if c.SweepIntervalMs == 0 {
		c.SweepIntervalMs = d.SweepIntervalMs
	}
	if c.KeepaliveIntervalMs == 0 {
		c.KeepaliveIntervalMs = d.KeepaliveIntervalMs
	}
	if c.FailoverThresholdMs == 0 {
		c.FailoverThresholdMs = d.FailoverThresholdMs
	}
	return c
}

// Discovery finds and ranks servers.
type Discovery struct {
	cfg    Config
	logger *slog.Logger
	conn   PacketConn
	// onFault receives an escalation when the socket dies outside
	// shutdown.
	onFault func(error)
	now     func() int64

	mu          sync.Mutex
	servers     map[string]ServerInfo // keyed by host
	current     string                // host of the server in use, "" if none
	lastProbeMs int64
	callback    func(ServerInfo)
}

// New creates the component around an open socket. A nil onFault drops
// escalations.
func New(cfg Config, logger *slog.Logger, conn PacketConn, onFault func(error)) *Discovery {
	cfg = cfg.withDefaults()
	if onFault == nil {
		onFault = func(error) {}
	}
	d := &Discovery{
		cfg:     cfg,
		logger:  logger,
		conn:    conn,
		onFault: onFault,
		now:     func() int64 { return time.Now().UnixMilli() },
		servers: make(map[string]ServerInfo),
	}
	if cfg.ServerIPHint != "" {
		d.servers[cfg.ServerIPHint] = ServerInfo{
			Host:       cfg.ServerIPHint,
			AudioPort:  cfg.AudioPort,
			Load:       -1,
			LastSeenMs: d.now(),
		}
	}
	return d
}

// SetCallback registers a listener for new or refreshed servers.
func (d *Discovery) SetCallback(cb func(ServerInfo)) {
	d.mu.Lock()
	d.callback = cb
	d.mu.Unlock()
}

// Run sweeps and listens until the context ends. Blocking; run it on its
// own errgroup task.
func (d *Discovery) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(d.cfg.SweepIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	d.probe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.readLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			d.conn.Close()
			<-done
			return ctx.Err()
		case <-ticker.C:
			d.probe()
			d.evict()
		}
	}
}

// probe broadcasts the discovery request.
func (d *Discovery) probe() {
	dest := d.cfg.BroadcastAddr
	if dest == "" {
		dest = net.JoinHostPort("255.255.255.255", itoa(d.cfg.Port))
	}
	addr, err := net.ResolveUDPAddr("udp4", dest)
	if err != nil {
		d.logger.Warn("discovery broadcast address invalid", slog.String("addr", dest))
		return
	}

	d.mu.Lock()
	d.lastProbeMs = d.now()
	d.mu.Unlock()

	if _, err := d.conn.WriteTo([]byte(protocol.DiscoveryProbe), addr); err != nil {
		d.logger.Warn("discovery probe failed", slog.String("error", err.Error()))
	}
}

// readLoop collects responses until the socket closes.
func (d *Discovery) readLoop(ctx context.Context) {
	buf := make([]byte, 512)
	for {
		d.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := d.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				// Shutdown closed the socket under us.
				return
			}
			d.logger.Error("discovery socket failed", slog.String("error", err.Error()))
			d.onFault(fault.Wrap(fault.ServerDiscovery, "discovery", err, "read"))
			return
		}
		d.handleResponse(string(buf[:n]), addr)
	}
}

// handleResponse upserts a registry entry from one response datagram.
func (d *Discovery) handleResponse(msg string, addr net.Addr) {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return
	}
	msg = strings.TrimSpace(msg)
	if msg == protocol.DiscoveryProbe {
		// Either our own broadcast reflected back or a server-side sweep
		// looking for displays; answer the latter with who we are.
		d.respondIdentity(addr)
		return
	}

	info := ServerInfo{
		Host:      host,
		AudioPort: d.cfg.AudioPort,
		Load:      -1,
	}
	if id, err := protocol.ParseIdentity(msg); err == nil {
		if d.cfg.Identity.DeviceClass != "" && id.DeviceClass == d.cfg.Identity.DeviceClass {
			// Same device class: another display, not a server.
			return
		}
		info.Identity = id
		info.NativeProtocol = true
	}

	d.mu.Lock()
	nowMs := d.now()
	info.LastSeenMs = nowMs
	info.LatencyMs = nowMs - d.lastProbeMs
	if prev, ok := d.servers[host]; ok && info.LatencyMs > prev.LatencyMs && prev.LatencyMs > 0 {
		// Keep the best observed RTT; a late sweep response says nothing
		// about the path getting worse.
		info.LatencyMs = prev.LatencyMs
	}
	d.servers[host] = info
	cb := d.callback
	d.mu.Unlock()

	d.logger.Debug("server discovered",
		slog.String("host", host),
		slog.Bool("native", info.NativeProtocol),
		slog.Int64("latency_ms", info.LatencyMs))
	if cb != nil {
		cb(info)
	}
}

// respondIdentity answers a server-initiated probe so the server can
// enumerate displays without waiting for our next sweep.
func (d *Discovery) respondIdentity(addr net.Addr) {
	if d.cfg.Identity == (protocol.Identity{}) {
		return
	}
	reply := protocol.FormatIdentity(d.cfg.Identity)
	if _, err := d.conn.WriteTo([]byte(reply), addr); err != nil {
		d.logger.Warn("identity response failed", slog.String("error", err.Error()))
	}
}

// evict drops servers unseen for twice the keepalive interval. The
// current server is exempt; failover owns that decision.
func (d *Discovery) evict() {
	cutoff := d.now() - 2*int64(d.cfg.KeepaliveIntervalMs)
	d.mu.Lock()
	for host, info := range d.servers {
		if host != d.current && info.LastSeenMs < cutoff {
			delete(d.servers, host)
			d.logger.Info("server evicted", slog.String("host", host))
		}
	}
	d.mu.Unlock()
}

// DiscoveredServers snapshots the registry, best first.
func (d *Discovery) DiscoveredServers() []ServerInfo {
	d.mu.Lock()
	out := make([]ServerInfo, 0, len(d.servers))
	for _, s := range d.servers {
		out = append(out, s)
	}
	d.mu.Unlock()
	sortServers(out)
	return out
}

// SelectBest ranks candidates: native protocol first, then lower load
// when advertised, then lower latency, then most recently seen.
func SelectBest(candidates []ServerInfo) (ServerInfo, bool) {
	if len(candidates) == 0 {
		return ServerInfo{}, false
	}
	sorted := make([]ServerInfo, len(candidates))
	copy(sorted, candidates)
	sortServers(sorted)
	return sorted[0], true
}

func sortServers(s []ServerInfo) {
	sort.SliceStable(s, func(i, j int) bool {
		a, b := s[i], s[j]
		if a.NativeProtocol != b.NativeProtocol {
			return a.NativeProtocol
		}
		if a.Load >= 0 && b.Load >= 0 && a.Load != b.Load {
			return a.Load < b.Load
		}
		if a.LatencyMs != b.LatencyMs {
			return a.LatencyMs < b.LatencyMs
		}
		return a.LastSeenMs > b.LastSeenMs
	})
}

// Select picks the server to use, honoring failover hysteresis: once a
// server is chosen it stays chosen until unseen for the failover
// threshold. Returns false when nothing usable is known.
func (d *Discovery) Select() (ServerInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	nowMs := d.now()
	if cur, ok := d.servers[d.current]; ok {
		if nowMs-cur.LastSeenMs < int64(d.cfg.FailoverThresholdMs) {
			return cur, true
		}
		d.logger.Warn("current server unavailable past failover threshold",
			slog.String("host", cur.Host),
			slog.Int64("silent_ms", nowMs-cur.LastSeenMs))
		delete(d.servers, d.current)
		d.current = ""
	}

	candidates := make([]ServerInfo, 0, len(d.servers))
	for _, s := range d.servers {
		candidates = append(candidates, s)
	}
	best, ok := SelectBest(candidates)
	if !ok {
		return ServerInfo{}, false
	}
	d.current = best.Host
	d.logger.Info("server selected",
		slog.String("host", best.Host),
		slog.Bool("native", best.NativeProtocol))
	return best, true
}

// MarkSeen refreshes the current server's liveness from out-of-band
// traffic, e.g. control-channel keepalives, so an idle discovery port
// does not force failover while the link is healthy.
func (d *Discovery) MarkSeen(host string) {
	d.mu.Lock()
	if info, ok := d.servers[host]; ok {
		info.LastSeenMs = d.now()
		d.servers[host] = info
	}
	d.mu.Unlock()
}
