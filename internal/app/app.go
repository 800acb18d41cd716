// Package app is the owned composition root: it builds every pipeline
// component from configuration, wires their callbacks one way (component
// -> state machine -> actions -> components), and supervises one task per
// component under an errgroup. Collaborator surfaces (Wi-Fi, codec
// controls, the KV store) enter through narrow interfaces so the package
// never reaches into platform code.
package app

import (
	"context"
	"errors"
	"expvar"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Jmi2020/howdyscreen-go/internal/config"
	"github.com/Jmi2020/howdyscreen-go/internal/discovery"
	"github.com/Jmi2020/howdyscreen-go/internal/feedback"
	"github.com/Jmi2020/howdyscreen-go/internal/playback"
	"github.com/Jmi2020/howdyscreen-go/internal/protocol"
	"github.com/Jmi2020/howdyscreen-go/internal/recovery"
	"github.com/Jmi2020/howdyscreen-go/internal/uplink"
	"github.com/Jmi2020/howdyscreen-go/pkg/audio"
	"github.com/Jmi2020/howdyscreen-go/pkg/audio/device"
	"github.com/Jmi2020/howdyscreen-go/pkg/audio/ring"
	"github.com/Jmi2020/howdyscreen-go/pkg/conversation"
	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
	"github.com/Jmi2020/howdyscreen-go/pkg/vad"
	"github.com/Jmi2020/howdyscreen-go/pkg/vad/webrtc"
	"github.com/Jmi2020/howdyscreen-go/pkg/wakeword"
)

// WifiStatus is the radio collaborator. The app reads it; it never
// manages the connection.
type WifiStatus interface {
	IsConnected() bool
	RSSIDbm() int
}

// CodecControl is the hardware gain collaborator. All methods optional
// no-ops on platforms without a controllable codec.
type CodecControl interface {
	SetOutputGain(percent int) error
	SetInputGain(percent int) error
	Mute(muted bool) error
}

// Options carries everything New needs. Config and Device are required;
// the rest default to production implementations or no-ops.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	Device device.Device

	KV    config.KV
	Wifi  WifiStatus
	Codec CodecControl

	// DiscoveryConn substitutes the discovery socket; nil listens on UDP.
	DiscoveryConn discovery.PacketConn
	// UplinkDialer substitutes the uplink socket factory; nil dials UDP.
	UplinkDialer uplink.Dialer
	// RestartSystem handles system-level recovery. The default stops Run
	// with a HardwareFault error so the process supervisor restarts us.
	RestartSystem func(reason string)

	// StatisticsIntervalMs overrides the 30 s statistics cadence.
	StatisticsIntervalMs int
}

// App owns the assembled pipeline.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	dev     device.Device
	preRoll *ring.Buffer
	voice   vad.Detector
	wake    *wakeword.Detector
	machine *conversation.Machine
	stream  *uplink.Streamer
	link    *feedback.Channel
	disc    *discovery.Discovery
	play    *playback.Queue
	faults  *recovery.Manager

	kv    config.KV
	wifi  WifiStatus
	codec CodecControl

	uplinkEnabled atomic.Bool
	safeMode      atomic.Bool
	// micLevelBits and vadConfBits hold the newest per-frame mic level
	// and VAD confidence as float64 bits.
	micLevelBits atomic.Uint64
	vadConfBits  atomic.Uint64
	boot         time.Time
	statsEvery   time.Duration

	restartSystem func(reason string)
	cancelMu      sync.Mutex
	cancel        context.CancelCauseFunc

	mu         sync.Mutex
	serverHost string
	serverAddr string

	obsMu          sync.Mutex
	obsSeq         int
	levelListeners map[int]LevelListener
	errListeners   map[int]ErrorListener
	lastLevelMs    int64
}

// New assembles the pipeline. Nothing runs until Run.
func New(opts Options) (*App, error) {
	if opts.Device == nil {
		return nil, fault.New(fault.InvalidArgument, "app", "device is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.KV != nil {
		cfg.Overlay(opts.KV, logger)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		cfg:            cfg,
		logger:         logger,
		dev:            opts.Device,
		kv:             opts.KV,
		wifi:           opts.Wifi,
		codec:          opts.Codec,
		boot:           time.Now(),
		statsEvery:     30 * time.Second,
		levelListeners: map[int]LevelListener{},
		errListeners:   map[int]ErrorListener{},
		lastLevelMs:    -1,
	}
	if opts.StatisticsIntervalMs > 0 {
		a.statsEvery = time.Duration(opts.StatisticsIntervalMs) * time.Millisecond
	}
	a.restartSystem = opts.RestartSystem
	if a.restartSystem == nil {
		a.restartSystem = a.stopForRestart
	}

	var err error
	a.preRoll, err = ring.New(cfg.Audio.RingCapacity)
	if err != nil {
		return nil, err
	}

	switch cfg.VAD.Backend {
	case "webrtc":
		a.voice, err = webrtc.New(2)
		if err != nil {
			return nil, err
		}
	default:
		a.voice = vad.NewEnhanced(vad.Config{
			AmplitudeThreshold: cfg.VAD.AmplitudeThreshold,
			SilenceThresholdMs: cfg.VAD.SilenceThresholdMs,
			NoiseFloorAlpha:    cfg.VAD.NoiseFloorAlpha,
			SNRThresholdDB:     cfg.VAD.SNRThresholdDB,
			ConsistencyFrames:  cfg.VAD.ConsistencyFrames,
		})
	}

	a.wake = wakeword.New(wakeword.Config{
		EnergyThreshold:     cfg.Wake.EnergyThreshold,
		ConfidenceThreshold: cfg.Wake.ConfidenceThreshold,
		PatternFrames:       cfg.Wake.PatternFrames,
		AdaptationRate:      cfg.Wake.AdaptationRate,
		SilenceTimeoutMs:    cfg.Wake.SilenceTimeoutMs,
		MaxDetectionsPerMin: cfg.Wake.MaxDetectionsPerMin,
	}, logger)
	a.wake.SetCallback(a.onWake)

	a.play = playback.New(playback.Config{}, logger, opts.Device, func() {
		a.machine.Dispatch(conversation.Event{Type: conversation.EventPlaybackDrained})
	})
	a.play.SetVolume(cfg.Audio.Volume)

	a.faults = recovery.New(recovery.Config{}, logger, restarter{a}, func(ae recovery.ActiveError) {
		a.publishError(ae.Kind.String(), 0)
	})

	a.stream = uplink.New(uplink.Config{
		SilencePacketIntervalMs: cfg.Network.SilencePacketIntervalMs,
	}, logger, opts.UplinkDialer, func(err error) {
		a.faults.ReportError(err, "uplink")
	})

	a.link = feedback.New(feedback.Config{
		Port:                cfg.Network.ControlPort,
		KeepaliveIntervalMs: cfg.Network.KeepaliveIntervalMs,
		DeviceID:            cfg.Device.ID,
		DeviceName:          cfg.Device.Name,
		Room:                cfg.Device.Room,
		Capabilities:        protocol.CapWakeWord | protocol.CapTTS | protocol.CapVADStats,
	}, logger, feedback.Callbacks{
		OnValidation:      a.onValidation,
		OnThresholdUpdate: a.onThresholdUpdate,
		OnTtsChunk:        a.onTtsChunk,
		OnStateChange:     a.onLinkState,
		OnServerAlive:     func(host string) { a.disc.MarkSeen(host) },
	})

	discConn := opts.DiscoveryConn
	if discConn == nil {
		discConn, err = discovery.Listen()
		if err != nil {
			return nil, err
		}
	}
	a.disc = discovery.New(discovery.Config{
		Port:                cfg.Network.ControlPort,
		AudioPort:           cfg.Network.AudioPort,
		KeepaliveIntervalMs: cfg.Network.KeepaliveIntervalMs,
		FailoverThresholdMs: cfg.Network.FailoverThresholdMs,
		BroadcastAddr:       cfg.Network.BroadcastAddr,
		ServerIPHint:        cfg.Network.ServerIPHint,
		Identity: protocol.Identity{
			DeviceClass: "DISPLAY",
			DeviceID:    cfg.Device.ID,
			Room:        cfg.Device.Room,
		},
	}, logger, discConn, func(err error) {
		a.faults.ReportError(err, "discovery")
	})
	a.disc.SetCallback(func(discovery.ServerInfo) { a.reselect() })

	a.machine = conversation.NewMachine(actions{a}, logger)
	a.uplinkEnabled.Store(true)
	return a, nil
}

// Run starts the device and supervises all component tasks until the
// context ends or a component fails unrecoverably.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	a.cancelMu.Lock()
	a.cancel = cancel
	a.cancelMu.Unlock()

	if err := a.dev.Start(device.ModeCapture); err != nil {
		return fault.Wrap(fault.HardwareFault, "app", err, "start audio device")
	}
	defer a.dev.Stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return a.machine.Run(gctx) })
	g.Go(func() error { return a.faults.Run(gctx) })
	g.Go(func() error { return a.play.Run(gctx) })
	g.Go(func() error { return a.link.Run(gctx) })
	g.Go(func() error { return a.disc.Run(gctx) })
	g.Go(func() error { return a.captureLoop(gctx) })
	g.Go(func() error { return a.statusLoop(gctx) })

	err := g.Wait()
	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// stopForRestart is the default system-restart action: surface the reason
// and stop Run so the process supervisor brings us back up.
func (a *App) stopForRestart(reason string) {
	a.logger.Error("system restart requested", slog.String("reason", reason))
	a.cancelMu.Lock()
	cancel := a.cancel
	a.cancelMu.Unlock()
	if cancel != nil {
		cancel(fault.Newf(fault.HardwareFault, "app", "system restart: %s", reason))
	}
}

// RequestEndConversation ends the active session from the UI layer.
func (a *App) RequestEndConversation() {
	a.machine.Dispatch(conversation.Event{Type: conversation.EventSessionEnded})
}

// Context returns the current conversation context.
func (a *App) Context() conversation.Context {
	return a.machine.Context()
}

// SetVolume applies and persists the TTS output volume.
func (a *App) SetVolume(v float64) {
	a.play.SetVolume(v)
	if a.codec != nil {
		if err := a.codec.SetOutputGain(int(a.play.Volume() * 100)); err != nil {
			a.logger.Warn("codec gain update failed", slog.String("error", err.Error()))
		}
	}
	if err := config.PersistVolume(a.kv, a.play.Volume()); err != nil {
		a.logger.Warn("volume persist failed", slog.String("error", err.Error()))
	}
}

// ApplyConfig live-applies the hot-reloadable keys from a config reload.
// Everything else takes effect on the next restart.
func (a *App) ApplyConfig(old, cur *config.Config) {
	if old.Audio.Volume != cur.Audio.Volume {
		a.SetVolume(cur.Audio.Volume)
	}
	if old.Wake.EnergyThreshold != cur.Wake.EnergyThreshold ||
		old.Wake.ConfidenceThreshold != cur.Wake.ConfidenceThreshold {
		a.wake.UpdateThresholds(cur.Wake.EnergyThreshold, cur.Wake.ConfidenceThreshold)
	}
}

// captureLoop is the audio pipeline: capture, classify, stream, buffer.
func (a *App) captureLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frame, err := a.dev.CaptureFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if fault.Is(err, fault.Timeout) {
				// No frame ready; the device paces real capture, the
				// fake does not.
				time.Sleep(5 * time.Millisecond)
				continue
			}
			a.faults.ReportError(err, "audio")
			time.Sleep(20 * time.Millisecond)
			continue
		}

		v := a.voice.Process(frame)
		if v.SpeechEnded && a.machine.Context() == conversation.Listening {
			a.machine.Dispatch(conversation.Event{Type: conversation.EventSpeechEnded})
		}

		w := a.wake.Process(frame, &v)

		if a.uplinkEnabled.Load() && !a.safeMode.Load() {
			if err := a.stream.SendFrame(frame, &v, &w); err != nil &&
				!fault.Is(err, fault.InvalidState) {
				// Persistent failures escalate through the uplink's own
				// fault callback; per-packet errors are not events.
				a.logger.Debug("uplink send failed", slog.String("error", err.Error()))
			}
		}

		// The ring holds pre-roll for the next wake trigger. Written after
		// streaming so a flush never duplicates the current frame.
		if _, err := a.preRoll.Write(frame.Samples); err != nil {
			a.faults.ReportError(err, "audio")
		}

		a.publishLevel(frame.Timestamp, v)
	}
}

// onWake reacts to a local trigger: flush pre-roll audio, report the
// detection upstream, and advance the conversation.
func (a *App) onWake(res wakeword.Result) {
	if res.State != wakeword.StateTriggered {
		return
	}
	a.uplinkEnabled.Store(true)

	if n, err := a.preRoll.Available(); err == nil && n >= audio.FrameSamples20ms {
		buf := make([]int16, n-n%audio.FrameSamples20ms)
		if _, err := a.preRoll.Read(buf); err == nil {
			endTs := res.DetectionID + uint32(audio.FrameSamples20ms*1000/audio.SampleRate)
			if err := a.stream.FlushPreRoll(buf, endTs); err != nil &&
				!fault.Is(err, fault.InvalidState) {
				a.logger.Warn("pre-roll flush failed", slog.String("error", err.Error()))
			}
		}
	}

	energy, _ := a.wake.Thresholds()
	if err := a.link.SendWakeDetection(protocol.WakeDetection{
		DetectionID:   res.DetectionID,
		Confidence:    res.Confidence,
		MatchScore:    res.PatternMatchScore,
		SyllableCount: uint8(res.SyllableCount),
		VadConfidence: a.lastVadConfidence(),
		Energy:        energy,
	}); err != nil {
		a.logger.Debug("wake report not sent", slog.String("error", err.Error()))
	}

	a.machine.Dispatch(conversation.Event{
		Type:        conversation.EventWakeTriggered,
		DetectionID: res.DetectionID,
	})
}

func (a *App) onValidation(v protocol.Validation) {
	a.wake.OnServerFeedback(v.DetectionID, v.Validated, v.ProcessingTimeMs)
	energy, confidence := a.wake.Thresholds()
	if err := config.PersistThresholds(a.kv, energy, confidence); err != nil {
		a.logger.Warn("threshold persist failed", slog.String("error", err.Error()))
	}
	if !v.Validated {
		a.machine.Dispatch(conversation.Event{
			Type:        conversation.EventServerRejected,
			DetectionID: v.DetectionID,
		})
	}
}

func (a *App) onThresholdUpdate(t protocol.ThresholdUpdate) {
	a.logger.Info("server threshold update",
		slog.Float64("energy", t.Energy),
		slog.Float64("confidence", t.Confidence),
		slog.String("reason", t.Reason))
	a.wake.UpdateThresholds(t.Energy, t.Confidence)
	energy, confidence := a.wake.Thresholds()
	if err := config.PersistThresholds(a.kv, energy, confidence); err != nil {
		a.logger.Warn("threshold persist failed", slog.String("error", err.Error()))
	}
}

func (a *App) onTtsChunk(c protocol.TtsChunk) {
	if a.machine.Context() != conversation.Speaking {
		a.machine.Dispatch(conversation.Event{Type: conversation.EventTTSStarted})
	}
	if err := a.play.Enqueue(c.Samples); err != nil {
		a.faults.ReportError(err, "playback")
	}
}

func (a *App) onLinkState(s feedback.State) {
	switch s {
	case feedback.Connected:
		a.faults.ClearComponent("feedback")
	case feedback.Failed:
		a.faults.Report(fault.FeedbackChannel, "feedback", "link", "control link lost")
		if a.machine.Context() != conversation.Idle {
			a.machine.Dispatch(conversation.Event{Type: conversation.EventLinkLost})
		}
	}
}

// reselect runs server selection with failover hysteresis and adopts the
// winner when it differs from the server in use.
func (a *App) reselect() {
	info, ok := a.disc.Select()
	if !ok {
		return
	}
	a.mu.Lock()
	same := a.serverHost == info.Host
	a.mu.Unlock()
	if same {
		return
	}
	a.adopt(info)
}

func (a *App) adopt(info discovery.ServerInfo) {
	addr := info.Addr()
	if err := a.stream.Configure(addr); err != nil {
		a.faults.ReportError(err, "uplink")
		return
	}
	a.mu.Lock()
	a.serverHost = info.Host
	a.serverAddr = addr
	a.mu.Unlock()

	a.link.Connect(info.Host)
	a.uplinkEnabled.Store(true)
	a.faults.ClearComponent("uplink")
	a.logger.Info("server adopted",
		slog.String("host", info.Host),
		slog.Bool("native", info.NativeProtocol))
}

// reconnect re-establishes both links to the current server. Used by the
// recovery path; a no-op before any server was adopted.
func (a *App) reconnect() {
	a.mu.Lock()
	host, addr := a.serverHost, a.serverAddr
	a.mu.Unlock()
	if host == "" {
		return
	}
	if err := a.stream.Configure(addr); err != nil {
		a.faults.ReportError(err, "uplink")
		return
	}
	a.link.Connect(host)
	a.uplinkEnabled.Store(true)
}

func (a *App) restartDevice() {
	mode := a.dev.Mode()
	if err := a.dev.Stop(); err != nil {
		a.logger.Warn("device stop failed", slog.String("error", err.Error()))
	}
	if err := a.dev.Start(mode); err != nil {
		a.faults.Report(fault.HardwareFault, "audio", "restart", err.Error())
	}
}

// statusLoop owns the periodic work: server reselection, the 30 s
// statistics cadence, and device status beacons. It flushes one final
// statistics snapshot on shutdown.
func (a *App) statusLoop(ctx context.Context) error {
	reselect := time.NewTicker(time.Duration(a.cfg.Network.KeepaliveIntervalMs) * time.Millisecond)
	defer reselect.Stop()
	stats := time.NewTicker(a.statsEvery)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			a.sendStatistics() // best effort while the link drains
			return ctx.Err()
		case <-reselect.C:
			a.reselect()
		case <-stats.C:
			a.sendStatistics()
			a.sendDeviceStatus()
		}
	}
}

func (a *App) sendStatistics() {
	if a.link.State() != feedback.Connected {
		return
	}
	ws := a.wake.Stats()
	us := a.stream.Stats()
	msg := protocol.Statistics{
		TotalDetections:     uint32(ws.TotalDetections),
		TruePositives:       uint32(ws.TruePositives),
		FalsePositives:      uint32(ws.FalsePositives),
		Suppressed:          uint32(ws.Suppressed),
		RateLimited:         uint32(ws.RateLimited),
		EnergyThreshold:     ws.EnergyThreshold,
		ConfidenceThreshold: ws.ConfidenceThreshold,
		PacketsSent:         us.PacketsSent,
		BytesSent:           us.BytesSent,
		LossEstimate:        us.LossEstimate,
		AvgSendMicros:       us.AvgSendMicros,
	}
	if err := a.link.SendStatistics(msg); err != nil {
		a.logger.Debug("statistics not sent", slog.String("error", err.Error()))
	}
}

func (a *App) sendDeviceStatus() {
	if a.link.State() != feedback.Connected {
		return
	}
	rssi := -127
	if a.wifi != nil {
		if !a.wifi.IsConnected() {
			a.faults.Report(fault.WifiConnection, "wifi", "link", "radio reports disconnected")
		}
		rssi = a.wifi.RSSIDbm()
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	free := ms.Sys - ms.HeapAlloc
	if free > math.MaxUint32 {
		free = math.MaxUint32
	}
	msg := protocol.DeviceStatus{
		MicLevel:      math.Float64frombits(a.micLevelBits.Load()),
		RssiDbm:       int8(rssi),
		BatteryPct:    255, // mains powered
		UptimeSec:     uint32(time.Since(a.boot).Seconds()),
		FreeHeapBytes: uint32(free),
	}
	if err := a.link.SendDeviceStatus(msg); err != nil {
		a.logger.Debug("device status not sent", slog.String("error", err.Error()))
	}
}

// lastVadConfidence returns the newest per-frame VAD confidence; used as
// the hint in wake reports.
func (a *App) lastVadConfidence() float64 {
	return math.Float64frombits(a.vadConfBits.Load())
}

// Stats aggregates every component's counters for the debug endpoint.
type Stats struct {
	Device   device.Stats
	Uplink   uplink.Stats
	Feedback feedback.Stats
	Playback playback.Stats
	Wake     wakeword.Stats
	Recovery recovery.Stats
}

// Stats snapshots all component counters.
func (a *App) Stats() Stats {
	return Stats{
		Device:   a.dev.Stats(),
		Uplink:   a.stream.Stats(),
		Feedback: a.link.Stats(),
		Playback: a.play.Stats(),
		Wake:     a.wake.Stats(),
		Recovery: a.faults.Stats(),
	}
}

// Transitions exposes the conversation transition counters.
func (a *App) Transitions() *expvar.Map {
	return a.machine.Transitions()
}
