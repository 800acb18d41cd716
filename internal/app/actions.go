package app

import (
	"log/slog"

	"github.com/Jmi2020/howdyscreen-go/pkg/audio/device"
	"github.com/Jmi2020/howdyscreen-go/pkg/conversation"
	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
)

// actions is the state machine's side-effect surface. The machine owns
// sequencing; everything here must be idempotent and non-blocking.
type actions struct {
	a *App
}

func (x actions) SetDeviceMode(m device.Mode) error {
	if err := x.a.dev.SetMode(m); err != nil {
		x.a.faults.ReportError(err, "audio")
		return err
	}
	return nil
}

func (x actions) SetPipelineContext(c conversation.Context) {
	x.a.voice.SetConversationContext(c)
	x.a.wake.SetConversationContext(c)
	x.a.stream.SetConversationContext(c)
}

func (x actions) SetThresholdsRaised(raised bool) {
	level := 0.0
	if raised {
		level = 1.0
	}
	x.a.voice.SetTTSAudioLevel(level, nil)
	x.a.wake.SetTTSLevel(level)
}

func (x actions) StartPlayback() error {
	x.a.play.Start()
	return nil
}

func (x actions) ClearPlayback() {
	x.a.play.Clear()
	x.a.play.Stop()
}

func (x actions) StopUplink() {
	x.a.uplinkEnabled.Store(false)
}

func (x actions) RestartDiscovery() {
	x.a.reselect()
}

func (x actions) NotifyError(category string, recoverySeconds int) {
	x.a.publishError(category, recoverySeconds)
}

// restarter maps recovery decisions onto the components the app owns.
type restarter struct {
	a *App
}

func (r restarter) RetryComponent(name string, kind fault.Kind) {
	r.a.logger.Info("recovery retry",
		slog.String("component", name),
		slog.String("kind", kind.String()))
	switch name {
	case "uplink", "feedback":
		r.a.reconnect()
	case "wifi":
		// The radio belongs to the platform collaborator; nothing to
		// retry here beyond surfacing the state.
	default:
	}
}

func (r restarter) RestartComponent(name string) {
	r.a.logger.Warn("recovery restart", slog.String("component", name))
	switch name {
	case "uplink", "feedback":
		r.a.link.Disconnect()
		r.a.reconnect()
	case "audio", "device":
		r.a.restartDevice()
	case "playback":
		r.a.play.Clear()
	default:
	}
}

func (r restarter) RestartSystem(reason string) {
	r.a.restartSystem(reason)
}

func (r restarter) EnterSafeMode(reason string) {
	r.a.logger.Error("entering safe mode", slog.String("reason", reason))
	r.a.safeMode.Store(true)
	r.a.play.Stop()
	if r.a.codec != nil {
		if err := r.a.codec.Mute(true); err != nil {
			r.a.logger.Warn("codec mute failed", slog.String("error", err.Error()))
		}
	}
	r.a.publishError("safe-mode", 0)
}
