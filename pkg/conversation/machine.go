package conversation

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Jmi2020/howdyscreen-go/pkg/audio/device"
)

// EventType identifies a state-machine input.
type EventType int

const (
	EventWakeTriggered EventType = iota
	EventServerRejected
	EventSpeechEnded
	EventTTSStarted
	EventPlaybackDrained
	EventSessionEnded
	EventLinkLost
)

func (e EventType) String() string {
	switch e {
	case EventWakeTriggered:
		return "WakeTriggered"
	case EventServerRejected:
		return "ServerRejected"
	case EventSpeechEnded:
		return "SpeechEnded"
	case EventTTSStarted:
		return "TTSStarted"
	case EventPlaybackDrained:
		return "PlaybackDrained"
	case EventSessionEnded:
		return "SessionEnded"
	case EventLinkLost:
		return "LinkLost"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Event is one state-machine input with optional payload.
type Event struct {
	Type EventType
	// DetectionID carries the wake detection id for WakeTriggered and
	// ServerRejected events.
	DetectionID uint32
}

// Actions is the set of side effects the machine may command. Components
// never call back into the machine; the wiring layer implements Actions
// and routes everything one way. All methods must be idempotent.
type Actions interface {
	SetDeviceMode(mode device.Mode) error
	// SetPipelineContext fans the new context out to VAD, wake-word, and
	// uplink suppression.
	SetPipelineContext(ctx Context)
	// SetThresholdsRaised raises (true) or restores (false) VAD and
	// wake-word thresholds for TTS echo suppression.
	SetThresholdsRaised(raised bool)
	StartPlayback() error
	ClearPlayback()
	StopUplink()
	RestartDiscovery()
	// NotifyError surfaces a user-visible category and recovery estimate
	// to the UI layer; internals are not leaked.
	NotifyError(category string, recoverySeconds int)
}

// Listener observes committed transitions. old and new are the states
// around the transition; ev is the event that caused it.
type Listener func(old, new Context, ev Event)

// anyState marks table rows that apply from every state.
const anyState Context = -1

type row struct {
	from Context
	ev   EventType
	to   Context
}

// table is the complete transition relation. Events outside the table are
// logged and ignored.
var table = []row{
	{Idle, EventWakeTriggered, Listening},
	{Listening, EventServerRejected, Idle},
	{Listening, EventSpeechEnded, Processing},
	{Processing, EventTTSStarted, Speaking},
	{Speaking, EventPlaybackDrained, Listening},
	{anyState, EventSessionEnded, Idle},
	{anyState, EventLinkLost, Idle},
}

// Machine serializes all context transitions on its Run task.
type Machine struct {
	state   atomic.Int32
	events  chan Event
	actions Actions
	logger  *slog.Logger

	listenerMu  sync.Mutex
	listeners   map[int]Listener
	listenerSeq int

	transitions *expvar.Map
}

// NewMachine creates a machine starting in Idle.
func NewMachine(actions Actions, logger *slog.Logger) *Machine {
	m := &Machine{
		events:      make(chan Event, 32),
		actions:     actions,
		logger:      logger,
		listeners:   map[int]Listener{},
		transitions: new(expvar.Map),
	}
	m.state.Store(int32(Idle))
	return m
}

// Context returns the current conversation context.
func (m *Machine) Context() Context { return Context(m.state.Load()) }

// Dispatch enqueues an event for the Run task. It never blocks the caller:
// when the queue is full the event is dropped and logged, which only
// happens if the machine task is wedged.
func (m *Machine) Dispatch(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("conversation event dropped, queue full",
			slog.String("event", ev.Type.String()))
	}
}

// RegisterListener adds a transition observer and returns its handle.
func (m *Machine) RegisterListener(l Listener) int {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listenerSeq++
	m.listeners[m.listenerSeq] = l
	return m.listenerSeq
}

// UnregisterListener removes a previously registered observer.
func (m *Machine) UnregisterListener(handle int) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	delete(m.listeners, handle)
}

// Run drains events until the context is cancelled. All transitions and
// observer notifications happen on this goroutine, so observers see events
// in the order state was committed.
func (m *Machine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *Machine) handle(ev Event) {
	from := m.Context()
	to, ok := lookup(from, ev.Type)
	if !ok {
		m.logger.Debug("spurious conversation event ignored",
			slog.String("state", from.String()),
			slog.String("event", ev.Type.String()))
		return
	}

	m.state.Store(int32(to))
	m.transitions.Add(fmt.Sprintf("%s_to_%s", from, to), 1)
	m.logger.Info("conversation transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("event", ev.Type.String()))

	m.applySideEffects(from, to, ev)

	m.listenerMu.Lock()
	handles := make([]int, 0, len(m.listeners))
	for h := range m.listeners {
		handles = append(handles, h)
	}
	sort.Ints(handles)
	snapshot := make([]Listener, len(handles))
	for i, h := range handles {
		snapshot[i] = m.listeners[h]
	}
	m.listenerMu.Unlock()

	for _, l := range snapshot {
		l(from, to, ev)
	}
}

func lookup(from Context, ev EventType) (Context, bool) {
	for _, r := range table {
		if r.ev != ev {
			continue
		}
		if r.from == from || r.from == anyState {
			return r.to, true
		}
	}
	return 0, false
}

func (m *Machine) applySideEffects(from, to Context, ev Event) {
	a := m.actions
	switch ev.Type {
	case EventWakeTriggered:
		a.SetDeviceMode(device.ModeSimultaneous)
		a.SetPipelineContext(Listening)

	case EventServerRejected:
		a.StopUplink()
		a.SetPipelineContext(Idle)

	case EventSpeechEnded:
		a.SetPipelineContext(Processing)

	case EventTTSStarted:
		a.SetDeviceMode(device.ModeSimultaneous)
		a.StartPlayback()
		a.SetPipelineContext(Speaking)
		a.SetThresholdsRaised(true)

	case EventPlaybackDrained:
		a.SetThresholdsRaised(false)
		a.SetPipelineContext(Listening)

	case EventSessionEnded:
		a.ClearPlayback()
		a.SetDeviceMode(device.ModeCapture)
		a.SetPipelineContext(Idle)

	case EventLinkLost:
		a.NotifyError("network", 10)
		a.RestartDiscovery()
		a.SetDeviceMode(device.ModeCapture)
		a.SetPipelineContext(Idle)
	}
	_ = from
	_ = to
}

// Transitions exposes the transition counters for the debug endpoint.
func (m *Machine) Transitions() *expvar.Map { return m.transitions }
