// Package recovery centralizes fault handling. Components report faults
// instead of acting on them; the manager deduplicates by (kind,
// component), and its own task applies the per-kind strategy: local
// retries first, then a component restart, then — for the kinds that
// warrant it — a system restart or safe mode. The manager never panics
// and never blocks a reporter.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
)

// Action is what the strategy decided for one active error.
type Action int

const (
	ActionNone Action = iota
	ActionRetry
	ActionRestartComponent
	ActionRestartSystem
	ActionSafeMode
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRetry:
		return "retry"
	case ActionRestartComponent:
		return "restart_component"
	case ActionRestartSystem:
		return "restart_system"
	case ActionSafeMode:
		return "safe_mode"
	default:
		return "unknown"
	}
}

// Restarter executes recovery actions. Implemented by the application
// root, which owns every component.
type Restarter interface {
	// RetryComponent asks a component to retry its failed operation.
	RetryComponent(name string, kind fault.Kind)
	// RestartComponent tears down and rebuilds one component.
	RestartComponent(name string)
	// RestartSystem is the last resort; the callee flushes final
	// statistics first when a graceful window exists.
	RestartSystem(reason string)
	// EnterSafeMode parks the device in a reduced-function state.
	EnterSafeMode(reason string)
}

// ActiveError is one deduplicated fault with its occurrence history.
type ActiveError struct {
	Kind        fault.Kind
	Component   string
	Code        string
	Description string
	FirstMs     int64
	LastMs      int64
	Occurrences int
	Retries     int

	// acted marks the occurrence count already responded to, so an error
	// that stops recurring is not re-actioned every sweep.
	acted int
}

// strategy is the per-kind recovery policy. Zero thresholds mean the
// rung is skipped.
type strategy struct {
	retryBelow    int // retry while occurrences < retryBelow
	restartCompAt int // restart component at this occurrence count
	restartSysAt  int // restart system at this occurrence count
	safeModeAt    int // enter safe mode at this occurrence count
	immediate     bool
}

var strategies = map[fault.Kind]strategy{
	fault.WifiConnection:  {retryBelow: 3, restartCompAt: 3, restartSysAt: 5},
	fault.UdpStreaming:    {retryBelow: 5, restartCompAt: 5},
	fault.FeedbackChannel: {retryBelow: 5, restartCompAt: 5},
	fault.AudioProcessing: {retryBelow: 3, restartCompAt: 3},
	fault.DisplayFailure:  {restartCompAt: 1, safeModeAt: 2},
	fault.NoMemory:        {immediate: true},
	fault.HardwareFault:   {immediate: true},
}

// Config tunes the manager.
type Config struct {
	// RetryDelayMs must elapse after the last occurrence before the
	// strategy acts, so bursts collapse into one decision.
	RetryDelayMs int
	// SweepIntervalMs is the fallback wake-up cadence.
	SweepIntervalMs int
}

// DefaultConfig matches the shipped tuning.
func DefaultConfig() Config {
	return Config{RetryDelayMs: 1000, SweepIntervalMs: 5000}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RetryDelayMs == 0 {
		c.RetryDelayMs = d.RetryDelayMs
	}
	if c.SweepIntervalMs == 0 {
		c.SweepIntervalMs = d.SweepIntervalMs
	}
	return c
}

// Stats are lifetime manager counters.
type Stats struct {
	TotalReported     uint64
	ActiveErrors      int
	Retries           uint64
	ComponentRestarts uint64
	SystemRestarts    uint64
}

type errorKey struct {
	kind      fault.Kind
	component string
}

// Manager tracks active errors and drives recovery.
type Manager struct {
	cfg       Config
	logger    *slog.Logger
	restarter Restarter
	// onError observes active-error changes for the UI layer; called
	// with a copy, must not block.
	onError func(ActiveError)
	now     func() int64

	mu     sync.Mutex
	active map[errorKey]*ActiveError

	notify chan struct{}

	reported   uint64
	retries    uint64
	compResets uint64
	sysResets  uint64
}

// New creates the manager. onError may be nil.
func New(cfg Config, logger *slog.Logger, restarter Restarter, onError func(ActiveError)) *Manager {
	if onError == nil {
		onError = func(ActiveError) {}
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		restarter: restarter,
		onError:   onError,
		now:       func() int64 { return time.Now().UnixMilli() },
		active:    make(map[errorKey]*ActiveError),
		notify:    make(chan struct{}, 1),
	}
}

// Report records a fault. Repeats of the same (kind, component) bump the
// occurrence count instead of stacking. Never blocks.
func (m *Manager) Report(kind fault.Kind, component, code, description string) {
	m.mu.Lock()
	m.reported++
	key := errorKey{kind: kind, component: component}
	nowMs := m.now()
	ae, ok := m.active[key]
	if !ok {
		ae = &ActiveError{
			Kind:        kind,
			Component:   component,
			FirstMs:     nowMs,
			Occurrences: 0,
		}
		m.active[key] = ae
	}
	ae.Occurrences++
	ae.LastMs = nowMs
	ae.Code = code
	ae.Description = description
	snapshot := *ae
	m.mu.Unlock()

	m.logger.Warn("fault reported",
		slog.String("kind", kind.String()),
		slog.String("component", component),
		slog.String("code", code),
		slog.Int("occurrences", snapshot.Occurrences))
	m.onError(snapshot)

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// ReportError records a *fault.Error, falling back to AudioProcessing for
// foreign error types.
func (m *Manager) ReportError(err error, component string) {
	if err == nil {
		return
	}
	// Errors without a kind have no recovery strategy; record them as
	// InvalidState so they still show up in the active set.
	kind, ok := fault.KindOf(err)
	if !ok {
		kind = fault.InvalidState
	}
	m.Report(kind, component, "error", err.Error())
}

// Clear drops all active errors, e.g. after a successful reconnect.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.active = make(map[errorKey]*ActiveError)
	m.mu.Unlock()
}

// ClearComponent drops active errors for one component.
func (m *Manager) ClearComponent(component string) {
	m.mu.Lock()
	for key := range m.active {
		if key.component == component {
			delete(m.active, key)
		}
	}
	m.mu.Unlock()
}

// ActiveErrors snapshots the current error set.
func (m *Manager) ActiveErrors() []ActiveError {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ActiveError, 0, len(m.active))
	for _, ae := range m.active {
		out = append(out, *ae)
	}
	return out
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		TotalReported:     m.reported,
		ActiveErrors:      len(m.active),
		Retries:           m.retries,
		ComponentRestarts: m.compResets,
		SystemRestarts:    m.sysResets,
	}
}

// Run wakes on notify or the sweep timer and applies strategies.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(m.cfg.SweepIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.notify:
		case <-ticker.C:
		}
		m.sweep()
	}
}

// decision pairs an action with the error it applies to.
type decision struct {
	action Action
	err    ActiveError
}

// sweep applies the strategy to every active error whose retry delay has
// elapsed. Actions execute outside the lock.
func (m *Manager) sweep() {
	nowMs := m.now()

	m.mu.Lock()
	var decisions []decision
	for key, ae := range m.active {
		st, ok := strategies[ae.Kind]
		if !ok {
			// Kinds without a strategy (InvalidArgument, Timeout, ...) are
			// programming or transient errors surfaced elsewhere.
			delete(m.active, key)
			continue
		}
		if !st.immediate && nowMs-ae.LastMs < int64(m.cfg.RetryDelayMs) {
			continue
		}
		if ae.acted >= ae.Occurrences {
			continue
		}
		act := decide(st, ae.Occurrences)
		ae.acted = ae.Occurrences
		switch act {
		case ActionRetry:
			ae.Retries++
			m.retries++
		case ActionRestartComponent:
			m.compResets++
			delete(m.active, key)
		case ActionRestartSystem, ActionSafeMode:
			m.sysResets++
			delete(m.active, key)
		case ActionNone:
			continue
		}
		decisions = append(decisions, decision{action: act, err: *ae})
	}
	m.mu.Unlock()

	for _, d := range decisions {
		m.apply(d)
	}
}

// decide maps an occurrence count onto the strategy ladder.
func decide(st strategy, occurrences int) Action {
	if st.immediate {
		return ActionRestartSystem
	}
	if st.restartSysAt > 0 && occurrences >= st.restartSysAt {
		return ActionRestartSystem
	}
	if st.safeModeAt > 0 && occurrences >= st.safeModeAt {
		return ActionSafeMode
	}
	if st.restartCompAt > 0 && occurrences >= st.restartCompAt {
		return ActionRestartComponent
	}
	if occurrences < st.retryBelow {
		return ActionRetry
	}
	return ActionNone
}

func (m *Manager) apply(d decision) {
	m.logger.Info("recovery action",
		slog.String("action", d.action.String()),
		slog.String("kind", d.err.Kind.String()),
		slog.String("component", d.err.Component),
		slog.Int("occurrences", d.err.Occurrences))

	switch d.action {
	case ActionRetry:
		m.restarter.RetryComponent(d.err.Component, d.err.Kind)
	case ActionRestartComponent:
		m.restarter.RestartComponent(d.err.Component)
	case ActionRestartSystem:
		m.restarter.RestartSystem(d.err.Kind.String() + ": " + d.err.Description)
	case ActionSafeMode:
		m.restarter.EnterSafeMode(d.err.Description)
	}
}
