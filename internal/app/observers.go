package app

import (
	"math"

	"github.com/Jmi2020/howdyscreen-go/pkg/conversation"
	"github.com/Jmi2020/howdyscreen-go/pkg/vad"
)

// LevelListener receives mic level updates for UI meters. level is the
// normalized RMS in [0,1]; voice is the debounced VAD decision. Called at
// most every 50 ms, from the capture task: handlers must not block.
type LevelListener func(level float64, voice bool)

// ErrorListener receives user-facing error notifications: a coarse
// category and a recovery estimate, never internals.
type ErrorListener func(category string, recoverySeconds int)

// RegisterLevelListener adds a mic level observer and returns its handle.
func (a *App) RegisterLevelListener(l LevelListener) int {
	a.obsMu.Lock()
	defer a.obsMu.Unlock()
	a.obsSeq++
	a.levelListeners[a.obsSeq] = l
	return a.obsSeq
}

// RegisterErrorListener adds an error observer and returns its handle.
func (a *App) RegisterErrorListener(l ErrorListener) int {
	a.obsMu.Lock()
	defer a.obsMu.Unlock()
	a.obsSeq++
	a.errListeners[a.obsSeq] = l
	return a.obsSeq
}

// RegisterConversationListener observes committed state transitions.
func (a *App) RegisterConversationListener(l conversation.Listener) int {
	return a.machine.RegisterListener(l)
}

// Unregister removes a level or error observer by handle.
func (a *App) Unregister(handle int) {
	a.obsMu.Lock()
	defer a.obsMu.Unlock()
	delete(a.levelListeners, handle)
	delete(a.errListeners, handle)
}

// publishLevel records the newest frame levels and fans them out to the
// level listeners at no more than 20 Hz.
func (a *App) publishLevel(tsMs uint32, v vad.Result) {
	level := v.RMS / 32768.0
	if level > 1 {
		level = 1
	}
	a.micLevelBits.Store(math.Float64bits(level))
	a.vadConfBits.Store(math.Float64bits(v.Confidence))

	const minIntervalMs = 50
	a.obsMu.Lock()
	if a.lastLevelMs >= 0 && int64(tsMs)-a.lastLevelMs < minIntervalMs {
		a.obsMu.Unlock()
		return
	}
	a.lastLevelMs = int64(tsMs)
	listeners := make([]LevelListener, 0, len(a.levelListeners))
	for _, l := range a.levelListeners {
		listeners = append(listeners, l)
	}
	a.obsMu.Unlock()

	for _, l := range listeners {
		l(level, v.VoiceDetected)
	}
}

func (a *App) publishError(category string, recoverySeconds int) {
	a.obsMu.Lock()
	listeners := make([]ErrorListener, 0, len(a.errListeners))
	for _, l := range a.errListeners {
		listeners = append(listeners, l)
	}
	a.obsMu.Unlock()

	for _, l := range listeners {
		l(category, recoverySeconds)
	}
}
