// Package conversation implements the conversation state machine, the
// single source of truth for pipeline context. All transitions are
// serialized on one task; downstream components receive context changes
// through the machine's side-effect handles and observers receive events
// in commit order.
package conversation

import "fmt"

// Context is the coarse conversation mode that gates VAD sensitivity,
// wake-word emission, and uplink suppression. Exactly one value holds at
// any time.
type Context int32

const (
	Idle Context = iota
	Listening
	Speaking
	Processing
)

func (c Context) String() string {
	switch c {
	case Idle:
		return "Idle"
	case Listening:
		return "Listening"
	case Speaking:
		return "Speaking"
	case Processing:
		return "Processing"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(c))
	}
}
