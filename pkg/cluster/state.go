package cluster

import (
	"github.com/amirimatin/go-quorum/pkg/transport"
)

// NullValue marks unset ids and positions throughout the module.
const NullValue int64 = -1

// NullPosition marks an unset log position.
const NullPosition int64 = -1

// NullMemberID marks an unset member id.
const NullMemberID int32 = -1

// State is the consensus module lifecycle state.
type State int32

const (
	StateInit State = iota
	StateActive
	StateSuspended
	StateSnapshot
	StateLeaving
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateSnapshot:
		return "snapshot"
	case StateLeaving:
		return "leaving"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ToggleState is the externally writable control-toggle value.
type ToggleState int64

const (
	ToggleNeutral ToggleState = iota
	ToggleSuspend
	ToggleResume
	ToggleSnapshot
	ToggleShutdown
	ToggleAbort
)

func (t ToggleState) String() string {
	switch t {
	case ToggleNeutral:
		return "neutral"
	case ToggleSuspend:
		return "suspend"
	case ToggleResume:
		return "resume"
	case ToggleSnapshot:
		return "snapshot"
	case ToggleShutdown:
		return "shutdown"
	case ToggleAbort:
		return "abort"
	}
	return "unknown"
}

// ParseToggle maps an operator-supplied name to a toggle state.
func ParseToggle(s string) (ToggleState, bool) {
	switch s {
	case "suspend":
		return ToggleSuspend, true
	case "resume":
		return ToggleResume, true
	case "snapshot":
		return ToggleSnapshot, true
	case "shutdown":
		return ToggleShutdown, true
	case "abort":
		return ToggleAbort, true
	case "neutral":
		return ToggleNeutral, true
	}
	return ToggleNeutral, false
}

// ControlToggle wraps the shared control counter. External writers (the
// management endpoint, tooling) set a command; the agent acts on it and
// resets to neutral.
type ControlToggle struct {
	counter transport.Counter
}

// NewControlToggle registers the toggle counter for a member.
func NewControlToggle(client transport.Client, memberID int32) (*ControlToggle, error) {
	c, err := client.AddCounter(transport.CounterTypeControlToggle, int64(memberID), "cluster-control-toggle")
	if err != nil {
		return nil, err
	}
	return &ControlToggle{counter: c}, nil
}

// Signal requests a state change. Only accepted from neutral.
func (t *ControlToggle) Signal(s ToggleState) bool {
	if ToggleState(t.counter.Get()) != ToggleNeutral {
		return false
	}
	t.counter.Set(int64(s))
	return true
}

// Poll reads the pending command, if any.
func (t *ControlToggle) Poll() ToggleState { return ToggleState(t.counter.Get()) }

// Reset returns the toggle to neutral after the command was acted on.
func (t *ControlToggle) Reset() { t.counter.Set(int64(ToggleNeutral)) }
