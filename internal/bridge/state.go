package bridge

// State is the lifecycle state of one streaming session.
type State int

const (
	StateConnecting State = iota
	StateAwaitingConfig
	StateStreaming
	StateClosing
	StateClosed
	StateErrored
)

// String returns the lowercase state name used in logs and the sessions API.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingConfig:
		return "awaiting_config"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// terminal reports whether no further transitions may leave the state.
// Errored absorbs: a session that failed stays errored through teardown.
func (s State) terminal() bool {
	return s == StateClosed || s == StateErrored
}

// validTransitions lists the allowed forward edges of the session state
// machine. Errored is reachable from every non-terminal state and is not
// listed per source.
var validTransitions = map[State][]State{
	StateConnecting:     {StateAwaitingConfig, StateClosing, StateClosed},
	StateAwaitingConfig: {StateStreaming, StateClosing},
	StateStreaming:      {StateClosing},
	StateClosing:        {StateClosed},
	StateClosed:         {},
	StateErrored:        {},
}

// canTransition reports whether moving from one state to another is legal.
func canTransition(from, to State) bool {
	if to == StateErrored {
		return !from.terminal()
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
