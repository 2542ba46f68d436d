package core

import "fmt"

// State is the lifecycle position of one exchange.
type State string

const (
	StateIdle        State = "idle"
	StateDispatching State = "dispatching"
	StateStreaming   State = "streaming"
	StateCompleted   State = "completed"
	StateErrored     State = "errored"
	StateCancelled   State = "cancelled"
)

// transitions defines valid state transitions.
var transitions = map[State][]State{
	StateIdle:        {StateDispatching, StateCancelled},
	StateDispatching: {StateStreaming, StateErrored, StateCancelled},
	StateStreaming:   {StateCompleted, StateErrored, StateCancelled},
	StateCompleted:   {}, // Terminal state
	StateErrored:     {}, // Terminal state
	StateCancelled:   {}, // Terminal state
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func (s State) IsTerminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

type transitionError struct {
	from, to State
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s→%s", e.from, e.to)
}
