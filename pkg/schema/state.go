package schema

// State is a session lifecycle state.
type State string

const (
	StateStarting        State = "starting"
	StateAwaitingBackend State = "awaiting_backend"
	StateActive          State = "active"
	StateIdle            State = "idle"
	StateDegraded        State = "degraded"
	StateClosing         State = "closing"
	StateClosed          State = "closed"
)

// transitions is the closed set of legal lifecycle moves. Self-loops are
// listed explicitly where allowed.
var transitions = map[State]map[State]bool{
	StateStarting:        {StateAwaitingBackend: true, StateClosing: true, StateClosed: true},
	StateAwaitingBackend: {StateActive: true, StateDegraded: true, StateClosing: true, StateClosed: true},
	StateActive:          {StateActive: true, StateIdle: true, StateDegraded: true, StateClosing: true, StateClosed: true},
	StateIdle:            {StateIdle: true, StateActive: true, StateDegraded: true, StateClosing: true, StateClosed: true},
	StateDegraded:        {StateDegraded: true, StateAwaitingBackend: true, StateActive: true, StateClosing: true, StateClosed: true},
	StateClosing:         {StateClosed: true},
	StateClosed:          {StateClosed: true},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	return transitions[s][next]
}

// Terminal reports whether s is the terminal state.
func (s State) Terminal() bool {
	return s == StateClosed
}

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}
