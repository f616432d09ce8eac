package taskevents

// State is the lifecycle state of one task connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateCompleted
	StateFailed
	StateClosed
	StateGaveUp
)

var stateNames = [...]string{
	StateIdle:         "idle",
	StateConnecting:   "connecting",
	StateOpen:         "open",
	StateReconnecting: "reconnecting",
	StateCompleted:    "completed",
	StateFailed:       "failed",
	StateClosed:       "closed",
	StateGaveUp:       "gave_up",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether the connection will never dial again.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateClosed, StateGaveUp:
		return true
	}
	return false
}

// input drives the state machine.
type input int

const (
	inputStart input = iota
	inputConnected
	inputDialFailed
	inputDisconnected
	inputRetry
	inputExhausted
	inputComplete
	inputError
	inputRejected
	inputClose
)

// next returns the state reached from s on in. The second result is false
// when the input is not valid in s, in which case s is returned unchanged.
func next(s State, in input) (State, bool) {
	if s.Terminal() {
		return s, false
	}
	if in == inputClose {
		return StateClosed, true
	}
	switch s {
	case StateIdle:
		if in == inputStart {
			return StateConnecting, true
		}
	case StateConnecting:
		switch in {
		case inputConnected:
			return StateOpen, true
		case inputDialFailed:
			return StateReconnecting, true
		}
	case StateOpen:
		switch in {
		case inputDisconnected:
			return StateReconnecting, true
		case inputComplete:
			return StateCompleted, true
		case inputError:
			return StateFailed, true
		case inputRejected:
			return StateGaveUp, true
		}
	case StateReconnecting:
		switch in {
		case inputRetry:
			return StateConnecting, true
		case inputExhausted:
			return StateGaveUp, true
		}
	}
	return s, false
}
