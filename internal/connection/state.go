package connection

import "fmt"

// State is the protocol state of one connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Ready
	Busy
	Faulted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := Disconnected; st <= Faulted; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", b)
}

// CanTransition reports whether from -> to is an edge of the state
// machine. Any state may drop to Disconnected.
func CanTransition(from, to State) bool {
	if to == Disconnected {
		return true
	}
	switch from {
	case Disconnected:
		return to == Connecting
	case Connecting:
		return to == Ready || to == Faulted
	case Ready:
		return to == Busy
	case Busy:
		return to == Ready || to == Faulted
	case Faulted:
		return to == Connecting
	}
	return false
}
