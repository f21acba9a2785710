package agent

import "fmt"

// State is the lifecycle state of one Worker
type State int

const (
	StateNone State = iota
	StateInstalling
	StateInstalled // parked as the waiting worker
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON payloads
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitions = map[State][]State{
	StateNone:       {StateInstalling},
	StateInstalling: {StateInstalled, StateNone},
	StateInstalled:  {StateActivating, StateRedundant},
	StateActivating: {StateActive},
	StateActive:     {StateRedundant},
}

// CanTransition reports whether from -> to is an allowed lifecycle step
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// UnmarshalText parses a state name written by MarshalText
func (s *State) UnmarshalText(b []byte) error {
	for st := StateNone; st <= StateRedundant; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}
