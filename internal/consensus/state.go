package consensus

import "fmt"

// State is a sequence's lifecycle state.
type State uint8

const (
	StateIntake     State = iota + 1 // StateIntake is a freshly submitted sequence
	StateGated                       // StateGated passed the quality gate
	StateProofBuilt                  // StateProofBuilt has a local proof and attestation
	StateConsensing                  // StateConsensing is collecting remote attestations
	StateConfirmed                   // StateConfirmed crossed the threshold in time
	StateRejected                    // StateRejected failed the gate or proof construction
	StateExpired                     // StateExpired ran out of time short of the threshold
)

var stateNames = map[State]string{
	StateIntake:     "intake",
	StateGated:      "gated",
	StateProofBuilt: "proof_built",
	StateConsensing: "consensing",
	StateConfirmed:  "confirmed",
	StateRejected:   "rejected",
	StateExpired:    "expired",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("state(%d)", uint8(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}

	return fmt.Errorf("unknown state %q", text)
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateRejected || s == StateExpired
}

// CanAdvanceTo reports whether s -> next is a legal transition.
// Transitions only move forward; any non-terminal state may fail to
// Rejected or Expired, and only Consensing may reach Confirmed.
func (s State) CanAdvanceTo(next State) bool {
	if s.Terminal() {
		return false
	}

	switch next {
	case StateGated:
		return s == StateIntake
	case StateProofBuilt:
		return s == StateGated
	case StateConsensing:
		return s == StateProofBuilt
	case StateConfirmed:
		return s == StateConsensing
	case StateRejected, StateExpired:
		return true
	default:
		return false
	}
}
