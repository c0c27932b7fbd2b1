package core

import (
	"fmt"
	"slices"
)

// ConnState mirrors the firewall's classification of a client.
type ConnState int

const (
	// Preauthenticated - client seen, captive portal only
	Preauthenticated ConnState = iota + 1

	// Authenticated - access rules installed
	Authenticated

	// Blocked - client may not authenticate until unblocked. Registry only,
	// the firewall treats it like Preauthenticated.
	Blocked

	// Deauthenticated - access revoked, terminal
	Deauthenticated
)

func (s ConnState) String() string {
	switch s {
	case Preauthenticated:
		return "preauthenticated"
	case Authenticated:
		return "authenticated"
	case Blocked:
		return "blocked"
	case Deauthenticated:
		return "deauthenticated"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON output.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *ConnState) UnmarshalText(text []byte) error {
	for _, st := range []ConnState{Preauthenticated, Authenticated, Blocked, Deauthenticated} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown client state %q", text)
}

var allowedTransitions = map[ConnState][]ConnState{
	Preauthenticated: {
		Authenticated,
		Blocked,
		Deauthenticated, // Removed before auth
	},
	Authenticated: {
		Deauthenticated,
	},
	Blocked: {
		Preauthenticated,
		Deauthenticated,
	},
	Deauthenticated: {
		// Terminal state, no transitions
	},
}

// CanTransitionTo reports whether the state table allows moving from s to next.
func (s ConnState) CanTransitionTo(next ConnState) bool {
	return slices.Contains(allowedTransitions[s], next)
}

// transition checks a state change, returning ErrInvalidTransition when it is not allowed.
func transition(from, to ConnState) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}
