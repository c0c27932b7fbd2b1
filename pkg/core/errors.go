package core

import "errors"

var (
	// ErrNotFound is returned by lookups that match no active client.
	ErrNotFound = errors.New("client not found")

	// ErrDuplicateClient is returned when a new client collides with the MAC or IP of an active one.
	ErrDuplicateClient = errors.New("duplicate client")

	// ErrTooManyClients is returned by Add once the registry holds maxclients sessions.
	ErrTooManyClients = errors.New("client limit reached")

	// ErrFirewallSideEffect wraps failures of the firewall collaborator.
	ErrFirewallSideEffect = errors.New("firewall side effect failed")

	// ErrInvariantViolation marks a session whose state can no longer be trusted.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrInvalidTransition is returned for a connection state change the state table does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")
)
