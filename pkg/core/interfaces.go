package core

import (
	"context"
	"time"
)

// Firewall applies access and throttle rules for clients. Every call must be
// idempotent: repeating a successful call is a no-op, and Deauthenticate also
// removes any throttle the client still has.
type Firewall interface {
	Authenticate(ctx context.Context, c Client) error
	Deauthenticate(ctx context.Context, c Client) error
	InstallThrottle(ctx context.Context, c Client, dir Direction, bucket uint64) error
	RemoveThrottle(ctx context.Context, c Client, dir Direction) error
}

// CounterSource reports raw traffic counters for every client it knows about, keyed by IP.
type CounterSource interface {
	Sample(ctx context.Context) (map[string]Sample, error)
}

// Forgetter is implemented by counter sources whose totals outlive the session
// that produced them. Forget drops the totals of ip so a later session on the
// same address starts from zero.
type Forgetter interface {
	Forget(ip string)
}

// Hook is notified of authentication events, e.g. to run the binauth script.
type Hook interface {
	Run(ctx context.Context, event string, c Client) error
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Hook events, named after the binauth script arguments.
const (
	EventClientAuth      = "client_auth"
	EventCtlAuth         = "ndsctl_auth"
	EventClientDeauth    = "client_deauth"
	EventIdleDeauth      = "idle_deauth"
	EventTimeoutDeauth   = "timeout_deauth"
	EventDownQuotaDeauth = "downquota_deauth"
	EventUpQuotaDeauth   = "upquota_deauth"
	EventCtlDeauth       = "ndsctl_deauth"
	EventShutdownDeauth  = "shutdown_deauth"
)
