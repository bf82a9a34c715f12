package client

import "time"

// State is a snapshot of the connection state. Observers receive a copy
// on every mutation and compare fields themselves.
type State struct {
	// Connected means the transport is reachable. It flips to false only
	// after a run of consecutive transport failures, never on a single
	// dropped probe.
	Connected bool
	// ServiceReady is the backend's downstream readiness, independent of
	// transport.
	ServiceReady bool
	// ServiceUnavailable is the sticky "temporarily unavailable" flag.
	// While set, probes are throttled and outbound retries are
	// suppressed.
	ServiceUnavailable bool

	SessionState        string
	LastConnectedAt     time.Time
	ConsecutiveFailures int
	RetryAttempts       int
}
