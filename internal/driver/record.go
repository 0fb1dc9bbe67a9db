package driver

import "time"

// State is the engine-side lifecycle state of a driver record. The record
// outlives the OS process; a restart produces a new pid and port but keeps
// the same id.
type State string

const (
	StateDiscovered State = "discovered"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateUnhealthy  State = "unhealthy"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
)

// Terminal reports whether no further transitions are expected without an
// explicit restart.
func (s State) Terminal() bool { return s == StateStopped }

// Record tracks one driver. The registry owns it and guards mutation; a
// copy returned from List/Get is a point-in-time snapshot.
type Record struct {
	ID       string    `json:"id"`
	Manifest *Manifest `json:"manifest"`
	State    State     `json:"state"`
	PID      int       `json:"pid,omitempty"`
	Port     int       `json:"port,omitempty"`

	// InstanceID is the uuid passed to the child via
	// RUNIX_DRIVER_INSTANCE_ID for the current process generation.
	InstanceID string `json:"instanceId,omitempty"`

	// LastError explains the most recent transition into Unhealthy or
	// Stopped.
	LastError string `json:"lastError,omitempty"`

	StartedAt time.Time `json:"startedAt,omitempty"`

	// Client is the live RPC client while the record is Ready or
	// Unhealthy. Shared; callers must not close it.
	Client *Client `json:"-"`
}
