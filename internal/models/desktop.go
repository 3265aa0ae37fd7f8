package models

import "time"

// DesiredState is what the owner wants to exist.
type DesiredState string

const (
	DesiredPresent DesiredState = "present"
	DesiredAbsent  DesiredState = "absent"
)

// Phase is what the controller has confirmed actually exists.
type Phase string

const (
	PhasePending      Phase = "pending"
	PhaseProvisioning Phase = "provisioning"
	PhaseRunning      Phase = "running"
	PhaseStopping     Phase = "stopping"
	PhaseTerminated   Phase = "terminated"
	PhaseFailed       Phase = "failed"
)

// Terminal reports whether no further transitions can occur for the phase.
func (p Phase) Terminal() bool {
	return p == PhaseTerminated || p == PhaseFailed
}

// FailureRecord captures the last permanent failure for a desktop.
// Cleared on any successful transition.
type FailureRecord struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Desktop is the core domain object: one ephemeral virtual-desktop sandbox.
// Shared between the API shim, storage, controller, and router.
type Desktop struct {
	ID      string       `json:"id"`
	Owner   string       `json:"owner"`
	Image   string       `json:"image"`
	Desired DesiredState `json:"desired"`
	Phase   Phase        `json:"phase"`

	// Endpoint is the sandbox's network address. Non-empty iff Phase is
	// running.
	Endpoint string `json:"endpoint,omitempty"`

	// Handle is the substrate handle returned by the driver's Create.
	// Persisted so Inspect/Delete survive controller restarts.
	Handle string `json:"handle,omitempty"`

	// Generation strictly increases with every successful store write.
	Generation uint64 `json:"generation"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`

	LastError *FailureRecord `json:"last_error,omitempty"`
}

// Expired reports whether the desktop's lease has elapsed at now.
func (d *Desktop) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && !now.Before(d.ExpiresAt)
}

// Clone returns a deep copy so watch subscribers and the router never see
// a record mutated behind their backs.
func (d *Desktop) Clone() *Desktop {
	out := *d
	if d.LastError != nil {
		le := *d.LastError
		out.LastError = &le
	}
	return &out
}
