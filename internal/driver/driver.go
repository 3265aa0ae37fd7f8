// Package driver abstracts the imperative operations against the cluster
// substrate: create, inspect, and delete the compute and network objects
// backing one desktop sandbox.
package driver

import (
	"context"
	"errors"
	"fmt"
)

// Kind splits substrate failures into the two buckets the controller
// understands: retry with backoff, or give up and surface to the owner.
type Kind int

const (
	Transient Kind = iota
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error wraps a substrate failure with its classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("driver %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transientf builds a retryable driver error.
func Transientf(op, format string, args ...any) error {
	return &Error{Kind: Transient, Op: op, Err: fmt.Errorf(format, args...)}
}

// Permanentf builds a non-retryable driver error.
func Permanentf(op, format string, args ...any) error {
	return &Error{Kind: Permanent, Op: op, Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err carries a Permanent classification.
// Anything else, including unclassified errors, is treated as retryable.
func IsPermanent(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == Permanent
}

// Token derives the idempotency token for a create attempt. Duplicate
// Create calls with the same token must resolve to the same sandbox.
func Token(id string, generation uint64) string {
	return fmt.Sprintf("%s/%d", id, generation)
}

// State is the substrate's view of one sandbox.
type State string

const (
	// StateCreating covers both "objects exist but not running yet" and
	// the substrate's async window where a freshly requested sandbox is
	// not visible at all.
	StateCreating State = "creating"
	StateReady    State = "ready"
	StateStopped  State = "stopped"
	StateAbsent   State = "absent"
)

// Observation is what Inspect saw. Endpoint is set only for StateReady.
type Observation struct {
	State    State
	Endpoint string
}

// Spec describes the sandbox to provision.
type Spec struct {
	ID    string
	Image string
	// Token makes Create idempotent under retry; see Token.
	Token string
}

// Driver performs blocking substrate I/O. All methods classify their
// failures as Transient or Permanent via Error.
type Driver interface {
	// Create provisions the sandbox and returns its substrate handle.
	// A duplicate call with the same spec token returns the existing
	// handle instead of creating a second sandbox.
	Create(ctx context.Context, spec Spec) (string, error)
	// Inspect polls current substrate state for a handle.
	Inspect(ctx context.Context, handle string) (Observation, error)
	// Delete requests teardown. Deleting an already-absent handle succeeds.
	Delete(ctx context.Context, handle string) error
}
