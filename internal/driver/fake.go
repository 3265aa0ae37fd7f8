package driver

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Driver for tests. Error queues let a test script
// failures for the next calls; once a queue drains the call succeeds.
type Fake struct {
	mu sync.Mutex

	// Endpoint handed out once a sandbox is ready.
	Endpoint string
	// ReadyAfter is how many Inspect calls a sandbox reports creating
	// before turning ready.
	ReadyAfter int
	// CreateGate, when non-nil, blocks Create after it is counted until
	// the channel yields or closes. Tests use it to park a create in
	// flight.
	CreateGate chan struct{}

	createErrs  []error
	inspectErrs []error
	deleteErrs  []error

	handles   map[string]string // token -> handle
	sandboxes map[string]*fakeSandbox

	createCalls  int
	inspectCalls int
	deleteCalls  int
}

type fakeSandbox struct {
	id       string
	inspects int
}

func NewFake() *Fake {
	return &Fake{
		Endpoint:  "10.0.0.5:5900",
		handles:   make(map[string]string),
		sandboxes: make(map[string]*fakeSandbox),
	}
}

// FailCreate queues errors returned by the next Create calls.
func (f *Fake) FailCreate(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErrs = append(f.createErrs, errs...)
}

// FailDelete queues errors returned by the next Delete calls.
func (f *Fake) FailDelete(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErrs = append(f.deleteErrs, errs...)
}

func (f *Fake) Create(ctx context.Context, spec Spec) (string, error) {
	f.mu.Lock()
	f.createCalls++
	gate := f.CreateGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return "", err
	}
	if h, ok := f.handles[spec.Token]; ok {
		return h, nil
	}
	h := fmt.Sprintf("sbx-%d", len(f.sandboxes)+1)
	f.handles[spec.Token] = h
	f.sandboxes[h] = &fakeSandbox{id: spec.ID}
	return h, nil
}

func (f *Fake) Inspect(ctx context.Context, handle string) (Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspectCalls++
	if len(f.inspectErrs) > 0 {
		err := f.inspectErrs[0]
		f.inspectErrs = f.inspectErrs[1:]
		return Observation{}, err
	}
	sb, ok := f.sandboxes[handle]
	if !ok {
		return Observation{State: StateAbsent}, nil
	}
	sb.inspects++
	if sb.inspects <= f.ReadyAfter {
		return Observation{State: StateCreating}, nil
	}
	return Observation{State: StateReady, Endpoint: f.Endpoint}, nil
}

func (f *Fake) Delete(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if len(f.deleteErrs) > 0 {
		err := f.deleteErrs[0]
		f.deleteErrs = f.deleteErrs[1:]
		return err
	}
	delete(f.sandboxes, handle)
	return nil
}

// SandboxCount reports live sandboxes; idempotent Create must never grow
// it twice for one token.
func (f *Fake) SandboxCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sandboxes)
}

func (f *Fake) CreateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func (f *Fake) DeleteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteCalls
}
