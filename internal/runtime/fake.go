package runtime

import (
	"context"
	"sync"
	"time"

	"fleetgate/internal/fsm"
)

// Fake is an in-memory Runtime used by worker/fsm tests, grounded on the
// teacher's MockRuntime pattern (internal/runner, exercised by
// internal/contextutil/runtime_test.go) generalized from bot lifecycles to
// project containers.
type Fake struct {
	mu         sync.Mutex
	containers map[Handle]*Inspection
	nextID     int
	EnsureErr  error
	InspectErr error
}

func NewFake() *Fake {
	return &Fake{containers: make(map[Handle]*Inspection)}
}

func (f *Fake) Ensure(_ context.Context, projectID, _ string, _ string, _, _ map[string]string, idleMinutes int) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EnsureErr != nil {
		return "", f.EnsureErr
	}
	f.nextID++
	h := Handle(projectID)
	f.containers[h] = &Inspection{State: fsm.RuntimeCreated, ProjectID: projectID, IdleMinutes: idleMinutes}
	return h, nil
}

func (f *Fake) Start(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	insp, ok := f.containers[h]
	if !ok {
		return errNotFound
	}
	insp.State = fsm.RuntimeRunning
	insp.TargetIP = "10.42.0.1"
	insp.StartedAt = time.Now()
	return nil
}

func (f *Fake) Stop(_ context.Context, h Handle, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	insp, ok := f.containers[h]
	if !ok {
		return errNotFound
	}
	insp.State = fsm.RuntimeExited
	insp.TargetIP = ""
	return nil
}

func (f *Fake) Destroy(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, h)
	return nil
}

func (f *Fake) Inspect(_ context.Context, h Handle) (Inspection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InspectErr != nil {
		return Inspection{}, f.InspectErr
	}
	insp, ok := f.containers[h]
	if !ok {
		return Inspection{State: fsm.RuntimeNotFound}, nil
	}
	return *insp, nil
}

func (f *Fake) Exec(_ context.Context, _ Handle, _ []string) (string, error) {
	return "", nil
}

// SetTargetIP overrides the reported target address for h, used by proxy
// tests to point a fake container at an httptest backend.
func (f *Fake) SetTargetIP(h Handle, addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if insp, ok := f.containers[h]; ok {
		insp.TargetIP = addr
	}
}

// SetExited forces a handle into the exited state, simulating a crash.
func (f *Fake) SetExited(h Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if insp, ok := f.containers[h]; ok {
		insp.State = fsm.RuntimeExited
	}
}

type fakeError string

func (e fakeError) Error() string { return string(e) }

const errNotFound = fakeError("container not found")
