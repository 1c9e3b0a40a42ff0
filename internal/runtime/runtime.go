// Package runtime defines the ContainerRuntime capability set (spec §4.4)
// that the ProjectFSM reconciles against. It mirrors the teacher's
// internal/runner.Runtime interface shape, generalized from bot containers
// to project deployment containers.
package runtime

import (
	"context"
	"time"

	"fleetgate/internal/fsm"
)

// Handle identifies a managed container. It is an opaque value stored on
// the ProjectRecord; callers never parse it.
type Handle string

// Inspection is the runtime's answer to inspect(handle) (spec §4.4).
type Inspection struct {
	State       fsm.RuntimeState
	TargetIP    string
	StartedAt   time.Time
	ProjectID   string
	IdleMinutes int
}

// Runtime is the capability set every container backend must implement.
// fleetgate ships exactly one implementation (internal/runtime/docker);
// Kubernetes/local-process backends are excluded (Non-goals).
type Runtime interface {
	// Ensure creates the container if it does not already exist and
	// returns its handle, idempotently.
	Ensure(ctx context.Context, projectID, name, image string, env, labels map[string]string, idleMinutes int) (Handle, error)
	Start(ctx context.Context, h Handle) error
	Stop(ctx context.Context, h Handle, timeout time.Duration) error
	Destroy(ctx context.Context, h Handle) error
	Inspect(ctx context.Context, h Handle) (Inspection, error)
	// Exec runs argv inside the container and returns combined output; used
	// only for liveness probes during local provisioning (spec §4.4).
	Exec(ctx context.Context, h Handle, argv []string) (string, error)
}
