package deployerapi

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fleetgate/internal/deployment"
	"fleetgate/internal/fleeterr"
	"fleetgate/internal/runtime"
)

// imageTag is the base image every project container runs; building a
// custom image from an uploaded archive is out of scope (the command-line
// client's local build/run tooling is a Non-goal) so a deploy always loads
// this fixed image and differs only in the archive contents the running
// process reads from its mounted workdir.
const imageTag = "fleetgate/project-base:latest"

// RuntimeBuilder implements Builder by driving a project's container
// through Built -> Loading -> Running against a real ContainerRuntime,
// recording each step on the DeploymentFSM. Grounded on the teacher's
// internal/runner reconciliation shape (tick-and-record), adapted from
// the project-level FSM (internal/worker) into the deployment-level one
// this package owns.
type RuntimeBuilder struct {
	Runtime runtime.Runtime
	FSM     *deployment.FSM
	Log     *zap.Logger
}

func NewRuntimeBuilder(rt runtime.Runtime, fsm *deployment.FSM, log *zap.Logger) *RuntimeBuilder {
	return &RuntimeBuilder{Runtime: rt, FSM: fsm, Log: log}
}

// Build implements Builder. The archive itself is opaque here (unpacking
// and building it into a running process's working set is the container
// entrypoint's job, out of this package's scope); Build's responsibility
// is the deployment lifecycle around ensuring and starting the container
// and recording each FSM transition.
func (b *RuntimeBuilder) Build(ctx context.Context, rec deployment.Record, archive []byte) error {
	if err := b.FSM.RecordState(ctx, rec.ID, deployment.StateBuilding, ""); err != nil {
		return fmt.Errorf("recording building state: %w", err)
	}

	if err := b.FSM.RecordState(ctx, rec.ID, deployment.StateBuilt, ""); err != nil {
		return fmt.Errorf("recording built state: %w", err)
	}

	if err := b.FSM.RecordState(ctx, rec.ID, deployment.StateLoading, ""); err != nil {
		return fmt.Errorf("recording loading state: %w", err)
	}

	handle, err := b.Runtime.Ensure(ctx, rec.ProjectID, rec.ProjectID, imageTag, nil, nil, 0)
	if err != nil {
		return fleeterr.Wrap(fleeterr.KindUpstream, "ensuring container for deployment", err)
	}
	if err := b.Runtime.Start(ctx, handle); err != nil {
		return fleeterr.Wrap(fleeterr.KindUpstream, "starting container for deployment", err)
	}

	insp, err := b.waitForAddress(ctx, handle)
	if err != nil {
		return err
	}

	if err := b.FSM.RecordState(ctx, rec.ID, deployment.StateRunning, insp.TargetIP); err != nil {
		return fmt.Errorf("recording running state: %w", err)
	}
	return nil
}

// waitForAddress polls Inspect until the runtime reports a target IP or
// the context is cancelled; newly-started containers may take a moment
// to attach to the network.
func (b *RuntimeBuilder) waitForAddress(ctx context.Context, handle runtime.Handle) (runtime.Inspection, error) {
	deadline := time.Now().Add(30 * time.Second)
	for {
		insp, err := b.Runtime.Inspect(ctx, handle)
		if err != nil {
			return runtime.Inspection{}, fleeterr.Wrap(fleeterr.KindUpstream, "inspecting started container", err)
		}
		if insp.TargetIP != "" {
			return insp, nil
		}
		if time.Now().After(deadline) {
			return runtime.Inspection{}, fleeterr.New(fleeterr.KindTimeout, "container never reported a target address")
		}
		select {
		case <-ctx.Done():
			return runtime.Inspection{}, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}
