package worker

import (
	"context"
	"net"
	"time"

	"fleetgate/internal/fleeterr"
	"fleetgate/internal/fsm"
	"fleetgate/internal/runtime"
	"fleetgate/internal/store"
)

// defaultProjectImage is the placeholder base image ensured at project
// creation; the deployer overwrites the running container's contents on
// each successful deploy.
const defaultProjectImage = "fleetgate/project-base:latest"

// settled reports whether kind is a state run_until_done should stop
// polling at: either the FSM reached a stable resting point, or a terminal
// one.
func settled(kind fsm.Kind) bool {
	switch kind {
	case fsm.KindReady, fsm.KindStopped, fsm.KindDestroyed, fsm.KindErrored:
		return true
	default:
		return false
	}
}

// tick performs one reconciliation step for a project: re-read the record,
// inspect the runtime handle if one is required, compute the next state via
// fsm.Transition, and persist it with a compare-and-set (spec §4.5 tie-break
// rule: "within a single transition, runtime inspect is always re-read
// before committing state").
func tick(ctx context.Context, rt runtime.Runtime, ps *store.ProjectStore, projectName string, event fsm.Event) (fsm.State, error) {
	rec, err := ps.Find(ctx, projectName)
	if err != nil {
		return fsm.State{}, err
	}

	fctx := fsm.Context{IdleMinutes: fsm.EffectiveIdleMinutes(projectName, rec.IdleMinutes)}
	handle := runtime.Handle(rec.ContainerHandle)

	if rec.State.RequiresContainerHandle() {
		if handle == "" {
			fctx.Inspect = &fsm.Inspection{State: fsm.RuntimeNotFound}
		} else {
			insp, err := rt.Inspect(ctx, handle)
			if err != nil {
				return fsm.State{}, err
			}
			fctx.Inspect = &fsm.Inspection{State: insp.State, TargetIP: insp.TargetIP}
		}
	}

	if rec.State.Kind == fsm.KindCreating || rec.State.Kind == fsm.KindRecreating {
		if handle == "" {
			// The actual application image is supplied by the deployer on
			// deploy; provisioning here only needs a placeholder runtime to
			// reconcile toward Started.
			ensured, err := rt.Ensure(ctx, rec.ID.String(), projectName, defaultProjectImage, nil, nil, rec.IdleMinutes)
			if err != nil {
				return fsm.State{}, err
			}
			handle = ensured
		}
		fctx.HandleEnsured = true
	}

	if rec.State.Kind == fsm.KindStarted || rec.State.Kind == fsm.KindReady {
		probeOK := tcpProbeFunc(fctx.Inspect)
		fctx.TCPProbeOK = &probeOK

		// A Ready project's own health-probe tick replaces whatever event the
		// caller asked for: Ready only reacts to HealthCheckPassed/Failed
		// (spec §4.5), so a plain Refresh would otherwise be a no-op and the
		// idle reboot-after-N-failures rule would never fire.
		if rec.State.Kind == fsm.KindReady && event == fsm.EventRefresh {
			if probeOK {
				event = fsm.EventHealthCheckPassed
			} else {
				event = fsm.EventHealthCheckFailed
			}
		}
	}

	next := fsm.Transition(rec.State, event, fctx)

	prev := rec.State.Kind
	if err := ps.UpdateState(ctx, projectName, &prev, next, string(handle)); err != nil {
		return fsm.State{}, err
	}
	return next, nil
}

// tcpProbeFunc is overridden in tests to avoid depending on a real
// listener on the fake runtime's reported target_ip.
var tcpProbeFunc = tcpProbe

func tcpProbe(insp *fsm.Inspection) bool {
	if insp == nil || insp.TargetIP == "" {
		return false
	}
	conn, err := net.DialTimeout("tcp", insp.TargetIP+":8000", 2*time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// RunUntilDone builds the task helper of the same name from spec §4.6: it
// loops Refresh ticks until the FSM settles, then resolves. Against a Ready
// project this is the health-check step (tick turns the Refresh into a TCP
// probe and a HealthCheckPassed/Failed event), so the health scheduler
// submits this same task to drive spec §4.5's idle-reboot rule.
func RunUntilDone(rt runtime.Runtime, ps *store.ProjectStore, projectName string) *Task {
	return NewTask(projectName).AndThen(func(ctx context.Context) StepResult {
		next, err := tick(ctx, rt, ps, projectName, fsm.EventRefresh)
		if err != nil {
			return Failed(err)
		}
		if settled(next.Kind) {
			return DoneWith(next)
		}
		return Retry()
	})
}

// StartIdleDeploys applies a single StartRequested tick to the project and
// resolves with the resulting state (on a Creating project the tick only
// provisions the container handle). It does not replay any deployment.
func StartIdleDeploys(rt runtime.Runtime, ps *store.ProjectStore, projectName string) *Task {
	return NewTask(projectName).
		AndThen(func(ctx context.Context) StepResult {
			next, err := tick(ctx, rt, ps, projectName, fsm.EventStartRequested)
			if err != nil {
				return Failed(err)
			}
			return DoneWith(next)
		})
}

// Wake builds the task the proxy submits on wake-on-traffic (spec §4.10
// "find_or_start_project"): a StartRequested tick followed by Refresh
// polling until the project reaches Ready or another settled state.
func Wake(rt runtime.Runtime, ps *store.ProjectStore, projectName string) *Task {
	t := StartIdleDeploys(rt, ps, projectName)
	t.Steps = append(t.Steps, RunUntilDone(rt, ps, projectName).Steps...)
	return t
}

// Destroy builds the destroy task chain: DestroyRequested (removing the
// project's container through the runtime) then poll until the FSM reports
// Destroyed.
func Destroy(rt runtime.Runtime, ps *store.ProjectStore, projectName string) *Task {
	return NewTask(projectName).
		AndThen(func(ctx context.Context) StepResult {
			next, err := tick(ctx, rt, ps, projectName, fsm.EventDestroyRequested)
			if err != nil {
				return Failed(err)
			}
			if next.Kind == fsm.KindDestroying {
				rec, err := ps.Find(ctx, projectName)
				if err != nil {
					return Failed(err)
				}
				if rec.ContainerHandle != "" {
					if err := rt.Destroy(ctx, runtime.Handle(rec.ContainerHandle)); err != nil {
						return Failed(err)
					}
				}
			}
			return DoneWith(next)
		}).
		AndThen(func(ctx context.Context) StepResult {
			next, err := tick(ctx, rt, ps, projectName, fsm.EventRefresh)
			if err != nil {
				return Failed(err)
			}
			if next.Kind == fsm.KindDestroyed {
				return DoneWith(next)
			}
			return Retry()
		})
}

// Restart builds the chain backing spec §4.13's admin cert-rotation
// sequence: destroy -> run_until_done -> create(new_fqdn) -> run_until_done
// -> start_idle_deploys. Nothing in this module submits it: the ACME routes
// in internal/router store the new certificate without restarting the
// project.
func Restart(rt runtime.Runtime, ps *store.ProjectStore, projectName, owner, newFQDN string, idleMinutes int) *Task {
	t := Destroy(rt, ps, projectName)
	t.AndThen(func(ctx context.Context) StepResult {
		if err := ps.Delete(ctx, projectName); err != nil {
			if fleeterr.KindOf(err) != fleeterr.KindProjectNotFound {
				return Failed(err)
			}
		}
		if _, err := ps.Create(ctx, projectName, owner, newFQDN, idleMinutes, ""); err != nil {
			return Failed(err)
		}
		return DoneWith(fsm.Creating(idleMinutes))
	})
	t.AndThen(func(ctx context.Context) StepResult {
		next, err := tick(ctx, rt, ps, projectName, fsm.EventRefresh)
		if err != nil {
			return Failed(err)
		}
		if settled(next.Kind) {
			return DoneWith(next)
		}
		return Retry()
	})
	t.Steps = append(t.Steps, StartIdleDeploys(rt, ps, projectName).Steps...)
	return t
}

// DeleteProject builds the task behind DELETE /projects/{name}/delete: it
// assumes the router has already enforced the "no building/running
// deployment" precondition (spec §4.9) and simply tears the container and
// record down.
func DeleteProject(rt runtime.Runtime, ps *store.ProjectStore, projectName string) *Task {
	t := Destroy(rt, ps, projectName)
	return t.AndThen(func(ctx context.Context) StepResult {
		if err := ps.Delete(ctx, projectName); err != nil {
			return Failed(err)
		}
		return DoneWith(fsm.State{Kind: fsm.KindDestroyed})
	})
}
