package fsm

// Transition is the pure function described in spec §2 and §4.5: it never
// touches the network, the clock, or the store — every fact it needs about
// the outside world arrives already resolved in ctx. The TaskWorker (see
// internal/worker) is responsible for gathering that Context and committing
// the result via ProjectStore.update_state with a compare-and-set.
func Transition(current State, event Event, ctx Context) State {
	// DestroyRequested short-circuits every other rule (spec §4.5 "Any
	// state on DestroyRequested -> Destroying").
	if event == EventDestroyRequested && current.Kind != KindDestroyed {
		return State{Kind: KindDestroying}
	}

	switch current.Kind {
	case KindCreating:
		return transitionCreating(current, event, ctx)
	case KindAttaching:
		return transitionAttaching(current, event, ctx)
	case KindRecreating:
		return transitionRecreating(current, event, ctx)
	case KindStarting:
		return transitionStarting(current, event, ctx)
	case KindRestarting:
		return transitionRestarting(current, event, ctx)
	case KindStarted:
		return transitionStarted(current, event, ctx)
	case KindReady:
		return transitionReady(current, event, ctx)
	case KindStopping:
		return transitionStopping(current, event, ctx)
	case KindStopped:
		return transitionStopped(current, event, ctx)
	case KindRebooting:
		return transitionRebooting(current, event, ctx)
	case KindDestroying:
		return transitionDestroying(current, event, ctx)
	case KindDestroyed:
		return current // terminal, identity on everything but Destroy (handled above)
	case KindErrored:
		return transitionErrored(current, event, ctx)
	default:
		return errored(current, "unknown state kind")
	}
}

func errored(from State, message string) State {
	return State{Kind: KindErrored, Message: message, Ctx: string(from.Kind)}
}

func transitionCreating(s State, event Event, ctx Context) State {
	if event == EventRefresh && ctx.HandleEnsured {
		return State{Kind: KindStarting, RestartCount: 0}
	}
	return s
}

func transitionAttaching(s State, event Event, ctx Context) State {
	if event == EventRefresh && ctx.Inspect != nil {
		switch ctx.Inspect.State {
		case RuntimeRunning:
			return State{Kind: KindStarted}
		case RuntimeNotFound:
			return errored(s, "runtime reports container not found while attaching")
		}
	}
	return s
}

func transitionRecreating(s State, event Event, ctx Context) State {
	if event == EventRefresh && ctx.HandleEnsured {
		return State{Kind: KindStarting, RestartCount: 0}
	}
	return s
}

func transitionStarting(s State, event Event, ctx Context) State {
	if event != EventRefresh && event != EventContainerExited {
		return s
	}

	if ctx.Inspect != nil {
		switch ctx.Inspect.State {
		case RuntimeRunning:
			if ctx.Inspect.TargetIP != "" {
				return State{Kind: KindStarted}
			}
			return s
		case RuntimeExited, RuntimeDead:
			if s.RestartCount >= ctx.maxRestarts() {
				return errored(s, "container exited before becoming ready; restart budget exhausted")
			}
			return State{Kind: KindRestarting, RestartCount: s.RestartCount + 1}
		}
	}
	return s
}

func transitionRestarting(s State, event Event, ctx Context) State {
	if event == EventRefresh && ctx.HandleEnsured {
		return State{Kind: KindStarting, RestartCount: s.RestartCount}
	}
	return s
}

func transitionStarted(s State, event Event, ctx Context) State {
	if event != EventRefresh {
		return s
	}
	if ctx.TCPProbeOK != nil && *ctx.TCPProbeOK {
		return State{Kind: KindReady}
	}
	if ctx.Inspect != nil && ctx.Inspect.State == RuntimeNotFound {
		return errored(s, "runtime reports container not found while started")
	}
	return s
}

func transitionReady(s State, event Event, ctx Context) State {
	switch event {
	case EventHealthCheckPassed:
		return State{Kind: KindReady, FailedProbes: 0}
	case EventHealthCheckFailed:
		next := s.FailedProbes + 1
		if ctx.IdleMinutes > 0 && next >= ctx.IdleMinutes {
			return State{Kind: KindRebooting}
		}
		return State{Kind: KindReady, FailedProbes: next}
	case EventRefresh:
		if ctx.Inspect != nil && ctx.Inspect.State == RuntimeNotFound {
			return errored(s, "runtime reports container not found while ready")
		}
		return s
	case EventDeployRequestReceived:
		return State{Kind: KindReady, FailedProbes: 0}
	default:
		return s
	}
}

func transitionStopping(s State, event Event, ctx Context) State {
	if event == EventRefresh && ctx.Inspect != nil && ctx.Inspect.State == RuntimeExited {
		return State{Kind: KindStopped}
	}
	return s
}

func transitionStopped(s State, event Event, ctx Context) State {
	if event == EventStartRequested {
		return State{Kind: KindStarting, RestartCount: 0}
	}
	return s
}

func transitionRebooting(s State, event Event, ctx Context) State {
	if event == EventRefresh {
		return State{Kind: KindStopping}
	}
	return s
}

func transitionDestroying(s State, event Event, ctx Context) State {
	if event == EventRefresh && ctx.Inspect != nil && ctx.Inspect.State == RuntimeNotFound {
		return State{Kind: KindDestroyed}
	}
	return s
}

func transitionErrored(s State, event Event, ctx Context) State {
	// Errored is re-entrant: a future StartRequested restarts via Recreating
	// (spec §4.5 "Initial/Terminal").
	if event == EventStartRequested {
		return State{Kind: KindRecreating, RecreateCount: s.RecreateCount + 1}
	}
	return s
}
