// Package worker implements the TaskWorker (spec §4.6): a bounded queue of
// project-scoped task chains, serialized per project, each step producing a
// Pending/Done/TryAgain/Cancelled/Err outcome. Grounded on the teacher's
// reconcile-and-update loop (internal/monitor.BotMonitor.checkBot), turned
// into an explicit, composable step chain per the FSM's reconciliation
// model instead of a single hardwired poll.
package worker

import (
	"context"

	"fleetgate/internal/fsm"
)

// Outcome is what a Step reports after one execution attempt.
type Outcome int

const (
	Pending Outcome = iota
	Done
	TryAgain
	Cancelled
	Err
)

// StepResult is the full result of one Step execution.
type StepResult struct {
	Outcome Outcome
	State   fsm.State // meaningful when Outcome == Done
	Error   error      // meaningful when Outcome == Err
}

func DoneWith(s fsm.State) StepResult  { return StepResult{Outcome: Done, State: s} }
func Failed(err error) StepResult      { return StepResult{Outcome: Err, Error: err} }
func Waiting() StepResult              { return StepResult{Outcome: Pending} }
func Retry() StepResult                { return StepResult{Outcome: TryAgain} }

// Step is one unit of task execution against a single project.
type Step func(ctx context.Context) StepResult

// Task is an ordered chain of Steps run against one project under the
// worker's per-project exclusion.
type Task struct {
	ProjectName string
	Steps       []Step
}

// NewTask starts a task chain for projectName.
func NewTask(projectName string) *Task {
	return &Task{ProjectName: projectName}
}

// AndThen appends a step, mirroring the source's `.and_then(step)` builder
// (spec §4.6 composition).
func (t *Task) AndThen(s Step) *Task {
	t.Steps = append(t.Steps, s)
	return t
}
