package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fleetgate/internal/fleeterr"
	"fleetgate/internal/fsm"
	"fleetgate/internal/store"
)

const (
	// WorkerQueueSize bounds the global FIFO queue (spec §4.6).
	WorkerQueueSize = 2048

	// SvcDegradedThreshold is the slack below which has_capacity reports
	// false (spec §4.6, §4.7).
	SvcDegradedThreshold = 128

	stepRetryInterval = 200 * time.Millisecond
)

// TaskHandle is the awaitable returned by Submit; it resolves when the task
// chain completes, one way or another (spec §4.6 glossary "Handle").
type TaskHandle struct {
	done  chan struct{}
	state fsm.State
	err   error
}

func newHandle() *TaskHandle {
	return &TaskHandle{done: make(chan struct{})}
}

func (h *TaskHandle) resolve(state fsm.State, err error) {
	h.state, h.err = state, err
	close(h.done)
}

// Wait blocks until the task completes or ctx is cancelled, whichever comes
// first, returning the final state and any error.
func (h *TaskHandle) Wait(ctx context.Context) (fsm.State, error) {
	select {
	case <-h.done:
		return h.state, h.err
	case <-ctx.Done():
		return fsm.State{}, ctx.Err()
	}
}

// TaskWorker is the bounded, per-project-serializing task queue described in
// spec §4.6. Exactly one task per project executes at a time; tasks for
// distinct projects run concurrently.
type TaskWorker struct {
	queue chan queuedTask
	store *store.ProjectStore
	log   *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	shutdown chan struct{}
	wg       sync.WaitGroup
}

type queuedTask struct {
	task   *Task
	handle *TaskHandle
}

func New(projectStore *store.ProjectStore, log *zap.Logger) *TaskWorker {
	w := &TaskWorker{
		queue:    make(chan queuedTask, WorkerQueueSize),
		store:    projectStore,
		log:      log,
		locks:    make(map[string]*sync.Mutex),
		shutdown: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.dispatchLoop()
	return w
}

// Submit enqueues task, returning a handle that resolves on completion.
// Submit never blocks: it does not wait on project serialization, and when
// the bounded global queue is full it returns a KindCapacityExhausted error
// instead of waiting for room.
func (w *TaskWorker) Submit(task *Task) (*TaskHandle, error) {
	handle := newHandle()
	select {
	case w.queue <- queuedTask{task: task, handle: handle}:
		return handle, nil
	default:
		return nil, fleeterr.New(fleeterr.KindCapacityExhausted, "task queue is full")
	}
}

// HasCapacity implements the load derivation in spec §4.6/§4.7.
func (w *TaskWorker) HasCapacity() bool {
	return cap(w.queue)-len(w.queue) > SvcDegradedThreshold
}

// QueueRemaining is the slack the health scheduler checks (spec §4.7).
func (w *TaskWorker) QueueRemaining() int {
	return cap(w.queue) - len(w.queue)
}

// Shutdown stops dequeuing new tasks. In-flight tasks are allowed to finish;
// cancellation is best-effort per spec §4.6 ("persisted state is the
// recovery source of truth").
func (w *TaskWorker) Shutdown() {
	close(w.shutdown)
	w.wg.Wait()
}

func (w *TaskWorker) dispatchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.shutdown:
			return
		case qt := <-w.queue:
			w.wg.Add(1)
			go func(qt queuedTask) {
				defer w.wg.Done()
				w.runExclusive(qt)
			}(qt)
		}
	}
}

// runExclusive acquires the per-project lock before running the task chain,
// guaranteeing invariant #1 (spec §8): at most one task per project-name
// executes at any observable instant.
func (w *TaskWorker) runExclusive(qt queuedTask) {
	lock := w.projectLock(qt.task.ProjectName)
	lock.Lock()
	defer lock.Unlock()

	state, err := w.runChain(context.Background(), qt.task)
	qt.handle.resolve(state, err)
}

func (w *TaskWorker) projectLock(name string) *sync.Mutex {
	w.locksMu.Lock()
	defer w.locksMu.Unlock()
	l, ok := w.locks[name]
	if !ok {
		l = &sync.Mutex{}
		w.locks[name] = l
	}
	return l
}

// runChain executes every step of task in order, following spec §4.6:
// Pending/TryAgain re-run the same step after a short sleep; Done commits
// the new state and advances; Err commits Errored{message} and stops.
func (w *TaskWorker) runChain(ctx context.Context, task *Task) (fsm.State, error) {
	var last fsm.State
	for _, step := range task.Steps {
		select {
		case <-w.shutdown:
			return last, fmt.Errorf("task cancelled: worker shutting down")
		default:
		}

		result := w.runStep(ctx, task.ProjectName, step)
		switch result.Outcome {
		case Done:
			last = result.State
			if err := w.commit(ctx, task.ProjectName, result.State); err != nil {
				return last, err
			}
		case Err:
			errored := fsm.State{Kind: fsm.KindErrored, Message: result.Error.Error()}
			_ = w.commit(ctx, task.ProjectName, errored)
			return errored, result.Error
		case Cancelled:
			return last, fmt.Errorf("task cancelled")
		}
	}
	return last, nil
}

func (w *TaskWorker) runStep(ctx context.Context, projectName string, step Step) StepResult {
	for {
		select {
		case <-w.shutdown:
			return StepResult{Outcome: Cancelled}
		default:
		}

		result := step(ctx)
		if result.Outcome == Pending || result.Outcome == TryAgain {
			time.Sleep(stepRetryInterval)
			continue
		}
		return result
	}
}

func (w *TaskWorker) commit(ctx context.Context, projectName string, next fsm.State) error {
	if w.store == nil {
		return nil
	}
	// Keep the container handle the step's own tick persisted; a step that
	// removed the record itself (DeleteProject) leaves nothing to commit.
	rec, err := w.store.Find(ctx, projectName)
	if fleeterr.KindOf(err) == fleeterr.KindProjectNotFound {
		return nil
	}
	if err := w.store.UpdateState(ctx, projectName, nil, next, rec.ContainerHandle); err != nil {
		if w.log != nil {
			w.log.Error("failed to commit project state",
				zap.String("project", projectName), zap.String("state", string(next.Kind)), zap.Error(err))
		}
		return err
	}
	if w.log != nil {
		w.log.Info("project state transition", zap.String("project", projectName), zap.String("state", next.Kind.String()))
	}
	return nil
}
