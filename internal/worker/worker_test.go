package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetgate/internal/fsm"
)

func TestTaskWorker_SubmitResolvesOnDone(t *testing.T) {
	w := New(nil, nil)
	t.Cleanup(w.Shutdown)

	task := NewTask("matrix").AndThen(func(ctx context.Context) StepResult {
		return DoneWith(fsm.State{Kind: fsm.KindReady})
	})

	handle, err := w.Submit(task)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	state, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, fsm.KindReady, state.Kind)
}

func TestTaskWorker_SubmitResolvesOnError(t *testing.T) {
	w := New(nil, nil)
	t.Cleanup(w.Shutdown)

	task := NewTask("matrix").AndThen(func(ctx context.Context) StepResult {
		return Failed(fmt.Errorf("boom"))
	})

	handle, err := w.Submit(task)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	state, err := handle.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, fsm.KindErrored, state.Kind)
}

func TestTaskWorker_PendingStepsEventuallyResolve(t *testing.T) {
	w := New(nil, nil)
	t.Cleanup(w.Shutdown)

	attempts := 0
	task := NewTask("matrix").AndThen(func(ctx context.Context) StepResult {
		attempts++
		if attempts < 3 {
			return Waiting()
		}
		return DoneWith(fsm.State{Kind: fsm.KindReady})
	})

	handle, err := w.Submit(task)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, fsm.KindReady, state.Kind)
	assert.GreaterOrEqual(t, attempts, 3)
}

func TestTaskWorker_SameProjectTasksAreSerialized(t *testing.T) {
	w := New(nil, nil)
	t.Cleanup(w.Shutdown)

	var order []int
	var mu chanMutex
	mu.ch = make(chan struct{}, 1)
	mu.ch <- struct{}{}

	record := func(n int) Step {
		return func(ctx context.Context) StepResult {
			<-mu.ch
			order = append(order, n)
			time.Sleep(10 * time.Millisecond)
			mu.ch <- struct{}{}
			return DoneWith(fsm.State{Kind: fsm.KindReady})
		}
	}

	h1, err := w.Submit(NewTask("matrix").AndThen(record(1)))
	require.NoError(t, err)
	h2, err := w.Submit(NewTask("matrix").AndThen(record(2)))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = h1.Wait(ctx)
	require.NoError(t, err)
	_, err = h2.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, order)
}

func TestTaskWorker_HasCapacity(t *testing.T) {
	w := New(nil, nil)
	t.Cleanup(w.Shutdown)
	assert.True(t, w.HasCapacity())
}

// chanMutex is a trivial channel-backed mutex used only to make this test's
// ordering assertion deterministic without importing sync here.
type chanMutex struct {
	ch chan struct{}
}
