package worker

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetgate/internal/fsm"
	"fleetgate/internal/runtime"
	"fleetgate/internal/store"
)

func newTestStore(t *testing.T) *store.ProjectStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db, store.DialectSQLite))
	t.Cleanup(func() { _ = db.Close() })
	return store.NewProjectStore(db, store.DialectSQLite)
}

func TestRunUntilDone_DrivesCreatingToReady(t *testing.T) {
	old := tcpProbeFunc
	tcpProbeFunc = func(insp *fsm.Inspection) bool { return insp != nil && insp.TargetIP != "" }
	t.Cleanup(func() { tcpProbeFunc = old })

	ctx := context.Background()
	ps := newTestStore(t)
	rt := runtime.NewFake()

	_, err := ps.Create(ctx, "matrix", "neo", "matrix.example.com", 0, "k")
	require.NoError(t, err)

	w := New(ps, nil)
	t.Cleanup(w.Shutdown)

	// Fake.Ensure leaves the container Created; a real daemon would need a
	// Start() call before it reports Running, so drive that here the way
	// the deployer's own reconciliation would.
	go func() {
		for i := 0; i < 50; i++ {
			rec, err := ps.Find(ctx, "matrix")
			if err == nil && rec.ContainerHandle != "" {
				_ = rt.Start(ctx, runtime.Handle(rec.ContainerHandle))
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	handle, err := w.Submit(RunUntilDone(rt, ps, "matrix"))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := handle.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, fsm.KindReady, final.Kind)
}

func TestRunUntilDone_ReadyProjectFailedProbeReboots(t *testing.T) {
	old := tcpProbeFunc
	tcpProbeFunc = func(insp *fsm.Inspection) bool { return false }
	t.Cleanup(func() { tcpProbeFunc = old })

	ctx := context.Background()
	ps := newTestStore(t)
	rt := runtime.NewFake()

	_, err := ps.Create(ctx, "matrix", "neo", "matrix.example.com", 1, "k")
	require.NoError(t, err)
	handle, err := rt.Ensure(ctx, "matrix", "matrix", "image", nil, nil, 1)
	require.NoError(t, err)

	ready := fsm.State{Kind: fsm.KindReady, FailedProbes: 0}
	require.NoError(t, ps.UpdateState(ctx, "matrix", nil, ready, string(handle)))

	w := New(ps, nil)
	t.Cleanup(w.Shutdown)

	h, err := w.Submit(RunUntilDone(rt, ps, "matrix"))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	final, err := h.Wait(waitCtx)
	require.NoError(t, err)
	// idle_minutes=1 means a single failed probe already meets the
	// reboot threshold (spec §4.5).
	assert.Equal(t, fsm.KindRebooting, final.Kind)
}

func TestRunUntilDone_ReadyProjectPassedProbeStaysReady(t *testing.T) {
	old := tcpProbeFunc
	tcpProbeFunc = func(insp *fsm.Inspection) bool { return true }
	t.Cleanup(func() { tcpProbeFunc = old })

	ctx := context.Background()
	ps := newTestStore(t)
	rt := runtime.NewFake()

	_, err := ps.Create(ctx, "matrix", "neo", "matrix.example.com", 5, "k")
	require.NoError(t, err)
	handle, err := rt.Ensure(ctx, "matrix", "matrix", "image", nil, nil, 5)
	require.NoError(t, err)

	ready := fsm.State{Kind: fsm.KindReady, FailedProbes: 3}
	require.NoError(t, ps.UpdateState(ctx, "matrix", nil, ready, string(handle)))

	w := New(ps, nil)
	t.Cleanup(w.Shutdown)

	h, err := w.Submit(RunUntilDone(rt, ps, "matrix"))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	final, err := h.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, fsm.KindReady, final.Kind)
	assert.Equal(t, 0, final.FailedProbes)
}

func TestDestroy_DrivesToDestroyed(t *testing.T) {
	ctx := context.Background()
	ps := newTestStore(t)
	rt := runtime.NewFake()

	_, err := ps.Create(ctx, "matrix", "neo", "matrix.example.com", 0, "k")
	require.NoError(t, err)

	w := New(ps, nil)
	t.Cleanup(w.Shutdown)

	handle, err := w.Submit(Destroy(rt, ps, "matrix"))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	final, err := handle.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, fsm.KindDestroyed, final.Kind)
}

func TestDeleteProject_RemovesRecord(t *testing.T) {
	ctx := context.Background()
	ps := newTestStore(t)
	rt := runtime.NewFake()

	_, err := ps.Create(ctx, "matrix", "neo", "matrix.example.com", 0, "k")
	require.NoError(t, err)

	w := New(ps, nil)
	t.Cleanup(w.Shutdown)

	handle, err := w.Submit(DeleteProject(rt, ps, "matrix"))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = handle.Wait(waitCtx)
	require.NoError(t, err)

	_, err = ps.Find(ctx, "matrix")
	require.Error(t, err)
}
