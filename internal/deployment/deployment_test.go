package deployment

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleetgate/internal/fleeterr"
	"fleetgate/internal/gitmeta"
)

func TestRecordState_FollowsLifecycleInOrder(t *testing.T) {
	store := NewStore()
	fsm := NewFSM(store, zap.NewNop())
	rec := store.Create("proj-1", "svc-1", gitmeta.Metadata{CommitID: "abc123"})

	for _, next := range []State{StateBuilding, StateBuilt, StateLoading, StateRunning, StateCompleted} {
		require.NoError(t, fsm.RecordState(context.Background(), rec.ID, next, ""))
	}

	got, err := store.Find(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
}

func TestRecordState_RejectsSkippedState(t *testing.T) {
	store := NewStore()
	fsm := NewFSM(store, zap.NewNop())
	rec := store.Create("proj-1", "svc-1", gitmeta.Metadata{})

	err := fsm.RecordState(context.Background(), rec.ID, StateRunning, "")
	require.Error(t, err)
	assert.Equal(t, fleeterr.KindInternal, fleeterr.KindOf(err))
}

func TestRecordState_RejectsTransitionOutOfTerminalState(t *testing.T) {
	store := NewStore()
	fsm := NewFSM(store, zap.NewNop())
	rec := store.Create("proj-1", "svc-1", gitmeta.Metadata{})
	require.NoError(t, fsm.RecordState(context.Background(), rec.ID, StateBuilding, ""))
	require.NoError(t, fsm.RecordState(context.Background(), rec.ID, StateCrashed, ""))

	err := fsm.RecordState(context.Background(), rec.ID, StateBuilt, "")
	require.Error(t, err)
}

func TestRecordState_DropsNilID(t *testing.T) {
	store := NewStore()
	fsm := NewFSM(store, zap.NewNop())
	require.NoError(t, fsm.RecordState(context.Background(), uuid.Nil, StateBuilding, ""))
}

func TestRecordState_SetsAddressOnRunning(t *testing.T) {
	store := NewStore()
	fsm := NewFSM(store, zap.NewNop())
	rec := store.Create("proj-1", "svc-1", gitmeta.Metadata{})
	require.NoError(t, fsm.RecordState(context.Background(), rec.ID, StateBuilding, ""))
	require.NoError(t, fsm.RecordState(context.Background(), rec.ID, StateBuilt, ""))
	require.NoError(t, fsm.RecordState(context.Background(), rec.ID, StateLoading, ""))
	require.NoError(t, fsm.RecordState(context.Background(), rec.ID, StateRunning, "10.0.0.5"))

	got, err := store.Find(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", got.Address)
}

func TestListByProject_OrdersNewestFirstAndPaginates(t *testing.T) {
	store := NewStore()
	a := store.Create("proj-1", "svc-1", gitmeta.Metadata{})
	store.Create("proj-2", "svc-2", gitmeta.Metadata{})
	b := store.Create("proj-1", "svc-1", gitmeta.Metadata{})

	all := store.ListByProject("proj-1", 0, 10)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID)
	assert.Equal(t, a.ID, all[1].ID)

	page := store.ListByProject("proj-1", 1, 1)
	require.Len(t, page, 1)
	assert.Equal(t, a.ID, page[0].ID)
}

func TestKill_StopsRunningDeploymentButKeepsRecord(t *testing.T) {
	store := NewStore()
	fsm := NewFSM(store, zap.NewNop())
	rec := store.Create("proj-1", "svc-1", gitmeta.Metadata{})
	require.NoError(t, fsm.RecordState(context.Background(), rec.ID, StateBuilding, ""))
	require.NoError(t, fsm.RecordState(context.Background(), rec.ID, StateBuilt, ""))
	require.NoError(t, fsm.RecordState(context.Background(), rec.ID, StateLoading, ""))
	require.NoError(t, fsm.RecordState(context.Background(), rec.ID, StateRunning, "10.0.0.1"))

	got, err := fsm.Kill(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, got.State)

	stillThere, err := store.Find(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, stillThere.State)
}

func TestKill_LeavesTerminalStateUnchanged(t *testing.T) {
	store := NewStore()
	fsm := NewFSM(store, zap.NewNop())
	rec := store.Create("proj-1", "svc-1", gitmeta.Metadata{})
	require.NoError(t, fsm.RecordState(context.Background(), rec.ID, StateBuilding, ""))
	require.NoError(t, fsm.RecordState(context.Background(), rec.ID, StateCrashed, ""))

	got, err := fsm.Kill(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCrashed, got.State)
}

func TestDelete_RemovesRecord(t *testing.T) {
	store := NewStore()
	rec := store.Create("proj-1", "svc-1", gitmeta.Metadata{})
	require.NoError(t, store.Delete(rec.ID))
	_, err := store.Find(rec.ID)
	require.Error(t, err)
}
