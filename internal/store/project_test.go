package store

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetgate/internal/fleeterr"
	"fleetgate/internal/fsm"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	require.NoError(t, Migrate(db, DialectSQLite))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestProjectStore_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	s := NewProjectStore(newTestDB(t), DialectSQLite)

	rec, err := s.Create(ctx, "matrix", "neo", "matrix.example.com", 3, "initial-key")
	require.NoError(t, err)
	assert.Equal(t, fsm.KindCreating, rec.State.Kind)

	found, err := s.Find(ctx, "matrix")
	require.NoError(t, err)
	assert.Equal(t, rec.Name, found.Name)
	assert.Equal(t, rec.ID, found.ID)
	assert.Equal(t, fsm.KindCreating, found.State.Kind)
}

func TestProjectStore_CreateRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	s := NewProjectStore(newTestDB(t), DialectSQLite)

	_, err := s.Create(ctx, "matrix", "neo", "matrix.example.com", 3, "k1")
	require.NoError(t, err)

	_, err = s.Create(ctx, "matrix", "trinity", "matrix2.example.com", 3, "k2")
	require.Error(t, err)
	assert.Equal(t, fleeterr.KindProjectAlreadyExists, fleeterr.KindOf(err))
}

func TestProjectStore_CreateRejectsInvalidName(t *testing.T) {
	ctx := context.Background()
	s := NewProjectStore(newTestDB(t), DialectSQLite)

	cases := []string{"AB", "ab", "-abc", "abc-", "Abcdef", string(make([]byte, 64))}
	for _, name := range cases {
		_, err := s.Create(ctx, name, "neo", "x.example.com", 0, "k")
		require.Error(t, err, "expected %q to be rejected", name)
		assert.Equal(t, fleeterr.KindInvalidProjectName, fleeterr.KindOf(err))
	}
}

func TestProjectStore_FindNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewProjectStore(newTestDB(t), DialectSQLite)

	_, err := s.Find(ctx, "ghost")
	require.Error(t, err)
	assert.Equal(t, fleeterr.KindProjectNotFound, fleeterr.KindOf(err))
}

func TestProjectStore_UpdateState_BlindWrite(t *testing.T) {
	ctx := context.Background()
	s := NewProjectStore(newTestDB(t), DialectSQLite)

	_, err := s.Create(ctx, "matrix", "neo", "matrix.example.com", 3, "k")
	require.NoError(t, err)

	next := fsm.State{Kind: fsm.KindStarting, RestartCount: 0}
	require.NoError(t, s.UpdateState(ctx, "matrix", nil, next, "container-123"))

	found, err := s.Find(ctx, "matrix")
	require.NoError(t, err)
	assert.Equal(t, fsm.KindStarting, found.State.Kind)
	assert.Equal(t, "container-123", found.ContainerHandle)
}

func TestProjectStore_UpdateState_CompareAndSetConflict(t *testing.T) {
	ctx := context.Background()
	s := NewProjectStore(newTestDB(t), DialectSQLite)

	_, err := s.Create(ctx, "matrix", "neo", "matrix.example.com", 3, "k")
	require.NoError(t, err)

	wrongPrev := fsm.KindReady
	err = s.UpdateState(ctx, "matrix", &wrongPrev, fsm.State{Kind: fsm.KindStarting}, "")
	require.Error(t, err)
	assert.Equal(t, fleeterr.KindConflict, fleeterr.KindOf(err))

	correctPrev := fsm.KindCreating
	require.NoError(t, s.UpdateState(ctx, "matrix", &correctPrev, fsm.State{Kind: fsm.KindStarting}, ""))
}

func TestProjectStore_DeleteAndCount(t *testing.T) {
	ctx := context.Background()
	s := NewProjectStore(newTestDB(t), DialectSQLite)

	_, err := s.Create(ctx, "matrix", "neo", "x", 0, "k")
	require.NoError(t, err)
	_, err = s.Create(ctx, "zion", "neo", "y", 0, "k")
	require.NoError(t, err)

	n, err := s.CountByOwner(ctx, "neo")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Delete(ctx, "matrix"))
	n, err = s.CountByOwner(ctx, "neo")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = s.Delete(ctx, "matrix")
	require.Error(t, err)
	assert.Equal(t, fleeterr.KindProjectNotFound, fleeterr.KindOf(err))
}

func TestProjectStore_FindByOwnerPagination(t *testing.T) {
	ctx := context.Background()
	s := NewProjectStore(newTestDB(t), DialectSQLite)

	for _, name := range []string{"p1", "p2", "p3"} {
		_, err := s.Create(ctx, name, "neo", "x", 0, "k")
		require.NoError(t, err)
	}

	page, err := s.FindByOwner(ctx, "neo", 0, 2)
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	assert.True(t, page.HasMore)

	page, err = s.FindByOwner(ctx, "neo", 2, 2)
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
	assert.False(t, page.HasMore)
}

func TestProjectStore_IterReady(t *testing.T) {
	ctx := context.Background()
	s := NewProjectStore(newTestDB(t), DialectSQLite)

	_, err := s.Create(ctx, "matrix", "neo", "x", 0, "k")
	require.NoError(t, err)
	require.NoError(t, s.UpdateState(ctx, "matrix", nil, fsm.State{Kind: fsm.KindReady}, "c1"))

	_, err = s.Create(ctx, "zion", "neo", "y", 0, "k")
	require.NoError(t, err)

	ready, err := s.IterReady(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "matrix", ready[0].Name)
}

func TestValidateProjectName_CCHClassIsValidNotRejected(t *testing.T) {
	assert.NoError(t, ValidateProjectName("cch-abc123"))
	assert.True(t, fsm.IsCCH("cch-abc123"))
}
