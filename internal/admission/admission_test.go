package admission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetgate/internal/claims"
	"fleetgate/internal/fleeterr"
)

type fakeCounter struct{ n int }

func (f fakeCounter) CountByOwner(ctx context.Context, owner string) (int, error) { return f.n, nil }

type fakeCapacity struct{ running int }

func (f fakeCapacity) RunningContainers(ctx context.Context) (int, error) { return f.running, nil }

func TestAdmitCreate_BasicUserAtSoftLimitRejected(t *testing.T) {
	c := New(fakeCounter{n: MaxProjectsDefault}, fakeCapacity{running: 0}, 100)
	err := c.AdmitCreate(context.Background(), "neo", claims.TierBasic, "fourth")
	require.Error(t, err)
	assert.Equal(t, fleeterr.KindProjectLimitExceeded, fleeterr.KindOf(err))
}

func TestAdmitCreate_BasicUserUnderLimitAllowed(t *testing.T) {
	c := New(fakeCounter{n: MaxProjectsDefault - 1}, fakeCapacity{running: 0}, 100)
	err := c.AdmitCreate(context.Background(), "neo", claims.TierBasic, "third")
	require.NoError(t, err)
}

func TestAdmitCreate_CCHBypassesPerAccountLimit(t *testing.T) {
	c := New(fakeCounter{n: MaxProjectsDefault}, fakeCapacity{running: 0}, 100)
	err := c.AdmitCreate(context.Background(), "neo", claims.TierBasic, "cch-abc123")
	require.NoError(t, err)
}

func TestAdmitCreate_ProUserAllowedUpToHardLimit(t *testing.T) {
	c := New(fakeCounter{n: MaxProjectsExtra - 1}, fakeCapacity{running: 0}, 100)
	err := c.AdmitCreate(context.Background(), "morpheus", claims.TierPro, "nth")
	require.NoError(t, err)

	c2 := New(fakeCounter{n: MaxProjectsExtra}, fakeCapacity{running: 0}, 100)
	err = c2.AdmitCreate(context.Background(), "morpheus", claims.TierPro, "nth")
	require.Error(t, err)
	assert.Equal(t, fleeterr.KindProjectLimitExceeded, fleeterr.KindOf(err))
}

func TestAdmitCreate_GlobalCapacityExhaustedEvenUnderQuota(t *testing.T) {
	c := New(fakeCounter{n: 0}, fakeCapacity{running: 100}, 100)
	err := c.AdmitCreate(context.Background(), "neo", claims.TierBasic, "first")
	require.Error(t, err)
	assert.Equal(t, fleeterr.KindCapacityExhausted, fleeterr.KindOf(err))
}

func TestAdmitStart_GatedByCapacityOnly(t *testing.T) {
	c := New(fakeCounter{n: 999}, fakeCapacity{running: 5}, 10)
	require.NoError(t, c.AdmitStart(context.Background()))

	c2 := New(fakeCounter{n: 0}, fakeCapacity{running: 10}, 10)
	err := c2.AdmitStart(context.Background())
	require.Error(t, err)
	assert.Equal(t, fleeterr.KindCapacityExhausted, fleeterr.KindOf(err))
}
