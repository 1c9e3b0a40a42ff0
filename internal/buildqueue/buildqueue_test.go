package buildqueue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_LocalModeGrantsUpToCapacity(t *testing.T) {
	q := New(nil, 2)
	ctx := context.Background()

	granted, err := q.Acquire(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = q.Acquire(ctx, "d2")
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = q.Acquire(ctx, "d3")
	require.NoError(t, err)
	assert.False(t, granted)
}

func TestAcquire_LocalModeIsIdempotent(t *testing.T) {
	q := New(nil, 1)
	ctx := context.Background()

	granted, err := q.Acquire(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = q.Acquire(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestRelease_FreesLocalSlot(t *testing.T) {
	q := New(nil, 1)
	ctx := context.Background()

	_, err := q.Acquire(ctx, "d1")
	require.NoError(t, err)
	require.NoError(t, q.Release(ctx, "d1"))

	granted, err := q.Acquire(ctx, "d2")
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestDefaultCapacity_AtLeastOne(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultCapacity(), 1)
}
