package resourcebroker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetgate/internal/fleeterr"
)

type fakeRecorder struct {
	resources  []ResourceSummary
	deleteErrs map[string]error
}

func (f *fakeRecorder) List(ctx context.Context, projectName string) ([]ResourceSummary, error) {
	return f.resources, nil
}

func (f *fakeRecorder) Delete(ctx context.Context, projectName, resourceType string) error {
	if err, ok := f.deleteErrs[resourceType]; ok {
		return err
	}
	return nil
}

func TestDeleteAll_NoResourcesIsNoop(t *testing.T) {
	b := New(&fakeRecorder{})
	require.NoError(t, b.DeleteAll(context.Background(), "matrix"))
}

func TestDeleteAll_AllSucceed(t *testing.T) {
	b := New(&fakeRecorder{resources: []ResourceSummary{{Type: "database"}, {Type: "secrets"}}})
	require.NoError(t, b.DeleteAll(context.Background(), "matrix"))
}

func TestDeleteAll_ListsOnlyFailedSubset(t *testing.T) {
	b := New(&fakeRecorder{
		resources:  []ResourceSummary{{Type: "database"}, {Type: "secrets"}},
		deleteErrs: map[string]error{"database": errors.New("recorder unavailable")},
	})

	err := b.DeleteAll(context.Background(), "matrix")
	require.Error(t, err)
	assert.Equal(t, fleeterr.KindProjectHasResources, fleeterr.KindOf(err))

	fgErr, ok := fleeterr.As(err)
	require.True(t, ok)
	assert.Equal(t, []string{"database"}, fgErr.Resource)
}
