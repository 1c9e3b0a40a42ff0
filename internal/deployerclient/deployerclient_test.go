package deployerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetgate/internal/deployment"
)

func TestList_DecodesDeploymentRecords(t *testing.T) {
	want := []deployment.Record{
		{ID: uuid.New(), ProjectID: "matrix", State: deployment.StateRunning},
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/deployments/matrix", r.URL.Path)
		_ = json.NewEncoder(w).Encode(want)
	}))
	defer ts.Close()

	c := New()
	got, err := c.List(context.Background(), ts.URL, "matrix")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want[0].ID, got[0].ID)
	assert.Equal(t, deployment.StateRunning, got[0].State)
}

func TestList_ErrorsOnNonOKStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := New()
	_, err := c.List(context.Background(), ts.URL, "matrix")
	require.Error(t, err)
}

func TestStop_SendsDeleteToDeploymentRoute(t *testing.T) {
	id := uuid.New()
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := New()
	err := c.Stop(context.Background(), ts.URL, "matrix", id.String())
	require.NoError(t, err)
	assert.Equal(t, "/deployments/matrix/"+id.String(), gotPath)
}

func TestStop_ErrorsOnNonOKStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := New()
	err := c.Stop(context.Background(), ts.URL, "matrix", uuid.New().String())
	require.Error(t, err)
}

func TestBuilding_ClassifiesStates(t *testing.T) {
	for _, s := range []deployment.State{deployment.StateQueued, deployment.StateBuilding, deployment.StateBuilt, deployment.StateLoading} {
		assert.True(t, Building(s), s)
	}
	for _, s := range []deployment.State{deployment.StateRunning, deployment.StateCompleted, deployment.StateStopped, deployment.StateCrashed} {
		assert.False(t, Building(s), s)
	}
}
