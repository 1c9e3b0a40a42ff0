// Package deployerclient implements the gateway-side HTTP client Router
// uses to reach a project's own deployer
// process (spec §2 ADD "Deployer client"), following the same
// baseURL+http.Client shape as internal/resourcebroker's HTTPRecorder.
// Every call is a fresh round-trip against the deployer's own HTTP
// surface (internal/deployerapi) rather than a cached connection, since a
// project's deployer address can change across restarts.
package deployerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"fleetgate/internal/deployment"
	"fleetgate/internal/fleeterr"
)

// Client talks to a single project's deployer at a time; callers pass the
// base URL (scheme://host:port) resolved from that project's container
// inspection, since fleetgate runs one deployer per project rather than a
// shared fleet-wide endpoint.
type Client struct {
	HTTPClient *http.Client
}

func New() *Client {
	return &Client{HTTPClient: http.DefaultClient}
}

// List returns the first page of deployments recorded for projectID, most
// recently updated first, from the deployer's GET /deployments/{projectID}
// route. It sends no page or limit, so the deployer applies its default
// page size of 100; deployments beyond that first page are not fetched.
func (c *Client) List(ctx context.Context, baseURL, projectID string) ([]deployment.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/deployments/"+projectID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.KindUpstream, "listing project deployments", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fleeterr.New(fleeterr.KindUpstream, fmt.Sprintf("deployer returned %d listing deployments", resp.StatusCode))
	}

	var recs []deployment.Record
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		return nil, fleeterr.Wrap(fleeterr.KindUpstream, "decoding deployment list", err)
	}
	return recs, nil
}

// Stop kills deploymentID through the deployer's DELETE
// /deployments/{projectID}/{id} route: the deployer stops any running
// container but keeps the deployment record (spec §3), so this is a
// "stop", not an erase.
func (c *Client) Stop(ctx context.Context, baseURL, projectID, deploymentID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, baseURL+"/deployments/"+projectID+"/"+deploymentID, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fleeterr.Wrap(fleeterr.KindUpstream, "stopping deployment", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fleeterr.New(fleeterr.KindUpstream, fmt.Sprintf("deployer returned %d stopping deployment", resp.StatusCode))
	}
	return nil
}

// Building reports whether s is one of the deployment states that still
// needs the build pipeline to finish (spec §4.9's "a project can be
// deleted iff all its deployments are in {Running, Completed, Crashed,
// Stopped}"): Queued/Building/Built/Loading all block a delete until they
// resolve one way or another.
func Building(s deployment.State) bool {
	switch s {
	case deployment.StateQueued, deployment.StateBuilding, deployment.StateBuilt, deployment.StateLoading:
		return true
	default:
		return false
	}
}
