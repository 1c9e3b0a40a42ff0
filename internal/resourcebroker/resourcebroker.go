// Package resourcebroker implements ResourceBroker (spec §4.1 data model,
// §4.9 delete semantics): a thin passthrough to an external resource
// recorder to list and delete a project's provisioned resources; there is
// no per-resource get.
// Typed against cargo-shuttle's provisioner_server.rs resource shape
// (spec SUPPLEMENTED FEATURES) rather than an untyped map, following the
// teacher's preference for typed DTOs over map[string]interface{} at
// every other store boundary.
package resourcebroker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-multierror"

	"fleetgate/internal/fleeterr"
)

// ResourceSummary describes one provisioned resource (a database, a
// secret store, a static-asset bucket) the way the downstream recorder
// reports it.
type ResourceSummary struct {
	Type   string
	State  string
	Config map[string]string
}

// Recorder is the external collaborator the core treats as out of scope
// (spec §1 "resource-provisioner dialect ... only the interface the core
// consumes is specified").
type Recorder interface {
	List(ctx context.Context, projectName string) ([]ResourceSummary, error)
	Delete(ctx context.Context, projectName, resourceType string) error
}

// Broker implements the thin passthrough spec §4.9 requires: list every
// resource, then attempt to delete each one, aggregating any partial
// failures into a single error.
type Broker struct {
	recorder Recorder
}

func New(recorder Recorder) *Broker {
	return &Broker{recorder: recorder}
}

func (b *Broker) List(ctx context.Context, projectName string) ([]ResourceSummary, error) {
	resources, err := b.recorder.List(ctx, projectName)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.KindInternal, "listing resources for "+projectName, err)
	}
	return resources, nil
}

// DeleteAll removes every resource for projectName, returning
// ProjectHasResources naming the subset that failed to delete when the
// recorder only partially succeeds (spec Open Question: "whether
// ResourceHasResources should list the failed-to-delete subset or all
// resources is not stated" — decided in DESIGN.md as failed-to-delete,
// since that is the actionable set an operator needs to retry).
func (b *Broker) DeleteAll(ctx context.Context, projectName string) error {
	resources, err := b.List(ctx, projectName)
	if err != nil {
		return err
	}
	if len(resources) == 0 {
		return nil
	}

	var failed []string
	var merr *multierror.Error
	for _, r := range resources {
		if err := b.recorder.Delete(ctx, projectName, r.Type); err != nil {
			failed = append(failed, r.Type)
			merr = multierror.Append(merr, err)
		}
	}
	if len(failed) > 0 {
		return fleeterr.New(fleeterr.KindProjectHasResources, merr.Error()).WithResources(failed)
	}
	return nil
}

// HTTPRecorder implements Recorder against a JSON HTTP resource recorder
// service, the shape fleetgate actually deploys against; tests use a
// fake Recorder instead of standing up a real HTTP server.
type HTTPRecorder struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPRecorder(baseURL string) *HTTPRecorder {
	return &HTTPRecorder{BaseURL: baseURL, Client: http.DefaultClient}
}

func (h *HTTPRecorder) List(ctx context.Context, projectName string) ([]ResourceSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+"/projects/"+projectName+"/resources", nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resource recorder returned %d", resp.StatusCode)
	}

	var resources []ResourceSummary
	if err := json.NewDecoder(resp.Body).Decode(&resources); err != nil {
		return nil, err
	}
	return resources, nil
}

func (h *HTTPRecorder) Delete(ctx context.Context, projectName, resourceType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		h.BaseURL+"/projects/"+projectName+"/resources/"+resourceType, nil)
	if err != nil {
		return err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("resource recorder returned %d deleting %s", resp.StatusCode, resourceType)
	}
	return nil
}
