// Package admission implements AdmissionController (spec §4.8): the
// pre-flight quota and capacity check gating project creation and
// start/wake.
package admission

import (
	"context"

	"fleetgate/internal/claims"
	"fleetgate/internal/fleeterr"
	"fleetgate/internal/fsm"
)

const (
	// MaxProjectsDefault is the soft limit for Basic-tier accounts.
	MaxProjectsDefault = 3
	// MaxProjectsExtra is the hard limit for Pro/Admin-tier accounts.
	MaxProjectsExtra = 15
)

// ProjectCounter reports how many projects an account already owns.
type ProjectCounter interface {
	CountByOwner(ctx context.Context, owner string) (int, error)
}

// CapacityGauge reports the global running-container count used to gate
// project start/wake independent of any single account's quota.
type CapacityGauge interface {
	RunningContainers(ctx context.Context) (int, error)
}

// Controller implements spec §4.8's admission decision.
type Controller struct {
	projects ProjectCounter
	capacity CapacityGauge
	// GlobalContainerBudget is the hard ceiling no tier may exceed.
	GlobalContainerBudget int
}

func New(projects ProjectCounter, capacity CapacityGauge, globalContainerBudget int) *Controller {
	return &Controller{projects: projects, capacity: capacity, GlobalContainerBudget: globalContainerBudget}
}

// AdmitCreate decides whether owner may create a new project named
// projectName, per spec §4.8: CCH-class projects bypass the per-account
// count; Basic accounts are capped at MaxProjectsDefault; Pro/Admin at
// MaxProjectsExtra; the global container budget binds everyone.
func (c *Controller) AdmitCreate(ctx context.Context, owner string, tier claims.Tier, projectName string) error {
	if !fsm.IsCCH(projectName) {
		count, err := c.projects.CountByOwner(ctx, owner)
		if err != nil {
			return fleeterr.Wrap(fleeterr.KindInternal, "counting projects for admission", err)
		}

		limit := MaxProjectsDefault
		if tier == claims.TierPro || tier == claims.TierAdmin {
			limit = MaxProjectsExtra
		}
		if count >= limit {
			return fleeterr.New(fleeterr.KindProjectLimitExceeded, "project limit exceeded for this account")
		}
	}

	return c.admitCapacity(ctx)
}

// AdmitStart decides whether a stopped project may be woken, gated purely
// by the global container budget (spec §4.8).
func (c *Controller) AdmitStart(ctx context.Context) error {
	return c.admitCapacity(ctx)
}

func (c *Controller) admitCapacity(ctx context.Context) error {
	if c.capacity == nil || c.GlobalContainerBudget <= 0 {
		return nil
	}
	running, err := c.capacity.RunningContainers(ctx)
	if err != nil {
		return fleeterr.Wrap(fleeterr.KindInternal, "reading running container count", err)
	}
	if running >= c.GlobalContainerBudget {
		return fleeterr.New(fleeterr.KindCapacityExhausted, "global container budget exhausted")
	}
	return nil
}
