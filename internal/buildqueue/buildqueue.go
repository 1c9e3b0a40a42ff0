// Package buildqueue implements BuildQueue (spec §4.12): an admission
// token broker coordinating concurrent builds across deployers, backed by
// etcd leases so a crashed deployer's grant expires rather than leaking
// capacity forever. Grounded on the teacher's internal/etcd.Client wrapper,
// generalized from instance-registry keys to per-deployment build-grant
// keys.
package buildqueue

import (
	"context"
	"runtime"

	"fleetgate/internal/etcd"
	"fleetgate/internal/fleeterr"
)

// keyPrefix namespaces every build grant this gateway's deployers hold.
const keyPrefix = "/fleetgate/build-grants/"

// expMinutes is the lease multiplier from spec §4.12 ("60 * EXP_MINUTES
// second TTL"); a single build is expected to take on the order of a few
// minutes, so a generous multiple bounds the lease without starving a
// slow build.
const expMinutes = 10

// leaseTTLSeconds is the concrete lease lifetime every grant is issued
// with.
const leaseTTLSeconds = 60 * expMinutes

// DefaultCapacity implements spec §4.12's
// "max(1, cpu_count * 3 / 4 / 4)" formula.
func DefaultCapacity() int {
	c := runtime.NumCPU() * 3 / 4 / 4
	if c < 1 {
		return 1
	}
	return c
}

// Queue is the etcd-backed grant broker. A nil client degrades Queue to
// a purely local in-memory counter, which is sufficient for a
// single-deployer development setup (spec Non-goals: the gateway itself
// is never horizontally scaled, but deployers are independent processes,
// so distributed leases are still the correct primitive in production).
type Queue struct {
	client   *etcd.Client
	capacity int
	local    map[string]struct{}
}

func New(client *etcd.Client, capacity int) *Queue {
	return &Queue{client: client, capacity: capacity, local: make(map[string]struct{})}
}

// Acquire implements acquire(deployment_id) -> granted: bool. It never
// blocks: a full queue returns granted=false immediately so the caller
// can retry later.
func (q *Queue) Acquire(ctx context.Context, deploymentID string) (bool, error) {
	if q.client == nil {
		return q.acquireLocal(deploymentID), nil
	}

	key := keyPrefix + deploymentID
	if _, ok, err := q.client.Get(ctx, key); err != nil {
		return false, fleeterr.Wrap(fleeterr.KindInternal, "checking build grant", err)
	} else if ok {
		return true, nil // already granted; acquire is idempotent
	}

	count, err := q.countGrants(ctx)
	if err != nil {
		return false, err
	}
	if count >= q.capacity {
		return false, nil
	}

	leaseID, err := q.client.GrantLease(ctx, leaseTTLSeconds)
	if err != nil {
		return false, fleeterr.Wrap(fleeterr.KindInternal, "granting build lease", err)
	}
	if err := q.client.PutWithLease(ctx, key, deploymentID, leaseID); err != nil {
		return false, fleeterr.Wrap(fleeterr.KindInternal, "persisting build grant", err)
	}
	return true, nil
}

// Release implements release(deployment_id), freeing the slot ahead of
// the lease's natural expiry.
func (q *Queue) Release(ctx context.Context, deploymentID string) error {
	if q.client == nil {
		delete(q.local, deploymentID)
		return nil
	}
	if err := q.client.Delete(ctx, keyPrefix+deploymentID); err != nil {
		return fleeterr.Wrap(fleeterr.KindInternal, "releasing build grant", err)
	}
	return nil
}

// countGrants counts currently outstanding build grants via a prefix
// scan; expired leases are already gone from etcd by the time this runs,
// so no separate staleness check is needed.
func (q *Queue) countGrants(ctx context.Context) (int, error) {
	grants, err := q.client.GetWithPrefix(ctx, keyPrefix)
	if err != nil {
		return 0, fleeterr.Wrap(fleeterr.KindInternal, "counting build grants", err)
	}
	return len(grants), nil
}

func (q *Queue) acquireLocal(deploymentID string) bool {
	if _, ok := q.local[deploymentID]; ok {
		return true
	}
	if len(q.local) >= q.capacity {
		return false
	}
	q.local[deploymentID] = struct{}{}
	return true
}
