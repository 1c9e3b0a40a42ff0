// Package loadmonitor implements LoadMonitor (spec §4.14): a TTL-keyed
// counter of in-flight builds with a derived has_capacity boolean,
// optionally mirrored into Redis so capacity state survives a gateway
// restart (spec Non-goals keep horizontal scaling out of scope, but a
// restart-durable counter is still worth the optional dependency).
package loadmonitor

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetgate/internal/fleeterr"
)

// DefaultTTL bounds how long a recorded build slot counts against
// capacity if it is never explicitly cleared (a crashed deployer should
// not permanently consume a slot).
const DefaultTTL = 30 * time.Minute

// Monitor is the in-memory TTL map behind a mutex described by spec §5
// "Shared resources"; every read may prune expired entries.
type Monitor struct {
	mu       sync.Mutex
	slots    map[string]time.Time // deployment_id -> acquired_at
	capacity int
	ttl      time.Duration
	redis    *redis.Client
	redisKey string
}

// New builds a Monitor with the given capacity, supplied by the caller
// (cmd/gateway passes its --load-capacity flag, default 64). redisClient
// may be nil to run in pure in-memory mode.
func New(capacity int, redisClient *redis.Client) *Monitor {
	return &Monitor{
		slots:    make(map[string]time.Time),
		capacity: capacity,
		ttl:      DefaultTTL,
		redis:    redisClient,
		redisKey: "fleetgate:load:slots",
	}
}

// Record adds deploymentID to the in-flight set, mirroring into Redis
// when configured.
func (m *Monitor) Record(ctx context.Context, deploymentID string) error {
	m.mu.Lock()
	m.prune()
	m.slots[deploymentID] = time.Now()
	m.mu.Unlock()

	if m.redis != nil {
		if err := m.redis.SetEx(ctx, m.redisKey+":"+deploymentID, "1", m.ttl).Err(); err != nil {
			return fleeterr.Wrap(fleeterr.KindInternal, "mirroring load slot to redis", err)
		}
	}
	return nil
}

// Clear removes deploymentID from the in-flight set.
func (m *Monitor) Clear(ctx context.Context, deploymentID string) error {
	m.mu.Lock()
	delete(m.slots, deploymentID)
	m.mu.Unlock()

	if m.redis != nil {
		if err := m.redis.Del(ctx, m.redisKey+":"+deploymentID).Err(); err != nil {
			return fleeterr.Wrap(fleeterr.KindInternal, "clearing load slot in redis", err)
		}
	}
	return nil
}

// Len reports the current in-flight count after pruning expired slots.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	return len(m.slots)
}

// HasCapacity implements spec §8 invariant 7: true iff the in-flight
// count is strictly below capacity.
func (m *Monitor) HasCapacity() bool {
	return m.Len() < m.capacity
}

// Capacity reports the configured slot ceiling.
func (m *Monitor) Capacity() int { return m.capacity }

// prune drops slots older than ttl; callers must hold mu.
func (m *Monitor) prune() {
	if m.ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.ttl)
	for id, acquired := range m.slots {
		if acquired.Before(cutoff) {
			delete(m.slots, id)
		}
	}
}
