// Package deployment implements DeploymentFSM (spec §4.11): the
// per-deployment state machine driven inside each deployer process.
// Rather than the source's "scope-entry observer" (a tracing span whose
// close hook persists and logs a transition — confirmed by
// original_source/deployer/src/deployment/state_change_layer.rs), this
// carries explicit record_state(event) calls at the exact points the
// span used to wrap (spec §9 REDESIGN), each one persisting the new
// state and emitting a single zap log line as an independent call on the
// same event struct.
package deployment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleetgate/internal/fleeterr"
	"fleetgate/internal/gitmeta"
)

// State tags a deployment's position in its lifecycle (spec §3, §4.11).
type State string

const (
	StateQueued    State = "queued"
	StateBuilding  State = "building"
	StateBuilt     State = "built"
	StateLoading   State = "loading"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateCrashed   State = "crashed"
	StateUnknown   State = "unknown"
)

// terminal reports whether no further transition is expected once a
// deployment reaches this state (spec §8 Law: "once Crashed or Stopped,
// it does not return to Running").
func terminal(s State) bool {
	switch s {
	case StateCompleted, StateStopped, StateCrashed:
		return true
	default:
		return false
	}
}

// allowed is the DeploymentFSM's edge set: Queued -> Building -> Built ->
// Loading -> Running -> {Completed | Stopped | Crashed}, plus Queued,
// Building, Built and Loading -> Crashed directly (a crash before serving
// skips the remaining named states).
var allowed = map[State]map[State]bool{
	StateQueued:   {StateBuilding: true, StateCrashed: true},
	StateBuilding: {StateBuilt: true, StateCrashed: true},
	StateBuilt:    {StateLoading: true, StateCrashed: true},
	StateLoading:  {StateRunning: true, StateCrashed: true},
	StateRunning:  {StateCompleted: true, StateStopped: true, StateCrashed: true},
}

// Record is the persisted row for one deployment (spec §3 DeploymentRecord).
type Record struct {
	ID         uuid.UUID
	ServiceID  string
	ProjectID  string
	State      State
	LastUpdate time.Time
	Git        gitmeta.Metadata
	Address    string
	Resources  []string // resource type names; nothing in this module fills or reads it
}

// Store is an in-memory DeploymentRecord store. The SQL schema backing a
// deployer's own persistence is out of scope (spec §1); only these
// semantic operations and their monotonicity guarantee are specified.
type Store struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Record
}

func NewStore() *Store {
	return &Store{records: make(map[uuid.UUID]*Record)}
}

// Create starts a new deployment in Queued state.
func (s *Store) Create(projectID, serviceID string, git gitmeta.Metadata) *Record {
	rec := &Record{
		ID:         uuid.New(),
		ServiceID:  serviceID,
		ProjectID:  projectID,
		State:      StateQueued,
		LastUpdate: time.Now(),
		Git:        gitmeta.Truncate(git),
	}
	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()
	return rec
}

func (s *Store) Find(id uuid.UUID) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, fleeterr.New(fleeterr.KindProjectNotFound, "deployment not found")
	}
	return *rec, nil
}

// ListByProject returns every deployment ever recorded for projectID,
// newest first, retained after completion for history (spec §3).
func (s *Store) ListByProject(projectID string, offset, limit int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []Record
	for _, rec := range s.records {
		if rec.ProjectID == projectID {
			all = append(all, *rec)
		}
	}
	sortByLastUpdateDesc(all)

	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if end > len(all) || limit <= 0 {
		end = len(all)
	}
	return all[offset:end]
}

func (s *Store) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return fleeterr.New(fleeterr.KindProjectNotFound, "deployment not found")
	}
	delete(s.records, id)
	return nil
}

func sortByLastUpdateDesc(recs []Record) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].LastUpdate.After(recs[j-1].LastUpdate); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

// FSM drives transitions for deployments in one Store, replacing the
// source's scope-entry layer with explicit calls (see package doc).
type FSM struct {
	store *Store
	log   *zap.Logger
}

func NewFSM(store *Store, log *zap.Logger) *FSM {
	return &FSM{store: store, log: log}
}

// RecordState implements record_state(event): validates the edge against
// the lifecycle graph, persists the new state with a monotonic
// last_update, and emits one log line — the two halves of what the
// source's tracing-span-close hook did implicitly.
func (f *FSM) RecordState(ctx context.Context, id uuid.UUID, next State, address string) error {
	if id == uuid.Nil {
		f.log.Warn("dropping state update with nil deployment id", zap.String("state", string(next)))
		return nil
	}

	f.store.mu.Lock()
	rec, ok := f.store.records[id]
	if !ok {
		f.store.mu.Unlock()
		f.log.Warn("dropping state update for unknown deployment", zap.String("deployment_id", id.String()))
		return nil
	}

	prev := rec.State
	if !f.transitionAllowed(prev, next) {
		f.store.mu.Unlock()
		return fleeterr.New(fleeterr.KindInternal, "invalid deployment transition "+string(prev)+" -> "+string(next))
	}

	now := time.Now()
	if !now.After(rec.LastUpdate) {
		now = rec.LastUpdate.Add(time.Nanosecond)
	}
	rec.State = next
	rec.LastUpdate = now
	if address != "" {
		rec.Address = address
	}
	f.store.mu.Unlock()

	f.log.Info("deployment state transition",
		zap.String("deployment_id", id.String()),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
	)
	return nil
}

// Kill forcibly stops a deployment regardless of its current lifecycle
// position, mirroring original_source/deployer/src/handlers/mod.rs's
// delete_deployment -> deployment_manager.kill(...): the record stays in
// Store, retained for history (spec §3), it is only moved to Stopped. A
// deployment already in a terminal state is left alone.
func (f *FSM) Kill(ctx context.Context, id uuid.UUID) (Record, error) {
	f.store.mu.Lock()
	rec, ok := f.store.records[id]
	if !ok {
		f.store.mu.Unlock()
		return Record{}, fleeterr.New(fleeterr.KindProjectNotFound, "deployment not found")
	}

	prev := rec.State
	if !terminal(prev) {
		now := time.Now()
		if !now.After(rec.LastUpdate) {
			now = rec.LastUpdate.Add(time.Nanosecond)
		}
		rec.State = StateStopped
		rec.LastUpdate = now
	}
	out := *rec
	f.store.mu.Unlock()

	if prev != out.State {
		f.log.Info("deployment killed",
			zap.String("deployment_id", id.String()),
			zap.String("from", string(prev)),
			zap.String("to", string(out.State)),
		)
	}
	return out, nil
}

func (f *FSM) transitionAllowed(prev, next State) bool {
	if prev == next {
		return true
	}
	if terminal(prev) {
		return false
	}
	edges, ok := allowed[prev]
	return ok && edges[next]
}
