package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"fleetgate/internal/fleeterr"
	"fleetgate/internal/fsm"
)

// projectIDSource mints project-ids: a stable, lexicographically sortable
// ULID (spec §3), distinct from deployment-ids, which are random UUIDs
// (internal/deployment). ulid.Monotonic is not safe for concurrent use on
// its own, hence the mutex.
var (
	projectIDMu     sync.Mutex
	projectIDSource = ulid.Monotonic(rand.Reader, 0)
)

func newProjectID() ulid.ULID {
	projectIDMu.Lock()
	defer projectIDMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), projectIDSource)
}

// projectNamePattern implements spec §4.1/§8: lower-alphanumeric with
// internal hyphens, 3-63 chars, no leading/trailing hyphen.
var projectNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{1,61})[a-z0-9]$`)

// ValidateProjectName checks the name against the boundary rules in spec
// §8 ("Project name validation rejects uppercase, leading/trailing hyphens,
// length outside [3,63], and reserved prefixes"). The `cch` prefix is a
// distinct, still-valid class (fsm.IsCCH), not a rejection.
func ValidateProjectName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return fleeterr.New(fleeterr.KindInvalidProjectName, "project name must be 3-63 characters")
	}
	if !projectNamePattern.MatchString(name) {
		return fleeterr.New(fleeterr.KindInvalidProjectName, "project name must be lowercase alphanumeric with internal hyphens only")
	}
	return nil
}

// ProjectRecord is the persisted row for a single project.
type ProjectRecord struct {
	Name            string
	ID              ulid.ULID
	Owner           string
	FQDN            string
	IdleMinutes     int
	InitialKey      string
	State           fsm.State
	ContainerHandle string
	CreatedAt       time.Time
	LastUpdated     time.Time
}

// Page is a slice of records plus whether more remain beyond limit.
type Page struct {
	Records []ProjectRecord
	HasMore bool
}

// ProjectStore implements spec §4.1's operations against database/sql.
type ProjectStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewProjectStore(db *sql.DB, dialect Dialect) *ProjectStore {
	return &ProjectStore{db: db, dialect: dialect}
}

func (s *ProjectStore) q(query string) string { return rebind(s.dialect, query) }

// Create inserts a new project in the Creating state. Uniqueness on `name`
// is enforced by the primary key, making create atomic (spec §4.1).
func (s *ProjectStore) Create(ctx context.Context, name, owner, fqdn string, idleMinutes int, initialKey string) (ProjectRecord, error) {
	if err := ValidateProjectName(name); err != nil {
		return ProjectRecord{}, err
	}

	now := time.Now().UTC()
	rec := ProjectRecord{
		Name:        name,
		ID:          newProjectID(),
		Owner:       owner,
		FQDN:        fqdn,
		IdleMinutes: idleMinutes,
		InitialKey:  initialKey,
		State:       fsm.Creating(fsm.EffectiveIdleMinutes(name, idleMinutes)),
		CreatedAt:   now,
		LastUpdated: now,
	}

	stateJSON, err := json.Marshal(rec.State)
	if err != nil {
		return ProjectRecord{}, fleeterr.Wrap(fleeterr.KindInternal, "marshaling initial state", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO projects (name, id, owner, fqdn, idle_minutes, initial_key, state_kind, state_json, container_handle, created_at, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)
	`), rec.Name, rec.ID.String(), rec.Owner, rec.FQDN, rec.IdleMinutes, rec.InitialKey, string(rec.State.Kind), string(stateJSON), rec.CreatedAt, rec.LastUpdated)
	if err != nil {
		if isUniqueViolation(err) {
			return ProjectRecord{}, fleeterr.New(fleeterr.KindProjectAlreadyExists, "project "+name+" already exists")
		}
		return ProjectRecord{}, fleeterr.Wrap(fleeterr.KindInternal, "inserting project", err)
	}
	return rec, nil
}

// Find looks up a project by name.
func (s *ProjectStore) Find(ctx context.Context, name string) (ProjectRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT name, id, owner, fqdn, idle_minutes, initial_key, state_json, container_handle, created_at, last_updated
		FROM projects WHERE name = ?
	`), name)
	return scanProject(row)
}

// FindByOwner paginates a single owner's projects (spec §4.1, §6 pagination).
func (s *ProjectStore) FindByOwner(ctx context.Context, owner string, offset, limit int) (Page, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT name, id, owner, fqdn, idle_minutes, initial_key, state_json, container_handle, created_at, last_updated
		FROM projects WHERE owner = ? ORDER BY created_at ASC LIMIT ? OFFSET ?
	`), owner, limit+1, offset)
	if err != nil {
		return Page{}, fleeterr.Wrap(fleeterr.KindInternal, "querying projects by owner", err)
	}
	defer rows.Close()

	var records []ProjectRecord
	for rows.Next() {
		rec, err := scanProjectRows(rows)
		if err != nil {
			return Page{}, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fleeterr.Wrap(fleeterr.KindInternal, "iterating projects by owner", err)
	}

	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}
	return Page{Records: records, HasMore: hasMore}, nil
}

// CountByOwner implements the admission-control invariant (spec §8.4).
func (s *ProjectStore) CountByOwner(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM projects WHERE owner = ?`), owner).Scan(&n)
	if err != nil {
		return 0, fleeterr.Wrap(fleeterr.KindInternal, "counting projects by owner", err)
	}
	return n, nil
}

// UpdateState performs a blind write (expectedPrev == nil) or a
// compare-and-set (expectedPrev != nil) per spec §4.1.
func (s *ProjectStore) UpdateState(ctx context.Context, name string, expectedPrev *fsm.Kind, next fsm.State, containerHandle string) error {
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return fleeterr.Wrap(fleeterr.KindInternal, "marshaling next state", err)
	}

	return WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var currentKind string
		err := tx.QueryRowContext(ctx, s.q(`SELECT state_kind FROM projects WHERE name = ?`), name).Scan(&currentKind)
		if errors.Is(err, sql.ErrNoRows) {
			return fleeterr.New(fleeterr.KindProjectNotFound, "project "+name+" not found")
		}
		if err != nil {
			return fleeterr.Wrap(fleeterr.KindInternal, "reading current state", err)
		}

		if expectedPrev != nil && fsm.Kind(currentKind) != *expectedPrev {
			return fleeterr.New(fleeterr.KindConflict, "project "+name+" state changed concurrently")
		}

		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE projects SET state_kind = ?, state_json = ?, container_handle = ?, last_updated = ? WHERE name = ?
		`), string(next.Kind), string(nextJSON), containerHandle, time.Now().UTC(), name)
		if err != nil {
			return fleeterr.Wrap(fleeterr.KindInternal, "updating project state", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fleeterr.Wrap(fleeterr.KindInternal, "checking rows affected", err)
		}
		if n == 0 {
			return fleeterr.New(fleeterr.KindProjectNotFound, "project "+name+" not found")
		}
		return nil
	})
}

// Delete removes a project row.
func (s *ProjectStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM projects WHERE name = ?`), name)
	if err != nil {
		return fleeterr.Wrap(fleeterr.KindInternal, "deleting project", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fleeterr.Wrap(fleeterr.KindInternal, "checking rows affected", err)
	}
	if n == 0 {
		return fleeterr.New(fleeterr.KindProjectNotFound, "project "+name+" not found")
	}
	return nil
}

// IterReady streams every project currently in the Ready state, used by the
// health-check scheduler.
func (s *ProjectStore) IterReady(ctx context.Context) ([]ProjectRecord, error) {
	return s.iterWithKind(ctx, string(fsm.KindReady))
}

// IterAllDetailed streams every project regardless of state, used by
// cmd/gateway's running-container gauge for admission control.
func (s *ProjectStore) IterAllDetailed(ctx context.Context) ([]ProjectRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT name, id, owner, fqdn, idle_minutes, initial_key, state_json, container_handle, created_at, last_updated
		FROM projects ORDER BY name ASC
	`))
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.KindInternal, "iterating all projects", err)
	}
	defer rows.Close()
	return collectProjects(rows)
}

func (s *ProjectStore) iterWithKind(ctx context.Context, kind string) ([]ProjectRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT name, id, owner, fqdn, idle_minutes, initial_key, state_json, container_handle, created_at, last_updated
		FROM projects WHERE state_kind = ? ORDER BY name ASC
	`), kind)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.KindInternal, "iterating projects by state", err)
	}
	defer rows.Close()
	return collectProjects(rows)
}

func collectProjects(rows *sql.Rows) ([]ProjectRecord, error) {
	var out []ProjectRecord
	for rows.Next() {
		rec, err := scanProjectRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fleeterr.Wrap(fleeterr.KindInternal, "iterating projects", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (ProjectRecord, error) {
	rec, err := scanProjectRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ProjectRecord{}, fleeterr.New(fleeterr.KindProjectNotFound, "project not found")
	}
	return rec, err
}

func scanProjectRows(row scanner) (ProjectRecord, error) {
	var (
		rec      ProjectRecord
		idStr    string
		stateRaw string
	)
	if err := row.Scan(&rec.Name, &idStr, &rec.Owner, &rec.FQDN, &rec.IdleMinutes, &rec.InitialKey, &stateRaw, &rec.ContainerHandle, &rec.CreatedAt, &rec.LastUpdated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProjectRecord{}, err
		}
		return ProjectRecord{}, fleeterr.Wrap(fleeterr.KindInternal, "scanning project row", err)
	}
	id, err := ulid.Parse(idStr)
	if err != nil {
		return ProjectRecord{}, fleeterr.Wrap(fleeterr.KindProjectCorrupted, "parsing project id", err)
	}
	rec.ID = id

	var state fsm.State
	if err := json.Unmarshal([]byte(stateRaw), &state); err != nil {
		return ProjectRecord{}, fleeterr.Wrap(fleeterr.KindProjectCorrupted, "parsing project state", err)
	}
	rec.State = state
	return rec, nil
}

// isUniqueViolation recognizes the unique-constraint error text sqlite3 and
// lib/pq both surface; there's no portable sql.ErrX for this.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return contains(msg, "UNIQUE constraint") || contains(msg, "duplicate key value")
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
