package store

import (
	"database/sql"
	"fmt"
)

// schemaSQLite and schemaPostgres are intentionally near-identical; the only
// divergence is autoincrement/type spelling between the two drivers.
const schemaSQLite = `
CREATE TABLE IF NOT EXISTS projects (
	name             TEXT PRIMARY KEY,
	id               TEXT NOT NULL UNIQUE,
	owner            TEXT NOT NULL,
	fqdn             TEXT NOT NULL,
	idle_minutes     INTEGER NOT NULL DEFAULT 0,
	initial_key      TEXT NOT NULL,
	state_kind       TEXT NOT NULL,
	state_json       TEXT NOT NULL,
	container_handle TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP NOT NULL,
	last_updated     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner);

CREATE TABLE IF NOT EXISTS custom_domains (
	fqdn         TEXT PRIMARY KEY,
	project_name TEXT NOT NULL,
	certificate  BLOB NOT NULL,
	private_key  BLOB NOT NULL,
	not_after    TIMESTAMP NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	FOREIGN KEY (project_name) REFERENCES projects(name)
);
CREATE INDEX IF NOT EXISTS idx_custom_domains_project ON custom_domains(project_name);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS projects (
	name             TEXT PRIMARY KEY,
	id               TEXT NOT NULL UNIQUE,
	owner            TEXT NOT NULL,
	fqdn             TEXT NOT NULL,
	idle_minutes     INTEGER NOT NULL DEFAULT 0,
	initial_key      TEXT NOT NULL,
	state_kind       TEXT NOT NULL,
	state_json       TEXT NOT NULL,
	container_handle TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	last_updated     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner);

CREATE TABLE IF NOT EXISTS custom_domains (
	fqdn         TEXT PRIMARY KEY,
	project_name TEXT NOT NULL REFERENCES projects(name),
	certificate  BYTEA NOT NULL,
	private_key  BYTEA NOT NULL,
	not_after    TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_custom_domains_project ON custom_domains(project_name);
`

// Migrate runs the schema migrations on start, matching the teacher's
// main.go call to ent's Schema.Create -- here a plain idempotent DDL script
// since there's no generated migrator.
func Migrate(db *sql.DB, dialect Dialect) error {
	schema := schemaSQLite
	if dialect == DialectPostgres {
		schema = schemaPostgres
	}
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("running schema migration: %w", err)
	}
	return nil
}
