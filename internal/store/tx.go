// Package store implements the gateway's persistent state: ProjectStore and
// CustomDomainStore, both backed by database/sql. The teacher generated its
// persistence layer with ent; fleetgate hand-writes the same queries since
// code generation isn't available here, but keeps the teacher's
// transaction-wrapper idiom (internal/db.WithTx) adapted to *sql.Tx.
package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Dialect distinguishes the two drivers fleetgate supports: sqlite for
// single-node/dev deployments (mattn/go-sqlite3) and postgres for
// multi-instance ones (lib/pq).
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// rebind rewrites a query written with `?` placeholders into the target
// dialect's native placeholder syntax. Every query in this package is
// authored against sqlite's `?` convention and passed through rebind before
// executing, the same trick sqlx's Rebind uses.
func rebind(d Dialect, query string) string {
	if d == DialectSQLite {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, '$')
			out = append(out, []byte(fmt.Sprintf("%d", n))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

// WithTx wraps fn in a database transaction, following the teacher's
// internal/db.WithTx pattern: commit on success, rollback (re-panicking) on
// panic, rollback on error (fn's error is returned as is, wrapped only when
// the rollback itself also fails).
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if v := recover(); v != nil {
			_ = tx.Rollback()
			panic(v)
		}
	}()

	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rerr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
