package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fleetgate/internal/fleeterr"
)

// CustomDomainRecord is the stored certificate/key pair for one FQDN that
// isn't the gateway's own wildcard (spec §4.1 glossary "custom domain").
type CustomDomainRecord struct {
	FQDN        string
	ProjectName string
	Certificate []byte
	PrivateKey  []byte
	NotAfter    time.Time
	CreatedAt   time.Time
}

// CustomDomainStore persists the certificates CertResolver serves for
// non-wildcard hosts.
type CustomDomainStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewCustomDomainStore(db *sql.DB, dialect Dialect) *CustomDomainStore {
	return &CustomDomainStore{db: db, dialect: dialect}
}

func (s *CustomDomainStore) q(query string) string { return rebind(s.dialect, query) }

// Upsert stores or replaces the certificate for fqdn, used on both initial
// issuance and renewal (spec §4.2, S6).
func (s *CustomDomainStore) Upsert(ctx context.Context, rec CustomDomainRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO custom_domains (fqdn, project_name, certificate, private_key, not_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(fqdn) DO UPDATE SET
			project_name = excluded.project_name,
			certificate  = excluded.certificate,
			private_key  = excluded.private_key,
			not_after    = excluded.not_after
	`), rec.FQDN, rec.ProjectName, rec.Certificate, rec.PrivateKey, rec.NotAfter, rec.CreatedAt)
	if err != nil {
		return fleeterr.Wrap(fleeterr.KindInternal, "upserting custom domain", err)
	}
	return nil
}

// Find looks up the certificate for fqdn.
func (s *CustomDomainStore) Find(ctx context.Context, fqdn string) (CustomDomainRecord, error) {
	var rec CustomDomainRecord
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT fqdn, project_name, certificate, private_key, not_after, created_at
		FROM custom_domains WHERE fqdn = ?
	`), fqdn).Scan(&rec.FQDN, &rec.ProjectName, &rec.Certificate, &rec.PrivateKey, &rec.NotAfter, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CustomDomainRecord{}, fleeterr.New(fleeterr.KindCustomDomainNotFound, "custom domain "+fqdn+" not found")
	}
	if err != nil {
		return CustomDomainRecord{}, fleeterr.Wrap(fleeterr.KindInternal, "finding custom domain", err)
	}
	return rec, nil
}

// ListExpiringBy returns every custom domain whose certificate expires at or
// before cutoff, driving the ACME renewal sweep (spec §8 "30-day window").
func (s *CustomDomainStore) ListExpiringBy(ctx context.Context, cutoff time.Time) ([]CustomDomainRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT fqdn, project_name, certificate, private_key, not_after, created_at
		FROM custom_domains WHERE not_after <= ? ORDER BY not_after ASC
	`), cutoff)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.KindInternal, "listing expiring custom domains", err)
	}
	defer rows.Close()

	var out []CustomDomainRecord
	for rows.Next() {
		var rec CustomDomainRecord
		if err := rows.Scan(&rec.FQDN, &rec.ProjectName, &rec.Certificate, &rec.PrivateKey, &rec.NotAfter, &rec.CreatedAt); err != nil {
			return nil, fleeterr.Wrap(fleeterr.KindInternal, "scanning custom domain row", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fleeterr.Wrap(fleeterr.KindInternal, "iterating custom domains", err)
	}
	return out, nil
}

// Delete removes the certificate for fqdn.
func (s *CustomDomainStore) Delete(ctx context.Context, fqdn string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM custom_domains WHERE fqdn = ?`), fqdn)
	if err != nil {
		return fleeterr.Wrap(fleeterr.KindInternal, "deleting custom domain", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fleeterr.Wrap(fleeterr.KindInternal, "checking rows affected", err)
	}
	if n == 0 {
		return fleeterr.New(fleeterr.KindCustomDomainNotFound, "custom domain "+fqdn+" not found")
	}
	return nil
}
