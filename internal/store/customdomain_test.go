package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetgate/internal/fleeterr"
)

func TestCustomDomainStore_UpsertAndFind(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	projects := NewProjectStore(db, DialectSQLite)
	domains := NewCustomDomainStore(db, DialectSQLite)

	_, err := projects.Create(ctx, "matrix", "neo", "matrix.example.com", 0, "k")
	require.NoError(t, err)

	notAfter := time.Now().Add(60 * 24 * time.Hour)
	rec := CustomDomainRecord{
		FQDN:        "example.com",
		ProjectName: "matrix",
		Certificate: []byte("cert-v1"),
		PrivateKey:  []byte("key-v1"),
		NotAfter:    notAfter,
	}
	require.NoError(t, domains.Upsert(ctx, rec))

	found, err := domains.Find(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "matrix", found.ProjectName)
	assert.Equal(t, []byte("cert-v1"), found.Certificate)
}

func TestCustomDomainStore_UpsertRenewsInPlace(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	projects := NewProjectStore(db, DialectSQLite)
	domains := NewCustomDomainStore(db, DialectSQLite)

	_, err := projects.Create(ctx, "matrix", "neo", "matrix.example.com", 0, "k")
	require.NoError(t, err)

	oldNotAfter := time.Now().Add(10 * 24 * time.Hour)
	require.NoError(t, domains.Upsert(ctx, CustomDomainRecord{
		FQDN: "example.com", ProjectName: "matrix",
		Certificate: []byte("v1"), PrivateKey: []byte("k1"), NotAfter: oldNotAfter,
	}))

	newNotAfter := time.Now().Add(90 * 24 * time.Hour)
	require.NoError(t, domains.Upsert(ctx, CustomDomainRecord{
		FQDN: "example.com", ProjectName: "matrix",
		Certificate: []byte("v2"), PrivateKey: []byte("k2"), NotAfter: newNotAfter,
	}))

	found, err := domains.Find(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), found.Certificate)
	assert.WithinDuration(t, newNotAfter, found.NotAfter, time.Second)
}

func TestCustomDomainStore_FindNotFound(t *testing.T) {
	ctx := context.Background()
	domains := NewCustomDomainStore(newTestDB(t), DialectSQLite)

	_, err := domains.Find(ctx, "ghost.example.com")
	require.Error(t, err)
	assert.Equal(t, fleeterr.KindCustomDomainNotFound, fleeterr.KindOf(err))
}

func TestCustomDomainStore_ListExpiringBy(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	projects := NewProjectStore(db, DialectSQLite)
	domains := NewCustomDomainStore(db, DialectSQLite)

	_, err := projects.Create(ctx, "matrix", "neo", "x", 0, "k")
	require.NoError(t, err)

	soon := time.Now().Add(5 * 24 * time.Hour)
	later := time.Now().Add(90 * 24 * time.Hour)
	require.NoError(t, domains.Upsert(ctx, CustomDomainRecord{FQDN: "soon.example.com", ProjectName: "matrix", Certificate: []byte("c"), PrivateKey: []byte("k"), NotAfter: soon}))
	require.NoError(t, domains.Upsert(ctx, CustomDomainRecord{FQDN: "later.example.com", ProjectName: "matrix", Certificate: []byte("c"), PrivateKey: []byte("k"), NotAfter: later}))

	cutoff := time.Now().Add(30 * 24 * time.Hour)
	expiring, err := domains.ListExpiringBy(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, "soon.example.com", expiring[0].FQDN)
}

func TestCustomDomainStore_Delete(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	projects := NewProjectStore(db, DialectSQLite)
	domains := NewCustomDomainStore(db, DialectSQLite)

	_, err := projects.Create(ctx, "matrix", "neo", "x", 0, "k")
	require.NoError(t, err)
	require.NoError(t, domains.Upsert(ctx, CustomDomainRecord{FQDN: "example.com", ProjectName: "matrix", Certificate: []byte("c"), PrivateKey: []byte("k"), NotAfter: time.Now()}))

	require.NoError(t, domains.Delete(ctx, "example.com"))

	err = domains.Delete(ctx, "example.com")
	require.Error(t, err)
	assert.Equal(t, fleeterr.KindCustomDomainNotFound, fleeterr.KindOf(err))
}
