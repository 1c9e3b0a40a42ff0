package acme

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedPEM(t *testing.T, notAfter time.Time) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestParseIssued_ExtractsNotAfter(t *testing.T) {
	notAfter := time.Now().Add(60 * 24 * time.Hour).Truncate(time.Second)
	certPEM := selfSignedPEM(t, notAfter)

	issued, err := parseIssued(certPEM, []byte("key"))
	require.NoError(t, err)
	assert.WithinDuration(t, notAfter, issued.NotAfter, 2*time.Second)
}

func TestParseIssued_InvalidPEM(t *testing.T) {
	_, err := parseIssued([]byte("not a cert"), []byte("key"))
	require.Error(t, err)
}

func TestRenewIfNeeded_SkipsWhenMoreThan30DaysRemain(t *testing.T) {
	d := NewDriver("")
	notAfter := time.Now().Add(31 * 24 * time.Hour)

	outcome, err := d.RenewIfNeeded("example.com", nil, nil, notAfter)
	require.NoError(t, err)
	assert.False(t, outcome.Renewed)
	assert.Equal(t, 31, outcome.DaysRemaining)
}

func TestRenewIfNeeded_AttemptsRenewalAtExactly30Days(t *testing.T) {
	d := NewDriver("")
	notAfter := time.Now().Add(30 * 24 * time.Hour)

	_, err := d.RenewIfNeeded("example.com", nil, nil, notAfter)
	// No ACME client has been initialized (CreateAccount was never called),
	// so this must fail trying to renew rather than silently skip.
	require.Error(t, err)
}

func TestChallengeProvider_PresentCleanUpKeyAuth(t *testing.T) {
	p := NewChallengeProvider()

	_, ok := p.KeyAuth("tok1")
	assert.False(t, ok)

	require.NoError(t, p.Present("example.com", "tok1", "key-auth-1"))
	v, ok := p.KeyAuth("tok1")
	require.True(t, ok)
	assert.Equal(t, "key-auth-1", v)

	require.NoError(t, p.CleanUp("example.com", "tok1", "key-auth-1"))
	_, ok = p.KeyAuth("tok1")
	assert.False(t, ok)
}
