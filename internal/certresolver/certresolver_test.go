package certresolver

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tlsHello(serverName string) *tls.ClientHelloInfo {
	return &tls.ClientHelloInfo{ServerName: serverName}
}

func selfSigned(t *testing.T, cn string) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER := x509.MarshalPKCS1PrivateKey(key)
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func TestGetCertificate_FallsBackToDefaultWithNoOverride(t *testing.T) {
	r := New()
	certPEM, keyPEM := selfSigned(t, "*.example.com")
	require.NoError(t, r.ServeDefault(certPEM, keyPEM))

	cert, err := r.GetCertificate(tlsHello("sub.example.com"))
	require.NoError(t, err)
	assert.NotNil(t, cert)
}

func TestGetCertificate_PerFQDNOverrideWins(t *testing.T) {
	r := New()
	defaultCert, defaultKey := selfSigned(t, "*.example.com")
	require.NoError(t, r.ServeDefault(defaultCert, defaultKey))

	customCert, customKey := selfSigned(t, "custom.example.org")
	require.NoError(t, r.ServePEM("custom.example.org", customCert, customKey))

	cert, err := r.GetCertificate(tlsHello("custom.example.org"))
	require.NoError(t, err)
	require.NotNil(t, cert)
	assert.True(t, r.HasFQDN("custom.example.org"))
}

func TestGetCertificate_NoDefaultNoOverrideErrors(t *testing.T) {
	r := New()
	_, err := r.GetCertificate(tlsHello("nowhere.example.com"))
	require.Error(t, err)
}

func TestRemove_FallsBackToDefault(t *testing.T) {
	r := New()
	defaultCert, defaultKey := selfSigned(t, "*.example.com")
	require.NoError(t, r.ServeDefault(defaultCert, defaultKey))
	customCert, customKey := selfSigned(t, "custom.example.org")
	require.NoError(t, r.ServePEM("custom.example.org", customCert, customKey))

	r.Remove("custom.example.org")
	assert.False(t, r.HasFQDN("custom.example.org"))

	cert, err := r.GetCertificate(tlsHello("custom.example.org"))
	require.NoError(t, err)
	assert.NotNil(t, cert)
}

func TestServePEM_InvalidPairErrors(t *testing.T) {
	r := New()
	err := r.ServePEM("bad.example.com", []byte("not a cert"), []byte("not a key"))
	require.Error(t, err)
}
