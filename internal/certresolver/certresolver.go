// Package certresolver implements CertResolver (spec §4.3): SNI-dispatched
// TLS certificate lookup with a default (wildcard) certificate plus
// per-fqdn overrides, updated atomically so no in-flight handshake ever
// observes a torn state. Grounded on the ingress pack's certificate-store
// reload pattern (pkg/ingress.Proxy.loadTLSCertificates), adapted from a
// bulk reload into a single-entry serve_pem/serve_default API.
package certresolver

import (
	"crypto/tls"
	"sync/atomic"

	"fleetgate/internal/fleeterr"
)

// table is the immutable snapshot swapped in on every update. Readers
// (tls.Config.GetCertificate, on the hot path of every handshake) only
// ever see a fully-built table via atomic.Pointer.Load.
type table struct {
	byFQDN  map[string]*tls.Certificate
	deflt   *tls.Certificate
}

// Resolver implements SNI dispatch for tls.Config.GetCertificate. The zero
// value is not usable; construct with New.
type Resolver struct {
	current atomic.Pointer[table]
}

func New() *Resolver {
	r := &Resolver{}
	r.current.Store(&table{byFQDN: map[string]*tls.Certificate{}})
	return r
}

// ServePEM installs (or replaces) the certificate served for fqdn. The
// swap is atomic: a handshake concurrently in flight for fqdn sees either
// the old certificate or the new one, never neither.
func (r *Resolver) ServePEM(fqdn string, certPEM, keyPEM []byte) error {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fleeterr.Wrap(fleeterr.KindInternal, "parsing certificate for "+fqdn, err)
	}

	prev := r.current.Load()
	next := &table{byFQDN: make(map[string]*tls.Certificate, len(prev.byFQDN)+1), deflt: prev.deflt}
	for k, v := range prev.byFQDN {
		next.byFQDN[k] = v
	}
	next.byFQDN[fqdn] = &cert
	r.current.Store(next)
	return nil
}

// ServeDefault installs the certificate served for any SNI name without a
// per-fqdn override — the gateway's wildcard certificate.
func (r *Resolver) ServeDefault(certPEM, keyPEM []byte) error {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fleeterr.Wrap(fleeterr.KindInternal, "parsing default certificate", err)
	}

	prev := r.current.Load()
	next := &table{byFQDN: prev.byFQDN, deflt: &cert}
	r.current.Store(next)
	return nil
}

// Remove drops a per-fqdn override, falling back to the default
// certificate for that name (used when a custom domain is deleted).
func (r *Resolver) Remove(fqdn string) {
	prev := r.current.Load()
	if _, ok := prev.byFQDN[fqdn]; !ok {
		return
	}
	next := &table{byFQDN: make(map[string]*tls.Certificate, len(prev.byFQDN)), deflt: prev.deflt}
	for k, v := range prev.byFQDN {
		if k != fqdn {
			next.byFQDN[k] = v
		}
	}
	r.current.Store(next)
}

// GetCertificate is wired into tls.Config.GetCertificate. It dispatches on
// SNI, falling back to the default certificate, and errors only when
// neither an override nor a default has ever been installed.
func (r *Resolver) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	t := r.current.Load()
	if hello != nil && hello.ServerName != "" {
		if cert, ok := t.byFQDN[hello.ServerName]; ok {
			return cert, nil
		}
	}
	if t.deflt != nil {
		return t.deflt, nil
	}
	return nil, fleeterr.New(fleeterr.KindInternal, "no default certificate installed")
}

// TLSConfig returns a *tls.Config wired to this resolver's GetCertificate,
// ready to hand to tls.NewListener.
func (r *Resolver) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: r.GetCertificate,
	}
}

// HasFQDN reports whether fqdn currently has a per-domain override
// installed, used by the bouncer to decide whether a host is a known
// custom domain worth 301-redirecting rather than 404ing.
func (r *Resolver) HasFQDN(fqdn string) bool {
	t := r.current.Load()
	_, ok := t.byFQDN[fqdn]
	return ok
}
