// Package acme implements AcmeDriver (spec §4.2): account creation,
// HTTP-01 issuance, and 30-day renewal against a real ACME directory via
// go-acme/lego. Grounded on cuemby-warren's pkg/ingress/acme.go, adapted
// from a standalone proxy-attached client into a driver whose challenge map
// fleetgate's bouncer (internal/proxy) serves directly.
package acme

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"fleetgate/internal/fleeterr"
)

// RenewalWindow is the boundary from spec §4.2/§8: certificates with
// <= 30 days remaining are renewed, otherwise skipped.
const RenewalWindow = 30 * 24 * time.Hour

// Credentials is the ACME account returned by CreateAccount.
type Credentials struct {
	Email        string
	Registration *registration.Resource
	key          crypto.PrivateKey
}

func (c *Credentials) GetEmail() string                        { return c.Email }
func (c *Credentials) GetRegistration() *registration.Resource  { return c.Registration }
func (c *Credentials) GetPrivateKey() crypto.PrivateKey         { return c.key }

// ChallengeProvider implements lego's HTTP-01 provider interface, publishing
// token -> key-authorization pairs into a map the bouncer proxy reads
// directly at GET /.well-known/acme-challenge/{token} (spec §4.2).
type ChallengeProvider struct {
	mu         sync.RWMutex
	challenges map[string]string // token -> key authorization
}

func NewChallengeProvider() *ChallengeProvider {
	return &ChallengeProvider{challenges: make(map[string]string)}
}

func (p *ChallengeProvider) Present(_, token, keyAuth string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.challenges[token] = keyAuth
	return nil
}

func (p *ChallengeProvider) CleanUp(_, token, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.challenges, token)
	return nil
}

// KeyAuth is read by the bouncer when serving the well-known path.
func (p *ChallengeProvider) KeyAuth(token string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.challenges[token]
	return v, ok
}

// IssuedCertificate is the (chain, key) pair AcmeDriver hands back, plus the
// parsed expiry CertResolver and CustomDomainStore need.
type IssuedCertificate struct {
	ChainPEM []byte
	KeyPEM   []byte
	NotAfter time.Time
}

// RenewOutcome is the tagged result of renew_if_needed (spec §4.2).
type RenewOutcome struct {
	Renewed      bool
	Certificate  *IssuedCertificate
	DaysRemaining int
}

// CertSource supplies the currently-served certificate for a domain so
// renew_if_needed can evaluate the 30-day window without its own store
// dependency. No type in this module implements it, and RenewIfNeeded takes
// notAfter as an argument instead.
type CertSource interface {
	CurrentNotAfter(fqdn string) (time.Time, bool)
}

// Driver implements AcmeDriver against a real ACME CA via lego.
type Driver struct {
	mu                sync.Mutex
	client            *lego.Client
	creds             *Credentials
	challengeProvider *ChallengeProvider
	directoryURL      string
}

// NewDriver creates a Driver pointed at directoryURL (use lego's staging
// directory in development, the production one in deployment).
func NewDriver(directoryURL string) *Driver {
	return &Driver{directoryURL: directoryURL, challengeProvider: NewChallengeProvider()}
}

// Challenges exposes the map the bouncer reads (spec §4.2 "shared challenge
// map").
func (d *Driver) Challenges() *ChallengeProvider { return d.challengeProvider }

// CreateAccount implements AcmeDriver.create_account: generates an account
// key and registers it with the ACME directory.
func (d *Driver) CreateAccount(email string) (*Credentials, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.KindInternal, "generating ACME account key", err)
	}

	creds := &Credentials{Email: email, key: privateKey}

	cfg := lego.NewConfig(creds)
	if d.directoryURL != "" {
		cfg.CADirURL = d.directoryURL
	}
	cfg.Certificate.KeyType = certcrypto.RSA2048

	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.KindInternal, "creating ACME client", err)
	}
	if err := client.Challenge.SetHTTP01Provider(d.challengeProvider); err != nil {
		return nil, fleeterr.Wrap(fleeterr.KindInternal, "installing HTTP-01 provider", err)
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.KindInternal, "registering ACME account", err)
	}
	creds.Registration = reg

	d.client = client
	d.creds = creds
	return creds, nil
}

// Issue implements AcmeDriver.issue: obtains a certificate for fqdn via
// HTTP-01 (spec §4.2).
func (d *Driver) Issue(fqdn string) (*IssuedCertificate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		return nil, fleeterr.New(fleeterr.KindInternal, "ACME account not initialized")
	}

	resource, err := d.client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{fqdn},
		Bundle:  true,
	})
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.KindInternal, fmt.Sprintf("obtaining certificate for %s", fqdn), err)
	}

	return parseIssued(resource.Certificate, resource.PrivateKey)
}

// RenewIfNeeded implements AcmeDriver.renew_if_needed (spec §4.2, §8): skips
// when more than 30 days remain, otherwise renews and returns the new pair.
func (d *Driver) RenewIfNeeded(fqdn string, currentCertPEM, currentKeyPEM []byte, notAfter time.Time) (RenewOutcome, error) {
	remaining := time.Until(notAfter)
	// Round partial days up, so a certificate expiring 31 days from now
	// reports 31 even after a few nanoseconds have elapsed.
	daysRemaining := int((remaining + 24*time.Hour - 1) / (24 * time.Hour))
	if remaining > RenewalWindow {
		return RenewOutcome{Renewed: false, DaysRemaining: daysRemaining}, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return RenewOutcome{}, fleeterr.New(fleeterr.KindInternal, "ACME account not initialized")
	}

	renewed, err := d.client.Certificate.Renew(certificate.Resource{
		Domain:      fqdn,
		Certificate: currentCertPEM,
		PrivateKey:  currentKeyPEM,
	}, true, false, "")
	if err != nil {
		return RenewOutcome{}, fleeterr.Wrap(fleeterr.KindInternal, fmt.Sprintf("renewing certificate for %s", fqdn), err)
	}

	issued, err := parseIssued(renewed.Certificate, renewed.PrivateKey)
	if err != nil {
		return RenewOutcome{}, err
	}
	return RenewOutcome{Renewed: true, Certificate: issued}, nil
}

func parseIssued(chainPEM, keyPEM []byte) (*IssuedCertificate, error) {
	block, _ := pem.Decode(chainPEM)
	if block == nil {
		return nil, fleeterr.New(fleeterr.KindInternal, "decoding issued certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.KindInternal, "parsing issued certificate", err)
	}
	return &IssuedCertificate{ChainPEM: chainPEM, KeyPEM: keyPEM, NotAfter: cert.NotAfter}, nil
}
