// Package proxy implements Proxy (spec §4.10): two bound sockets, a
// plaintext bouncer on :80 and a TLS-terminating user proxy on :443,
// grounded on the teacher's internal/proxy.BotProxy (reverse-proxy
// director customization, error handling) generalized from a single
// bot-by-UUID route into host-based project dispatch, and on the ingress
// pack's pkg/ingress.Proxy for the dual-listener/graceful-shutdown shape.
package proxy

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"fleetgate/internal/acme"
	"fleetgate/internal/certresolver"
	"fleetgate/internal/fleeterr"
	"fleetgate/internal/fsm"
	"fleetgate/internal/runtime"
	"fleetgate/internal/store"
	"fleetgate/internal/worker"
)

// wakeTimeout bounds how long a request blocks on find_or_start_project
// before the proxy gives up and returns 503 (spec §4.10 "blocks ... until
// ready or a timeout elapses").
const wakeTimeout = 60 * time.Second

// X-Shuttle-Project is the header the user proxy rewrites/inserts on every
// forwarded request, naming the original distillation's header verbatim
// (spec §4.10) since it is a wire-format constant, not an internal name.
const shuttleProjectHeader = "X-Shuttle-Project"

const targetPort = "8000"

// Proxy owns the bouncer and user-facing listeners.
type Proxy struct {
	gatewayFQDN string // e.g. "fleetgate.example.com"; wildcard suffix is "." + this
	projects    *store.ProjectStore
	domains     *store.CustomDomainStore
	certs       *certresolver.Resolver
	challenges  *acme.ChallengeProvider
	worker      *worker.TaskWorker
	runtime     runtime.Runtime
	log         *zap.Logger

	bouncerServer *http.Server
	userServer    *http.Server
}

func New(
	gatewayFQDN string,
	projects *store.ProjectStore,
	domains *store.CustomDomainStore,
	certs *certresolver.Resolver,
	challenges *acme.ChallengeProvider,
	w *worker.TaskWorker,
	rt runtime.Runtime,
	log *zap.Logger,
) *Proxy {
	return &Proxy{
		gatewayFQDN: gatewayFQDN,
		projects:    projects,
		domains:     domains,
		certs:       certs,
		challenges:  challenges,
		worker:      w,
		runtime:     rt,
		log:         log,
	}
}

// Start binds the bouncer (plaintext addr, typically ":80") and the
// user-facing TLS listener (addr, typically ":443") and serves until ctx
// is cancelled, then shuts both down gracefully.
func (p *Proxy) Start(ctx context.Context, bouncerAddr, userAddr string) error {
	// The bouncer is internet-facing before any auth check runs, so it
	// gets a per-IP rate limit a misbehaving client can't starve other
	// tenants' ACME challenges or wake-on-traffic requests through.
	bouncer := httprate.Limit(
		100, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
	)(http.HandlerFunc(p.handleBouncer))
	p.bouncerServer = &http.Server{Addr: bouncerAddr, Handler: bouncer}
	p.userServer = &http.Server{
		Addr:      userAddr,
		Handler:   http.HandlerFunc(p.handleUser),
		TLSConfig: p.certs.TLSConfig(),
	}

	errCh := make(chan error, 2)
	go func() {
		if err := p.bouncerServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fleeterr.Wrap(fleeterr.KindInternal, "bouncer listener", err)
		}
	}()
	go func() {
		if err := p.userServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			errCh <- fleeterr.Wrap(fleeterr.KindInternal, "user listener", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = p.bouncerServer.Shutdown(shutdownCtx)
	_ = p.userServer.Shutdown(shutdownCtx)
	return nil
}

// handleBouncer implements the plaintext-80 side of spec §4.10: ACME
// HTTP-01 challenge responses, 301-redirecting known hosts to https, and
// 404 for everything else.
func (p *Proxy) handleBouncer(w http.ResponseWriter, r *http.Request) {
	const challengePrefix = "/.well-known/acme-challenge/"
	if strings.HasPrefix(r.URL.Path, challengePrefix) {
		token := strings.TrimPrefix(r.URL.Path, challengePrefix)
		if keyAuth, ok := p.challenges.KeyAuth(token); ok {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(keyAuth))
			return
		}
		http.NotFound(w, r)
		return
	}

	host := hostOnly(r.Host)
	if p.isKnownHost(r.Context(), host) {
		target := "https://" + r.Host + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusMovedPermanently)
		return
	}
	http.NotFound(w, r)
}

func (p *Proxy) isKnownHost(ctx context.Context, host string) bool {
	if projectName, ok := p.wildcardProjectName(host); ok {
		_, err := p.projects.Find(ctx, projectName)
		return err == nil
	}
	return p.certs.HasFQDN(host)
}

// wildcardProjectName extracts the project name from a `{name}.{gateway}`
// host, reporting ok=false for anything that isn't a subdomain of the
// gateway's own wildcard domain.
func (p *Proxy) wildcardProjectName(host string) (string, bool) {
	suffix := "." + p.gatewayFQDN
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	name := strings.TrimSuffix(host, suffix)
	if name == "" || strings.Contains(name, ".") {
		return "", false
	}
	return name, true
}

// handleUser implements the TLS-443 side of spec §4.10: resolve host to a
// project, wake it if necessary, and forward the request.
func (p *Proxy) handleUser(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)

	projectName, ok := p.wildcardProjectName(host)
	if !ok {
		domainRec, err := p.domains.Find(r.Context(), host)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		projectName = domainRec.ProjectName
	}

	targetIP, err := p.findOrStartProject(r.Context(), projectName)
	if err != nil {
		if fleeterr.KindOf(err) == fleeterr.KindProjectNotFound {
			http.NotFound(w, r)
			return
		}
		p.log.Error("project not ready for proxied request", zap.String("project", projectName), zap.Error(err))
		http.Error(w, "project not ready", http.StatusServiceUnavailable)
		return
	}

	p.forward(w, r, projectName, targetIP)
}

// findOrStartProject implements spec §4.10's wake-on-traffic rule: a
// stale Stopped snapshot enqueues a start task and this call blocks on its
// handle until the project is Ready or wakeTimeout elapses.
func (p *Proxy) findOrStartProject(ctx context.Context, projectName string) (string, error) {
	rec, err := p.projects.Find(ctx, projectName)
	if err != nil {
		return "", err
	}

	if rec.State.Kind == fsm.KindReady {
		insp, err := p.runtime.Inspect(ctx, runtime.Handle(rec.ContainerHandle))
		if err != nil {
			return "", fleeterr.Wrap(fleeterr.KindUpstream, "inspecting ready project", err)
		}
		return insp.TargetIP, nil
	}

	handle, err := p.worker.Submit(worker.Wake(p.runtime, p.projects, projectName))
	if err != nil {
		return "", err
	}

	waitCtx, cancel := context.WithTimeout(ctx, wakeTimeout)
	defer cancel()
	final, err := handle.Wait(waitCtx)
	if err != nil {
		return "", fleeterr.Wrap(fleeterr.KindProjectNotReady, "waking project", err)
	}
	if final.Kind != fsm.KindReady {
		return "", fleeterr.New(fleeterr.KindProjectNotReady, "project settled into "+string(final.Kind)+" instead of ready")
	}

	rec, err = p.projects.Find(ctx, projectName)
	if err != nil {
		return "", err
	}
	insp, err := p.runtime.Inspect(ctx, runtime.Handle(rec.ContainerHandle))
	if err != nil {
		return "", fleeterr.Wrap(fleeterr.KindUpstream, "inspecting woken project", err)
	}
	return insp.TargetIP, nil
}

// forward rewrites the X-Shuttle-Project header and reverse-proxies to
// the project's container, propagating request tracing headers untouched
// (spec §4.10 "propagates distributed-tracing context via request
// headers").
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, projectName, targetIP string) {
	addr := targetIP
	if !strings.Contains(addr, ":") {
		addr = addr + ":" + targetPort
	}
	targetURL, err := url.Parse("http://" + addr)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	rp := httputil.NewSingleHostReverseProxy(targetURL)
	originalDirector := rp.Director
	rp.Director = func(req *http.Request) {
		originalDirector(req)
		req.Header.Set(shuttleProjectHeader, projectName)
		req.Header.Set("X-Forwarded-Host", r.Host)
		req.Header.Set("X-Forwarded-Proto", "https")
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.log.Error("proxy error", zap.String("project", projectName), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
	rp.ServeHTTP(w, r)
}

func hostOnly(host string) string {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}
