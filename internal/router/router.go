// Package router implements the gateway's control-plane HTTP API (spec
// §4.9): project CRUD, admin operations, load/capacity introspection, and
// ACME certificate management, wired the way the teacher's cmd/server
// assembles its chi.Router (middleware.Logger/Recoverer/RequestID/RealIP/
// Compress, then cors.Handler, then route groups) but serving fleetgate's
// own resource model instead of GraphQL.
package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"fleetgate/internal/acme"
	"fleetgate/internal/admission"
	"fleetgate/internal/claims"
	"fleetgate/internal/deployerclient"
	"fleetgate/internal/deployment"
	"fleetgate/internal/fleeterr"
	"fleetgate/internal/fsm"
	"fleetgate/internal/loadmonitor"
	"fleetgate/internal/resourcebroker"
	"fleetgate/internal/runtime"
	"fleetgate/internal/statusaggregator"
	"fleetgate/internal/store"
	"fleetgate/internal/utils"
	"fleetgate/internal/worker"
)

// Versions is the 3-tuple GET /versions reports (spec SUPPLEMENTED
// FEATURES: "gateway version endpoint returns a 3-tuple of gateway
// version, deployer image tag, and schema version").
type Versions struct {
	Gateway  string `json:"gateway"`
	Deployer string `json:"deployer"`
	Schema   string `json:"schema"`
}

// Config bundles every collaborator Router needs. Each field is already a
// fully-built component from another package; Router only wires HTTP
// verbs and paths onto them.
type Config struct {
	Versions     Versions
	GatewayFQDN  string
	Projects     *store.ProjectStore
	Domains      *store.CustomDomainStore
	Worker       *worker.TaskWorker
	Runtime      runtime.Runtime
	Admission    *admission.Controller
	Acme         *acme.Driver
	Resources    *resourcebroker.Broker
	Load         *loadmonitor.Monitor
	Status       *statusaggregator.Aggregator
	Verifier     claims.Verifier
	AdminSecret  string
	DeployerPort string // port the per-project deployer HTTP surface listens on
	Deployer     *deployerclient.Client
	Log          *zap.Logger
}

// New assembles the full chi.Router, mirroring the teacher's middleware
// chain before branching into fleetgate's own route tree.
func New(cfg Config) http.Handler {
	if cfg.DeployerPort == "" {
		cfg.DeployerPort = "8001"
	}
	if cfg.Deployer == nil {
		cfg.Deployer = deployerclient.New()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Secret"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	rt := &routes{cfg: cfg}

	r.Get("/versions", rt.versions)

	r.Group(func(g chi.Router) {
		g.Use(claims.Middleware(cfg.Verifier))

		g.Route("/projects", func(pr chi.Router) {
			pr.With(claims.RequireScope(claims.ScopeProject)).Get("/", rt.listProjects)
			pr.With(claims.RequireScope(claims.ScopeProjectWrite)).Post("/{name}", rt.createProject)
			pr.With(claims.RequireScope(claims.ScopeProject)).Get("/name/{name}", rt.getProject)
			pr.With(claims.RequireScope(claims.ScopeProject)).Get("/{name}", rt.getProject)
			pr.With(claims.RequireScope(claims.ScopeProjectWrite)).Delete("/{name}", rt.destroyProject)
			pr.With(claims.RequireScope(claims.ScopeProjectWrite)).Delete("/{name}/delete", rt.deleteProject)
			pr.With(claims.RequireScope(claims.ScopeResources)).Get("/{name}/resources", rt.listResources)
			pr.With(claims.RequireScope(claims.ScopeDeployment)).Handle("/{name}/*", rt.proxyToDeployer())
		})

		g.Route("/stats/load", func(lr chi.Router) {
			lr.With(claims.RequireScope(claims.ScopeAdmin)).Post("/", rt.recordLoad)
			lr.With(claims.RequireScope(claims.ScopeAdmin)).Delete("/", rt.clearLoad)
		})

		g.Route("/admin", func(ar chi.Router) {
			ar.Use(claims.AdminSecretLayer(cfg.AdminSecret))
			ar.Use(claims.RequireScope(claims.ScopeAdmin))
			ar.Post("/revive/{name}", rt.adminRevive)
			ar.Post("/destroy/{name}", rt.adminDestroy)
			ar.Post("/idle-cch", rt.adminIdleCCH)
			ar.Get("/stats/load", rt.statsLoad)
			ar.Delete("/stats/load/{deploymentID}", rt.clearLoadByID)
			ar.Post("/acme/{email}", rt.acmeCreateAccount)
			ar.Post("/acme/request/{project}/{fqdn}", rt.acmeRequest)
			ar.Post("/acme/renew/{project}/{fqdn}", rt.acmeRenew)
			ar.Post("/acme/gateway/renew", rt.acmeRenewGateway)
			ar.Get("/health", rt.health)
		})
	})

	return r
}

type routes struct {
	cfg Config
}

func (rt *routes) versions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.cfg.Versions)
}

func (rt *routes) health(w http.ResponseWriter, r *http.Request) {
	snap := rt.cfg.Status.Poll(r.Context())
	status := http.StatusOK
	if snap.Overall == statusaggregator.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}

// createProject implements spec §4.9's POST /projects/{name}: runs
// AdmitCreate, creates the record (the store validates the name), then
// submits a StartIdleDeploys task and waits for it. That task is a single
// tick, so the response carries the project's state right after
// provisioning (typically Creating); it does not wait for Ready.
func (rt *routes) createProject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	claim, _ := claims.FromContext(r.Context())

	var body struct {
		FQDN        string `json:"fqdn"`
		IdleMinutes int    `json:"idle_minutes"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.FQDN == "" {
		body.FQDN = name + "." + rt.cfg.GatewayFQDN
	}

	if err := rt.cfg.Admission.AdmitCreate(r.Context(), claim.Account, claim.Tier, name); err != nil {
		writeError(w, err)
		return
	}

	initialKey, err := utils.GenerateSecureToken(utils.PasswordLength)
	if err != nil {
		writeError(w, fleeterr.Wrap(fleeterr.KindInternal, "generating project deploy key", err))
		return
	}

	rec, err := rt.cfg.Projects.Create(r.Context(), name, claim.Account, body.FQDN, body.IdleMinutes, initialKey)
	if err != nil {
		writeError(w, err)
		return
	}

	task := worker.StartIdleDeploys(rt.cfg.Runtime, rt.cfg.Projects, name)
	handle, err := rt.cfg.Worker.Submit(task)
	if err != nil {
		writeError(w, err)
		return
	}
	final, err := handle.Wait(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	rec.State = final
	writeJSON(w, http.StatusCreated, rec)
}

func (rt *routes) getProject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rec, err := rt.cfg.Projects.Find(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// listProjects implements spec §6's pagination contract: zero-based
// ?page=N&limit=M, translated into the store's offset/limit pair.
func (rt *routes) listProjects(w http.ResponseWriter, r *http.Request) {
	claim, _ := claims.FromContext(r.Context())
	page, limit := parsePageLimit(r, 50)
	found, err := rt.cfg.Projects.FindByOwner(r.Context(), claim.Account, page*limit, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// parsePageLimit implements spec §6's "?page=N&limit=M, page zero-based"
// pagination contract, shared by every paginated route in this package.
func parsePageLimit(r *http.Request, defaultLimit int) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 0 {
		page = 0
	}
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultLimit
	}
	return page, limit
}

// destroyProject implements the "destroy containers, keep the record"
// half of spec §4.9's delete semantics (distinct from /delete below).
func (rt *routes) destroyProject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	task := worker.Destroy(rt.cfg.Runtime, rt.cfg.Projects, name)
	handle, err := rt.cfg.Worker.Submit(task)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := handle.Wait(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// deleteProject implements the full-teardown half of spec §4.9: deletable
// iff every one of the project's actual deployments (queried from its own
// deployer, not inferred from the project's own FSM state) is in {Running,
// Completed, Crashed, Stopped} (scenarios S2/S3); a Running deployment is
// stopped first rather than blocking the delete, and any leftover resources
// are cleared via ResourceBroker before the container itself is torn down.
func (rt *routes) deleteProject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rec, err := rt.cfg.Projects.Find(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}

	if baseURL, ok := rt.deployerBaseURL(r.Context(), rec); ok {
		deployments, err := rt.cfg.Deployer.List(r.Context(), baseURL, rec.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, d := range deployments {
			if deployerclient.Building(d.State) {
				writeError(w, fleeterr.New(fleeterr.KindProjectHasBuildingDeployment, "project has a deployment in progress"))
				return
			}
		}
		for _, d := range deployments {
			if d.State == deployment.StateRunning {
				if err := rt.cfg.Deployer.Stop(r.Context(), baseURL, rec.Name, d.ID.String()); err != nil {
					writeError(w, err)
					return
				}
			}
		}
	}

	if rt.cfg.Resources != nil {
		if err := rt.cfg.Resources.DeleteAll(r.Context(), name); err != nil {
			writeError(w, err)
			return
		}
	}

	task := worker.DeleteProject(rt.cfg.Runtime, rt.cfg.Projects, name)
	handle, err := rt.cfg.Worker.Submit(task)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := handle.Wait(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *routes) listResources(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	resources, err := rt.cfg.Resources.List(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resources)
}

func (rt *routes) recordLoad(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeploymentID string `json:"deployment_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DeploymentID == "" {
		writeError(w, fleeterr.New(fleeterr.KindBadRequest, "deployment_id is required"))
		return
	}
	if !rt.cfg.Load.HasCapacity() {
		writeError(w, fleeterr.New(fleeterr.KindCapacityExhausted, "build queue at capacity"))
		return
	}
	if err := rt.cfg.Load.Record(r.Context(), body.DeploymentID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (rt *routes) clearLoad(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeploymentID string `json:"deployment_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DeploymentID == "" {
		writeError(w, fleeterr.New(fleeterr.KindBadRequest, "deployment_id is required"))
		return
	}
	rt.clearLoadID(w, r, body.DeploymentID)
}

func (rt *routes) clearLoadByID(w http.ResponseWriter, r *http.Request) {
	rt.clearLoadID(w, r, chi.URLParam(r, "deploymentID"))
}

func (rt *routes) clearLoadID(w http.ResponseWriter, r *http.Request, deploymentID string) {
	if err := rt.cfg.Load.Clear(r.Context(), deploymentID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *routes) statsLoad(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		InFlight    int  `json:"in_flight"`
		Capacity    int  `json:"capacity"`
		HasCapacity bool `json:"has_capacity"`
	}{rt.cfg.Load.Len(), rt.cfg.Load.Capacity(), rt.cfg.Load.HasCapacity()})
}

// adminRevive/adminDestroy give an operator a manual trigger for the
// worker's Wake and Destroy tasks respectively.
func (rt *routes) adminRevive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	handle, err := rt.cfg.Worker.Submit(worker.Wake(rt.cfg.Runtime, rt.cfg.Projects, name))
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := handle.Wait(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (rt *routes) adminDestroy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	handle, err := rt.cfg.Worker.Submit(worker.Destroy(rt.cfg.Runtime, rt.cfg.Projects, name))
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := handle.Wait(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// adminIdleCCH implements spec §4.13's cch-tier idle sweep: every cch
// project currently Ready gets a worker.Destroy task (its container is
// removed, its record kept), and the number of projects handled is
// reported as "stopped". One task per project, awaited in
// sequence so the sweep self-throttles against the same worker queue
// production traffic uses.
func (rt *routes) adminIdleCCH(w http.ResponseWriter, r *http.Request) {
	ready, err := rt.cfg.Projects.IterReady(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	stopped := 0
	for _, rec := range ready {
		if !fsm.IsCCH(rec.Name) {
			continue
		}
		handle, err := rt.cfg.Worker.Submit(worker.Destroy(rt.cfg.Runtime, rt.cfg.Projects, rec.Name))
		if err != nil {
			rt.cfg.Log.Warn("submitting cch idle task failed", zap.String("project", rec.Name), zap.Error(err))
			continue
		}
		if _, err := handle.Wait(r.Context()); err != nil {
			rt.cfg.Log.Warn("cch idle task failed", zap.String("project", rec.Name), zap.Error(err))
			continue
		}
		stopped++
	}
	writeJSON(w, http.StatusOK, struct {
		Stopped int `json:"stopped"`
	}{stopped})
}

func (rt *routes) acmeCreateAccount(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	creds, err := rt.cfg.Acme.CreateAccount(email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Email string `json:"email"`
	}{creds.GetEmail()})
}

func (rt *routes) acmeRequest(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	fqdn := chi.URLParam(r, "fqdn")

	issued, err := rt.cfg.Acme.Issue(fqdn)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := rt.cfg.Domains.Upsert(r.Context(), store.CustomDomainRecord{
		FQDN: fqdn, ProjectName: project,
		Certificate: issued.ChainPEM, PrivateKey: issued.KeyPEM, NotAfter: issued.NotAfter,
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		FQDN     string `json:"fqdn"`
		NotAfter string `json:"not_after"`
	}{fqdn, issued.NotAfter.Format(time.RFC3339)})
}

func (rt *routes) acmeRenew(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	fqdn := chi.URLParam(r, "fqdn")

	existing, err := rt.cfg.Domains.Find(r.Context(), fqdn)
	if err != nil {
		writeError(w, err)
		return
	}

	outcome, err := rt.cfg.Acme.RenewIfNeeded(fqdn, existing.Certificate, existing.PrivateKey, existing.NotAfter)
	if err != nil {
		writeError(w, err)
		return
	}
	if outcome.Renewed {
		if err := rt.cfg.Domains.Upsert(r.Context(), store.CustomDomainRecord{
			FQDN: fqdn, ProjectName: project,
			Certificate: outcome.Certificate.ChainPEM, PrivateKey: outcome.Certificate.KeyPEM, NotAfter: outcome.Certificate.NotAfter,
		}); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, outcome)
}

// acmeRenewGateway renews the gateway's own wildcard certificate, sharing
// the same AcmeDriver instance as per-project custom domains.
func (rt *routes) acmeRenewGateway(w http.ResponseWriter, r *http.Request) {
	rt.acmeRenew(w, r)
}

// deployerBaseURL resolves a project's deployer HTTP base URL from its
// container handle, shared by proxyToDeployer and deleteProject so the
// ContainerHandle -> Runtime.Inspect -> host:port resolution lives in one
// place. The second return is false when the project has no container to
// query (nothing deployed yet), which callers treat as "no deployments to
// worry about" rather than an error.
func (rt *routes) deployerBaseURL(ctx context.Context, rec store.ProjectRecord) (string, bool) {
	if rec.ContainerHandle == "" {
		return "", false
	}
	insp, err := rt.cfg.Runtime.Inspect(ctx, runtime.Handle(rec.ContainerHandle))
	if err != nil || insp.TargetIP == "" {
		return "", false
	}
	return "http://" + insp.TargetIP + ":" + rt.cfg.DeployerPort, true
}

// proxyToDeployer forwards the catch-all /projects/{name}/* surface into
// that project's deployer HTTP API, distinct from the user-facing
// internal/proxy which forwards to the application container on :8000
// (spec §4.9's "catch-all proxy route").
func (rt *routes) proxyToDeployer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		rec, err := rt.cfg.Projects.Find(r.Context(), name)
		if err != nil {
			writeError(w, err)
			return
		}
		baseURL, ok := rt.deployerBaseURL(r.Context(), rec)
		if !ok {
			writeError(w, fleeterr.New(fleeterr.KindProjectNotReady, "project deployer unreachable"))
			return
		}

		target, err := url.Parse(baseURL)
		if err != nil {
			writeError(w, fleeterr.New(fleeterr.KindProjectNotReady, "project deployer unreachable"))
			return
		}
		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.Director = func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
			req.Header.Set("X-Shuttle-Project", name)
		}
		proxy.ServeHTTP(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := fleeterr.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(fleeterr.HTTPStatus(kind))
	body := struct {
		Code      string   `json:"code"`
		Message   string   `json:"message"`
		Resources []string `json:"resources,omitempty"`
	}{Code: string(kind), Message: err.Error()}
	if fe, ok := fleeterr.As(err); ok {
		body.Resources = fe.Resource
	}
	_ = json.NewEncoder(w).Encode(body)
}
