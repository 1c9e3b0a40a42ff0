// Command gateway runs the control plane: project CRUD, the FSM-driven
// task worker, admission control, ACME issuance, and the TLS reverse
// proxy. Grounded on the teacher's cmd/server/main.go cli.App/Action
// shape, its parseDatabase helper, and its signal-driven graceful
// shutdown, generalized from a single GraphQL process into the three
// long-running loops (HTTP control API, proxy listeners, health
// scheduler) the gateway owns.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"fleetgate/internal/acme"
	"fleetgate/internal/admission"
	"fleetgate/internal/certresolver"
	"fleetgate/internal/claims"
	"fleetgate/internal/deployerclient"
	"fleetgate/internal/healthscheduler"
	"fleetgate/internal/loadmonitor"
	"fleetgate/internal/logger"
	"fleetgate/internal/proxy"
	"fleetgate/internal/resourcebroker"
	"fleetgate/internal/router"
	"fleetgate/internal/runtime/docker"
	"fleetgate/internal/statusaggregator"
	"fleetgate/internal/store"
	"fleetgate/internal/worker"
)

func main() {
	app := &cli.App{
		Name:    "fleetgate",
		Usage:   "multi-tenant PaaS control plane",
		Version: "0.1.0",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run the gateway",
				Flags:  gatewayFlags,
				Action: runGateway,
			},
			{
				Name:  "migrate",
				Usage: "run database migrations",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "database", Value: "sqlite://./data/gateway.sqlite", EnvVars: []string{"FLEETGATE_DATABASE"}},
				},
				Action: runMigrate,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var gatewayFlags = []cli.Flag{
	&cli.StringFlag{Name: "state", Usage: "gateway state directory, created at startup (the database location is set by --database; no certificate file is read from it)", Value: "./data", EnvVars: []string{"FLEETGATE_STATE"}},
	&cli.StringFlag{Name: "control", Usage: "control-plane API listen address", Value: ":8000", EnvVars: []string{"FLEETGATE_CONTROL"}},
	&cli.StringFlag{Name: "user", Usage: "user-facing TLS proxy listen address", Value: ":443", EnvVars: []string{"FLEETGATE_USER"}},
	&cli.StringFlag{Name: "bouncer", Usage: "plaintext ACME/redirect listen address", Value: ":80", EnvVars: []string{"FLEETGATE_BOUNCER"}},
	&cli.BoolFlag{Name: "use-tls", Usage: "start the bouncer and the user-facing TLS proxy; when false neither proxy listener is started", Value: true, EnvVars: []string{"FLEETGATE_USE_TLS"}},
	&cli.StringFlag{Name: "context.auth-uri", Usage: "JWT issuer HMAC secret source (env:VAR or literal)", EnvVars: []string{"FLEETGATE_AUTH_URI"}},
	&cli.StringFlag{Name: "context.admin-key", Usage: "shared secret guarding /admin routes", EnvVars: []string{"FLEETGATE_ADMIN_KEY"}},
	&cli.StringFlag{Name: "context.proxy-fqdn", Usage: "wildcard domain projects are served under", Value: "fleetgate.example.com", EnvVars: []string{"FLEETGATE_PROXY_FQDN"}},
	&cli.StringFlag{Name: "database", Value: "sqlite://./data/gateway.sqlite", EnvVars: []string{"FLEETGATE_DATABASE"}},
	&cli.StringSliceFlag{Name: "etcd-endpoints", Usage: "etcd endpoints for the build queue; empty runs local-only", EnvVars: []string{"FLEETGATE_ETCD_ENDPOINTS"}},
	&cli.StringFlag{Name: "acme-directory", Usage: "ACME directory URL; empty uses lego's production default", EnvVars: []string{"FLEETGATE_ACME_DIRECTORY"}},
	&cli.DurationFlag{Name: "health-interval", Value: healthscheduler.DefaultInterval, EnvVars: []string{"FLEETGATE_HEALTH_INTERVAL"}},
	&cli.IntFlag{Name: "global-container-budget", Value: 256, EnvVars: []string{"FLEETGATE_GLOBAL_CONTAINER_BUDGET"}},
	&cli.IntFlag{Name: "load-capacity", Value: 64, EnvVars: []string{"FLEETGATE_LOAD_CAPACITY"}},
}

// parseDatabase mirrors the teacher's cmd/server/main.go helper of the
// same name, generalized to the driver/DSN pair internal/store expects.
func parseDatabase(dbURL string) (driver string, dsn string, dialect store.Dialect, err error) {
	switch {
	case strings.HasPrefix(dbURL, "sqlite://"):
		dsn = strings.TrimPrefix(dbURL, "sqlite://")
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return "", "", "", fmt.Errorf("creating database directory: %w", mkErr)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_fk=1&_journal=WAL&_sync=1"
		}
		return "sqlite3", dsn, store.DialectSQLite, nil
	case strings.HasPrefix(dbURL, "postgresql://"), strings.HasPrefix(dbURL, "postgres://"):
		return "postgres", dbURL, store.DialectPostgres, nil
	default:
		return "", "", "", fmt.Errorf("unsupported database URL %q (use sqlite:// or postgresql://)", dbURL)
	}
}

// runningContainerGauge adapts ProjectStore into admission.CapacityGauge
// by counting records whose state currently holds a live container handle.
type runningContainerGauge struct{ projects *store.ProjectStore }

func (g runningContainerGauge) RunningContainers(ctx context.Context) (int, error) {
	recs, err := g.projects.IterAllDetailed(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if rec.State.RequiresContainerHandle() {
			n++
		}
	}
	return n, nil
}

func resolveSecret(spec string) string {
	if rest, ok := strings.CutPrefix(spec, "env:"); ok {
		return os.Getenv(rest)
	}
	return spec
}

func runGateway(c *cli.Context) error {
	log := logger.NewLoggerFromEnv()
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	driverName, dsn, dialect, err := parseDatabase(c.String("database"))
	if err != nil {
		return err
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	if err := store.Migrate(db, dialect); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	stateDir := c.String("state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	projects := store.NewProjectStore(db, dialect)
	domains := store.NewCustomDomainStore(db, dialect)

	rtCfg := &docker.Config{Host: "unix:///var/run/docker.sock", Network: "fleetgate"}
	rt, err := docker.NewRuntime(rtCfg)
	if err != nil {
		return fmt.Errorf("connecting to container runtime: %w", err)
	}
	defer rt.Close()

	tw := worker.New(projects, log)
	defer tw.Shutdown()

	secret := resolveSecret(c.String("context.auth-uri"))
	if secret == "" {
		return fmt.Errorf("--context.auth-uri must resolve to a non-empty HMAC secret")
	}
	verifier := claims.NewJWTVerifier([]byte(secret))

	admissionCtl := admission.New(projects, runningContainerGauge{projects}, c.Int("global-container-budget"))

	certs := certresolver.New()
	acmeDriver := acme.NewDriver(c.String("acme-directory"))

	resourceRecorder := resourcebroker.NewHTTPRecorder("http://localhost:8001")
	resources := resourcebroker.New(resourceRecorder)

	load := loadmonitor.New(c.Int("load-capacity"), nil)

	status := statusaggregator.New(
		statusaggregator.Check{Name: "database", Run: func(ctx context.Context) error { return db.PingContext(ctx) }},
		statusaggregator.Check{Name: "container_runtime", Run: rt.HealthCheck},
	)

	fqdn := c.String("context.proxy-fqdn")

	controlHandler := router.New(router.Config{
		Versions:    router.Versions{Gateway: "0.1.0", Deployer: "0.1.0", Schema: "1"},
		GatewayFQDN: fqdn,
		Projects:    projects,
		Domains:     domains,
		Worker:      tw,
		Runtime:     rt,
		Admission:   admissionCtl,
		Acme:        acmeDriver,
		Resources:   resources,
		Load:        load,
		Status:      status,
		Verifier:    verifier,
		Deployer:    deployerclient.New(),
		AdminSecret: c.String("context.admin-key"),
		Log:         log,
	})

	controlServer := &http.Server{
		Addr:         c.String("control"),
		Handler:      controlHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	p := proxy.New(fqdn, projects, domains, certs, acmeDriver.Challenges(), tw, rt, log)

	sched := healthscheduler.New(projects, rt, tw, log, c.Duration("health-interval"))
	sched.Start(ctx)
	defer sched.Stop()

	errCh := make(chan error, 2)
	go func() {
		log.Info("control plane listening", zap.String("addr", controlServer.Addr))
		if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("control server: %w", err)
		}
	}()
	go func() {
		if c.Bool("use-tls") {
			if err := p.Start(ctx, c.String("bouncer"), c.String("user")); err != nil {
				errCh <- fmt.Errorf("proxy: %w", err)
			}
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error("fatal listener error", zap.Error(err))
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("control server shutdown error", zap.Error(err))
	}

	log.Info("gateway stopped")
	return nil
}

func runMigrate(c *cli.Context) error {
	driverName, dsn, dialect, err := parseDatabase(c.String("database"))
	if err != nil {
		return err
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := store.Migrate(db, dialect); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	log.Println("migrations complete")
	return nil
}
