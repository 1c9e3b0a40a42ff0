// Command deployer runs a single project's local HTTP API: archive
// intake, the deployment FSM, and the resource-cleanup endpoint the
// gateway calls on project delete. One deployer process is started per
// project by the gateway's ContainerRuntime integration (spec §4.11);
// this binary is the process that HTTP surface runs inside.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"fleetgate/internal/deployerapi"
	"fleetgate/internal/deployment"
	"fleetgate/internal/logger"
	"fleetgate/internal/resourcebroker"
	"fleetgate/internal/runtime/docker"
)

func main() {
	app := &cli.App{
		Name:    "fleetgate-deployer",
		Usage:   "per-project deployment API",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "control", Usage: "listen address for the deployer HTTP API", Value: ":8001", EnvVars: []string{"FLEETGATE_DEPLOYER_CONTROL"}},
			&cli.StringFlag{Name: "provisioner-uri", Usage: "base URL of the external resource provisioner", EnvVars: []string{"FLEETGATE_PROVISIONER_URI"}},
			&cli.StringFlag{Name: "docker-host", Value: "unix:///var/run/docker.sock", EnvVars: []string{"FLEETGATE_DOCKER_HOST"}},
		},
		Action: runDeployer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runDeployer(c *cli.Context) error {
	zlog := logger.NewLoggerFromEnv()
	defer zlog.Sync()

	rtCfg := &docker.Config{Host: c.String("docker-host"), Network: "fleetgate"}
	rt, err := docker.NewRuntime(rtCfg)
	if err != nil {
		return fmt.Errorf("connecting to container runtime: %w", err)
	}
	defer rt.Close()

	store := deployment.NewStore()
	fsm := deployment.NewFSM(store, zlog)
	builder := deployerapi.NewRuntimeBuilder(rt, fsm, zlog)

	provisionerURI := c.String("provisioner-uri")
	var recorder resourcebroker.Recorder
	if provisionerURI != "" {
		recorder = resourcebroker.NewHTTPRecorder(provisionerURI)
	} else {
		recorder = noopRecorder{}
	}
	resources := resourcebroker.New(recorder)

	srv := deployerapi.NewServer(store, fsm, resources, deployerapi.NewLogStore(), builder, zlog)

	httpServer := &http.Server{
		Addr:         c.String("control"),
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the log websocket route holds connections open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	zlog.Info("deployer listening", zap.String("addr", httpServer.Addr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("deployer server: %w", err)
	}
	return nil
}

// noopRecorder backs resourcebroker.Broker when no external provisioner
// is configured: list/delete report nothing rather than erroring, so a
// deployer started without resource-provisioning wired still serves
// deployment CRUD.
type noopRecorder struct{}

func (noopRecorder) List(_ context.Context, _ string) ([]resourcebroker.ResourceSummary, error) {
	return nil, nil
}

func (noopRecorder) Delete(_ context.Context, _, _ string) error { return nil }
