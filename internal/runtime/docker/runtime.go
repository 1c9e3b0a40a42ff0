// Package docker implements runtime.Runtime against a Docker daemon,
// generalizing the teacher's internal/docker.Runtime (bot containers) to
// fleetgate's project deployment containers.
package docker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"fleetgate/internal/fsm"
	"fleetgate/internal/runtime"
)

const (
	containerNamePrefix = "fleetgate-project-"
	labelProjectID      = "fleetgate.project.id"
	labelProjectName    = "fleetgate.project.name"
	labelManaged        = "fleetgate.managed"
	defaultNetwork      = "fleetgate-network"

	// targetPort is where the proxy forwards traffic inside the project
	// container (spec §4.10); not configurable per project (spec §9 open
	// question resolved: fixed, see DESIGN.md).
	targetPort = 8000
)

// Runtime implements runtime.Runtime against a Docker daemon.
type Runtime struct {
	client *client.Client
	config *Config
}

var _ runtime.Runtime = (*Runtime)(nil)

func NewRuntime(config *Config) (*Runtime, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	opts := []client.Opt{
		client.WithHost(config.Host),
		client.WithAPIVersionNegotiation(),
	}
	if config.APIVersion != "" {
		opts = append(opts, client.WithVersion(config.APIVersion))
	}

	if config.TLSVerify {
		tlsConfig, err := loadTLSConfig(config)
		if err != nil {
			return nil, fmt.Errorf("loading docker TLS config: %w", err)
		}
		opts = append(opts, client.WithHTTPClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		}))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Runtime{client: cli, config: config}, nil
}

func containerName(name string) string { return containerNamePrefix + name }

// Ensure implements runtime.Runtime.Ensure: idempotent container creation.
// If a container already carries this project's name it is reused as-is.
func (r *Runtime) Ensure(ctx context.Context, projectID, name, img string, env, labels map[string]string, idleMinutes int) (runtime.Handle, error) {
	if h, err := r.findByName(ctx, name); err == nil {
		return h, nil
	}

	if err := r.ensureNetwork(ctx); err != nil {
		return "", fmt.Errorf("ensuring network: %w", err)
	}
	if err := r.pullImage(ctx, img); err != nil {
		return "", fmt.Errorf("pulling image %s: %w", img, err)
	}

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	containerLabels := map[string]string{
		labelProjectID:   projectID,
		labelProjectName: name,
		labelManaged:     "true",
	}
	for k, v := range labels {
		containerLabels[k] = v
	}

	exposed := nat.PortSet{nat.Port(fmt.Sprintf("%d/tcp", targetPort)): struct{}{}}

	cfg := &container.Config{
		Image:        img,
		Env:          envList,
		ExposedPorts: exposed,
		Labels:       containerLabels,
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{defaultNetwork: {}},
	}

	resp, err := r.client.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, containerName(name))
	if err != nil {
		return "", fmt.Errorf("creating container for project %s: %w", name, err)
	}
	return runtime.Handle(resp.ID), nil
}

func (r *Runtime) Start(ctx context.Context, h runtime.Handle) error {
	return r.client.ContainerStart(ctx, string(h), container.StartOptions{})
}

func (r *Runtime) Stop(ctx context.Context, h runtime.Handle, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return r.client.ContainerStop(ctx, string(h), container.StopOptions{Timeout: &secs})
}

func (r *Runtime) Destroy(ctx context.Context, h runtime.Handle) error {
	return r.client.ContainerRemove(ctx, string(h), container.RemoveOptions{Force: true, RemoveVolumes: true})
}

// Inspect implements runtime.Runtime.Inspect (spec §4.4).
func (r *Runtime) Inspect(ctx context.Context, h runtime.Handle) (runtime.Inspection, error) {
	info, err := r.client.ContainerInspect(ctx, string(h))
	if err != nil {
		if client.IsErrNotFound(err) {
			return runtime.Inspection{State: fsm.RuntimeNotFound}, nil
		}
		return runtime.Inspection{}, fmt.Errorf("inspecting container %s: %w", h, err)
	}

	insp := runtime.Inspection{
		State:     mapState(info.State),
		ProjectID: info.Config.Labels[labelProjectID],
	}
	if info.State != nil && info.State.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			insp.StartedAt = t
		}
	}
	for _, net := range info.NetworkSettings.Networks {
		if net.IPAddress != "" {
			insp.TargetIP = net.IPAddress
			break
		}
	}
	return insp, nil
}

// Exec implements runtime.Runtime.Exec, used only for liveness probes
// during local provisioning (spec §4.4).
func (r *Runtime) Exec(ctx context.Context, h runtime.Handle, argv []string) (string, error) {
	created, err := r.client.ContainerExecCreate(ctx, string(h), container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("creating exec for %s: %w", h, err)
	}

	attach, err := r.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("attaching exec for %s: %w", h, err)
	}
	defer attach.Close()

	out, err := io.ReadAll(attach.Reader)
	if err != nil {
		return "", fmt.Errorf("reading exec output for %s: %w", h, err)
	}
	return string(out), nil
}

func (r *Runtime) findByName(ctx context.Context, name string) (runtime.Handle, error) {
	info, err := r.client.ContainerInspect(ctx, containerName(name))
	if err != nil {
		return "", err
	}
	return runtime.Handle(info.ID), nil
}

func (r *Runtime) ensureNetwork(ctx context.Context) error {
	netName := r.config.Network
	if netName == "" {
		netName = defaultNetwork
	}
	networks, err := r.client.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return err
	}
	for _, n := range networks {
		if n.Name == netName {
			return nil
		}
	}
	_, err = r.client.NetworkCreate(ctx, netName, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{labelManaged: "true"},
	})
	return err
}

func (r *Runtime) pullImage(ctx context.Context, img string) error {
	out, err := r.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	return err
}

func (r *Runtime) HealthCheck(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

func (r *Runtime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// listManaged returns the project names of every container fleetgate
// manages (label fleetgate.managed=true), stopped ones included. Nothing in
// this module calls it.
func (r *Runtime) listManaged(ctx context.Context) ([]string, error) {
	args := filters.NewArgs()
	args.Add("label", labelManaged+"=true")
	containers, err := r.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(containers))
	for _, c := range containers {
		names = append(names, c.Labels[labelProjectName])
	}
	return names, nil
}

func mapState(s *container.State) fsm.RuntimeState {
	if s == nil {
		return fsm.RuntimeNotFound
	}
	switch {
	case s.Running && s.Restarting:
		return fsm.RuntimeRestarting
	case s.Running:
		return fsm.RuntimeRunning
	case s.Paused:
		return fsm.RuntimePaused
	case s.Dead:
		return fsm.RuntimeDead
	case s.Status == "exited":
		return fsm.RuntimeExited
	default:
		return fsm.RuntimeCreated
	}
}

func loadTLSConfig(config *Config) (*tls.Config, error) {
	cert, err := tls.X509KeyPair([]byte(config.CertPEM), []byte(config.KeyPEM))
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(config.CAPEM)) {
		return nil, fmt.Errorf("appending CA certificate")
	}

	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool}
	host := strings.TrimPrefix(config.Host, "tcp://")
	if idx := strings.Index(host, ":"); idx > 0 {
		tlsConfig.ServerName = host[:idx]
	}
	return tlsConfig, nil
}
