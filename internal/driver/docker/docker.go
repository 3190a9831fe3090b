// Package docker implements the driver.Driver interface using the Docker
// daemon, running each ephemeral runner as a container. It exists for
// developing and testing the orchestrator on hosts without a hypervisor;
// the lifecycle contract is identical to the VM backends.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/terrpan/vmpool/internal/driver"
)

// Config holds Docker-specific settings.
type Config struct {
	// Dind enables Docker-in-Docker by bind-mounting the host's Docker
	// socket (/var/run/docker.sock) into each runner container, so
	// workflows can run Docker commands themselves.
	//
	// Security note: the socket gives the runner full access to the host
	// Docker daemon. Only enable this if you trust the workflows that
	// will run on these runners.
	Dind bool
}

// Driver manages runner containers through the Docker daemon. Containers
// are addressed by name for every operation, so the driver can also act on
// orphans created by a previous process.
type Driver struct {
	client *dockerclient.Client
	dind   bool
	logger *slog.Logger

	mu     sync.Mutex
	pulled map[string]bool // images already pulled this process
}

// Compile-time check that Driver satisfies the driver.Driver interface.
var _ driver.Driver = (*Driver)(nil)

// New creates a Docker driver and connects to the daemon. Images are pulled
// lazily on first clone, since the base image is chosen per VM.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Driver, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if _, err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	return &Driver{
		client: client,
		dind:   cfg.Dind,
		logger: logger,
		pulled: make(map[string]bool),
	}, nil
}

// Clone creates a container from the base image without starting it. The
// registration material travels as environment variables, consumed by the
// runner image's entrypoint when Start boots the container.
func (d *Driver) Clone(ctx context.Context, baseImage, name string, cfg driver.RunnerConfig) error {
	if err := d.ensureImage(ctx, baseImage); err != nil {
		return opErr("clone", name, err)
	}

	env := buildEnv(cfg)
	var hostCfg *container.HostConfig
	if d.dind {
		env = append(env, "DOCKER_HOST=unix:///var/run/docker.sock")
		hostCfg = &container.HostConfig{
			Binds: []string{"/var/run/docker.sock:/var/run/docker.sock"},
		}
		d.logger.Info("dind enabled: mounting docker socket", slog.String("vm", name))
	}

	_, err := d.client.ContainerCreate(
		ctx,
		&container.Config{
			Image: baseImage,
			Env:   env,
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		name,
	)
	if err != nil {
		return opErr("clone", name, err)
	}

	d.logger.Info("container created",
		slog.String("image", baseImage),
		slog.String("vm", name),
	)
	return nil
}

// Start boots the created container.
func (d *Driver) Start(ctx context.Context, name string) error {
	if err := d.client.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return opErr("start", name, err)
	}
	d.logger.Info("container started", slog.String("vm", name))
	return nil
}

// WaitForIP polls the container's network settings until an address shows
// up or the timeout elapses.
func (d *Driver) WaitForIP(ctx context.Context, name string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)

	for {
		info, err := d.client.ContainerInspect(ctx, name)
		if err == nil {
			if ip := containerIP(info); ip != "" {
				return ip, nil
			}
		} else if !errdefs.IsNotFound(err) {
			return "", opErr("wait-ip", name, err)
		}

		if time.Now().After(deadline) {
			return "", opErr("wait-ip", name, fmt.Errorf("no address after %s", timeout))
		}
		select {
		case <-ctx.Done():
			return "", opErr("wait-ip", name, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Bootstrap is a no-op: the registration material was injected as container
// environment during Clone.
func (d *Driver) Bootstrap(context.Context, string) error { return nil }

// IsRunning reports whether the container exists and is running.
func (d *Driver) IsRunning(ctx context.Context, name string) (bool, error) {
	info, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, opErr("inspect", name, err)
	}
	return info.State != nil && info.State.Running, nil
}

// Stop stops the container. Stopping a container that is already stopped or
// gone returns nil.
func (d *Driver) Stop(ctx context.Context, name string) error {
	if err := d.client.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return opErr("stop", name, err)
	}
	return nil
}

// Delete force-removes the container. Removing a container that does not
// exist returns nil.
func (d *Driver) Delete(ctx context.Context, name string) error {
	if err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return opErr("delete", name, err)
	}
	d.logger.Info("container removed", slog.String("vm", name))
	return nil
}

// List returns the names of all running containers.
func (d *Driver) List(ctx context.Context) ([]string, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, opErr("list", "", err)
	}

	var names []string
	for _, c := range containers {
		if len(c.Names) == 0 {
			continue
		}
		names = append(names, strings.TrimPrefix(c.Names[0], "/"))
	}
	return names, nil
}

// ensureImage pulls the image the first time it is seen and drains the pull
// stream so the image is fully downloaded before the create call.
func (d *Driver) ensureImage(ctx context.Context, ref string) error {
	d.mu.Lock()
	done := d.pulled[ref]
	d.mu.Unlock()
	if done {
		return nil
	}

	d.logger.Info("pulling runner image", slog.String("image", ref))

	pull, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	if _, err := io.ReadAll(pull); err != nil {
		return fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return fmt.Errorf("closing image pull stream: %w", err)
	}

	d.mu.Lock()
	d.pulled[ref] = true
	d.mu.Unlock()

	d.logger.Info("runner image ready", slog.String("image", ref))
	return nil
}

// buildEnv translates the runner configuration into the environment
// contract used by self-hosted runner images (myoung34/github-runner and
// compatible): REPO_URL, RUNNER_TOKEN, RUNNER_NAME, LABELS, EPHEMERAL.
func buildEnv(cfg driver.RunnerConfig) []string {
	return []string{
		fmt.Sprintf("REPO_URL=%s", cfg.URL),
		fmt.Sprintf("RUNNER_TOKEN=%s", cfg.Token),
		fmt.Sprintf("RUNNER_NAME=%s", cfg.Name),
		fmt.Sprintf("LABELS=%s", strings.Join(cfg.Labels, ",")),
		"EPHEMERAL=1",
		"DISABLE_AUTO_UPDATE=1",
	}
}

func containerIP(info container.InspectResponse) string {
	if info.NetworkSettings == nil {
		return ""
	}
	if info.NetworkSettings.IPAddress != "" {
		return info.NetworkSettings.IPAddress
	}
	for _, network := range info.NetworkSettings.Networks {
		if network != nil && network.IPAddress != "" {
			return network.IPAddress
		}
	}
	return ""
}

func opErr(op, name string, err error) *driver.OpError {
	return &driver.OpError{Driver: "docker", Op: op, Name: name, Err: err}
}
