// Package docker is a provisioner.Backend that runs each sandbox as a local
// Docker container exposing the execution server on a loopback port.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/nevindra/threadbox"
	"github.com/nevindra/threadbox/provisioner"
)

// LabelThreadID is set on every container to the thread it serves.
const LabelThreadID = "threadbox.thread_id"

// apiClient is the subset of the Docker Engine API the backend uses.
type apiClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
}

// Config describes the sandbox container.
type Config struct {
	Image string
	// Port is the execution server's port inside the container.
	Port int
	// Env is passed to every container in addition to THREADBOX_TOKEN.
	Env map[string]string
	// StopTimeout is how long Docker waits before killing a stopping container.
	StopTimeout time.Duration
	// Host is the address the published port is reachable on. Default: 127.0.0.1.
	Host string
}

// Backend implements provisioner.Backend with Docker containers.
type Backend struct {
	api    apiClient
	cfg    Config
	port   nat.Port
	logger *slog.Logger
}

var _ provisioner.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// NewFromEnv connects to the Docker daemon configured by the DOCKER_*
// environment variables.
func NewFromEnv(cfg Config, opts ...Option) (*Backend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return New(cli, cfg, opts...)
}

// New creates a Backend over an existing API client.
func New(api apiClient, cfg Config, opts ...Option) (*Backend, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("docker: image is required")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("docker: invalid port %d", cfg.Port)
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	port, err := nat.NewPort("tcp", fmt.Sprint(cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("docker: %w", err)
	}
	b := &Backend{api: api, cfg: cfg, port: port, logger: threadbox.NopLogger}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Create starts a new container for the thread.
func (b *Backend) Create(ctx context.Context, req provisioner.CreateRequest) (provisioner.Sandbox, error) {
	env := []string{"THREADBOX_TOKEN=" + req.Token}
	for k, v := range b.cfg.Env {
		env = append(env, k+"="+v)
	}
	name := "threadbox-" + threadbox.NewID()

	resp, err := b.api.ContainerCreate(ctx,
		&container.Config{
			Image:        b.cfg.Image,
			Env:          env,
			Labels:       map[string]string{LabelThreadID: req.ThreadID},
			ExposedPorts: nat.PortSet{b.port: struct{}{}},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{b.port: []nat.PortBinding{{HostIP: b.cfg.Host}}},
		},
		nil, nil, name)
	if err != nil {
		return provisioner.Sandbox{}, fmt.Errorf("create container: %w", err)
	}
	for _, w := range resp.Warnings {
		b.logger.Warn("docker: create warning", "container", resp.ID, "warning", w)
	}

	if err := b.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		b.remove(resp.ID)
		return provisioner.Sandbox{}, fmt.Errorf("start container: %w", err)
	}
	sb, err := b.inspect(ctx, resp.ID, req.Token)
	if err != nil {
		b.remove(resp.ID)
		return provisioner.Sandbox{}, err
	}
	b.logger.Debug("docker: container started", "container", resp.ID, "url", sb.Access.URL)
	return sb, nil
}

// Resume starts a stopped container. Docker assigns a new host port on
// every start, so the endpoint is re-read.
func (b *Backend) Resume(ctx context.Context, sandboxID string) (provisioner.Sandbox, error) {
	if err := b.api.ContainerStart(ctx, sandboxID, container.StartOptions{}); err != nil {
		return provisioner.Sandbox{}, mapErr("start container", err)
	}
	return b.inspect(ctx, sandboxID, "")
}

// Pause stops the container, keeping its filesystem.
func (b *Backend) Pause(ctx context.Context, sandboxID string) error {
	opts := container.StopOptions{}
	if b.cfg.StopTimeout > 0 {
		secs := int(b.cfg.StopTimeout.Seconds())
		opts.Timeout = &secs
	}
	return mapErr("stop container", b.api.ContainerStop(ctx, sandboxID, opts))
}

// Destroy force-removes the container and its anonymous volumes.
func (b *Backend) Destroy(ctx context.Context, sandboxID string) error {
	err := b.api.ContainerRemove(ctx, sandboxID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if client.IsErrNotFound(err) {
		return nil
	}
	return mapErr("remove container", err)
}

func (b *Backend) inspect(ctx context.Context, id, token string) (provisioner.Sandbox, error) {
	info, err := b.api.ContainerInspect(ctx, id)
	if err != nil {
		return provisioner.Sandbox{}, mapErr("inspect container", err)
	}
	if info.NetworkSettings == nil {
		return provisioner.Sandbox{}, fmt.Errorf("container %s has no network settings", id)
	}
	bindings := info.NetworkSettings.Ports[b.port]
	for _, pb := range bindings {
		if pb.HostPort == "" {
			continue
		}
		host := pb.HostIP
		if host == "" || host == "0.0.0.0" || strings.Contains(host, ":") {
			host = b.cfg.Host
		}
		return provisioner.Sandbox{
			ID:     id,
			Access: threadbox.PreviewAccess{URL: "http://" + host + ":" + pb.HostPort, Token: token},
		}, nil
	}
	return provisioner.Sandbox{}, fmt.Errorf("container %s publishes no host port for %s", id, b.port)
}

func (b *Backend) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.Destroy(ctx, id); err != nil {
		b.logger.Warn("docker: cleanup failed", "container", id, "error", err)
	}
}

// mapErr turns Docker's not-found into provisioner.ErrSandboxGone.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%s: %w", op, provisioner.ErrSandboxGone)
	}
	return fmt.Errorf("%s: %w", op, err)
}
