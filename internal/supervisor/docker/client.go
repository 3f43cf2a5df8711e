package docker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

var errContainerNotFound = errors.New("container not found")

// runSpec is the container the supervisor asks the engine to start.
type runSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	Binds       []string
	WorkingDir  string
	Labels      map[string]string
	Port        nat.Port
	MemoryBytes int64
	NanoCPUs    int64
}

// containerInfo is the subset of inspect output the supervisor needs.
type containerInfo struct {
	ID       string
	Name     string
	Running  bool
	HostPort int
	Labels   map[string]string
}

// engine is the container runtime surface used by Supervisor.
type engine interface {
	Run(ctx context.Context, spec runSpec) (containerInfo, error)
	Inspect(ctx context.Context, name string, port nat.Port) (containerInfo, error)
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Remove(ctx context.Context, name string) error
	ListManaged(ctx context.Context) ([]containerInfo, error)
}

// Client wraps the Docker SDK client.
type Client struct {
	inner *client.Client
}

var _ engine = (*Client)(nil)

// NewClient creates a Docker client using environment defaults.
func NewClient(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Run creates and starts a container and waits briefly for its host port.
func (c *Client) Run(ctx context.Context, spec runSpec) (containerInfo, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return containerInfo{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return containerInfo{}, fmt.Errorf("image name cannot be empty")
	}

	config := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{spec.Port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		Binds: spec.Binds,
		PortBindings: nat.PortMap{
			spec.Port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return containerInfo{}, fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return containerInfo{}, fmt.Errorf("container start: %w", err)
	}

	var info containerInfo
	for attempt := 0; attempt < 10; attempt++ {
		info, err = c.Inspect(ctx, created.ID, spec.Port)
		if err != nil {
			return containerInfo{}, err
		}
		if info.HostPort > 0 {
			break
		}
		select {
		case <-ctx.Done():
			return containerInfo{}, fmt.Errorf("wait for host port: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
	return info, nil
}

// Inspect reports a container's run state and the host port bound to port.
func (c *Client) Inspect(ctx context.Context, name string, port nat.Port) (containerInfo, error) {
	inspect, err := c.inner.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return containerInfo{}, errContainerNotFound
		}
		return containerInfo{}, fmt.Errorf("container inspect: %w", err)
	}
	info := containerInfo{ID: inspect.ID, Name: strings.TrimPrefix(inspect.Name, "/")}
	if inspect.ContainerJSONBase != nil && inspect.State != nil {
		info.Running = inspect.State.Running
	}
	if inspect.Config != nil {
		info.Labels = inspect.Config.Labels
	}
	info.HostPort = hostPort(inspect.NetworkSettings, port)
	return info, nil
}

// Stop stops a container, ignoring missing ones.
func (c *Client) Stop(ctx context.Context, name string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := c.inner.ContainerStop(ctx, name, container.StopOptions{Timeout: &seconds}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// Remove force-removes a container if it exists.
func (c *Client) Remove(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// ListManaged lists containers carrying the edge management label.
func (c *Client) ListManaged(ctx context.Context) ([]containerInfo, error) {
	list, err := c.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]containerInfo, 0, len(list))
	for _, item := range list {
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}
		out = append(out, containerInfo{
			ID:      item.ID,
			Name:    name,
			Running: item.State == "running",
			Labels:  item.Labels,
		})
	}
	return out, nil
}

func hostPort(settings *types.NetworkSettings, port nat.Port) int {
	if settings == nil || settings.Ports == nil {
		return 0
	}
	for _, binding := range settings.Ports[port] {
		if p, err := strconv.Atoi(strings.TrimSpace(binding.HostPort)); err == nil && p > 0 {
			return p
		}
	}
	return 0
}
