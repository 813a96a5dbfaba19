package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/shehryarbajwa/browserbase-geo/internal/logger"
)

const (
	DefaultImage = "browserless/chrome:latest"
	cdpPort      = "3000/tcp"
)

// Instance is a running browser container serving one session
type Instance struct {
	ContainerID string `json:"containerId,omitempty"`
	SessionID   string `json:"sessionId"`
	ConnectURL  string `json:"connectUrl,omitempty"`
	Region      string `json:"region"`
	Port        string `json:"port,omitempty"`
	UserDataDir string `json:"-"`
}

// LaunchOptions selects the session and the profile directory mounted at /data
type LaunchOptions struct {
	SessionID   string
	UserDataDir string
}

// Launcher starts and controls browser containers in one region
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (*Instance, error)
	WaitReady(ctx context.Context, inst *Instance) error
	Pause(ctx context.Context, containerID string) error
	Unpause(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
}

// Pool runs browserless Chrome containers on the local docker daemon for one region
type Pool struct {
	client *client.Client
	region string
	image  string
	http   *http.Client
	logger logger.Logger
}

// NewPool connects to docker using the environment (DOCKER_HOST etc.)
func NewPool(region, img string, log logger.Logger) (*Pool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if img == "" {
		img = DefaultImage
	}

	return &Pool{
		client: cli,
		region: region,
		image:  img,
		http:   &http.Client{Timeout: 2 * time.Second},
		logger: log.With(logger.String("region", region)),
	}, nil
}

func (p *Pool) Launch(ctx context.Context, opts LaunchOptions) (*Instance, error) {
	containerConfig := &container.Config{
		Image: p.image,
		Labels: map[string]string{
			"session-id": opts.SessionID,
			"region":     p.region,
			"managed-by": "browserbase-geo",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{
			cdpPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			cdpPort: []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: "0"},
			},
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: opts.UserDataDir,
				Target: "/data",
			},
		},
	}

	name := fmt.Sprintf("session-%s-%s-%d", p.region, shortID(opts.SessionID), time.Now().UnixNano())
	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[cdpPort]
	if len(bindings) == 0 {
		p.remove(resp.ID)
		return nil, fmt.Errorf("container %s exposes no CDP port", shortID(resp.ID))
	}
	port := bindings[0].HostPort

	p.logger.Info("browser container started",
		logger.String("session", opts.SessionID),
		logger.String("container", shortID(resp.ID)),
		logger.String("port", port))

	return &Instance{
		ContainerID: resp.ID,
		SessionID:   opts.SessionID,
		ConnectURL:  fmt.Sprintf("ws://localhost:%s", port),
		Region:      p.region,
		Port:        port,
		UserDataDir: opts.UserDataDir,
	}, nil
}

// WaitReady polls /json/version until Chrome answers or ctx is done
func (p *Pool) WaitReady(ctx context.Context, inst *Instance) error {
	url := fmt.Sprintf("http://localhost:%s/json/version", inst.Port)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		if resp, err := p.http.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("browser did not become ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *Pool) Pause(ctx context.Context, containerID string) error {
	if err := p.client.ContainerPause(ctx, containerID); err != nil {
		return fmt.Errorf("failed to pause container: %w", err)
	}
	return nil
}

func (p *Pool) Unpause(ctx context.Context, containerID string) error {
	if err := p.client.ContainerUnpause(ctx, containerID); err != nil {
		return fmt.Errorf("failed to unpause container: %w", err)
	}
	return nil
}

func (p *Pool) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	if err := p.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (p *Pool) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		p.logger.Warn("failed to remove container", logger.String("container", shortID(containerID)), logger.Error(err))
	}
}

// EnsureImage pulls the browser image unless it is already present
func (p *Pool) EnsureImage(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == p.image {
				return nil
			}
		}
	}

	p.logger.Info("pulling browser image", logger.String("image", p.image))
	reader, err := p.client.ImagePull(ctx, p.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Pool) Close() error {
	return p.client.Close()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
