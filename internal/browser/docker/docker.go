// Package docker implements a browser launcher that runs one selenium style
// standalone browser container per session and drives it over its WebDriver
// endpoint. Closing the session removes the container.
package docker

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/oklog/ulid/v2"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/slok/credforge/internal/browser"
	"github.com/slok/credforge/internal/browser/webdriver"
	"github.com/slok/credforge/internal/log"
)

// DockerClient is the interface for Docker operations that we use.
// This allows us to mock the Docker client for testing.
type DockerClient interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
}

const (
	defaultImage = "selenium/standalone-chrome:latest"
	// webdriverPort is the WebDriver port inside the container.
	webdriverPort = "4444/tcp"
)

// LauncherConfig is the configuration for the Docker launcher.
type LauncherConfig struct {
	Client DockerClient
	// Image is the standalone browser container image.
	Image string
	// DownloadDir is mounted into the container as the browser download
	// directory.
	DownloadDir string
	// ReadyTimeout bounds the wait for the container WebDriver endpoint.
	ReadyTimeout time.Duration
	Logger       log.Logger
}

func (c *LauncherConfig) defaults() error {
	if c.Client == nil {
		// Create a default Docker client
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("could not create Docker client: %w", err)
		}
		c.Client = cli
	}
	if c.Image == "" {
		c.Image = defaultImage
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "browser.DockerLauncher"})
	return nil
}

// Launcher is the Docker implementation of the browser.Launcher interface.
type Launcher struct {
	client       DockerClient
	image        string
	downloadDir  string
	readyTimeout time.Duration
	logger       log.Logger
}

// NewLauncher creates a new Docker launcher.
func NewLauncher(cfg LauncherConfig) (*Launcher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Launcher{
		client:       cfg.Client,
		image:        cfg.Image,
		downloadDir:  cfg.DownloadDir,
		readyTimeout: cfg.ReadyTimeout,
		logger:       cfg.Logger,
	}, nil
}

// NewSession pulls the browser image, starts a container for it, waits for
// its WebDriver endpoint and opens a session on it.
func (l *Launcher) NewSession(ctx context.Context) (browser.Session, error) {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	containerName := fmt.Sprintf("credforge-browser-%s", strings.ToLower(id))

	l.logger.Infof("[1/4] Pulling image: %s", l.image)
	pullResp, err := l.client.ImagePull(ctx, l.image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", l.image, err)
	}
	// Consume the pull response to ensure it completes
	_, _ = io.Copy(io.Discard, pullResp)
	pullResp.Close()

	l.logger.Infof("[2/4] Creating container: %s", containerName)
	containerConfig := &container.Config{
		Image: l.image,
		ExposedPorts: nat.PortSet{
			nat.Port(webdriverPort): struct{}{},
		},
		Env: []string{"SE_NODE_MAX_SESSIONS=1"},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			// Random host port, resolved from the inspect below.
			nat.Port(webdriverPort): []nat.PortBinding{{HostIP: "127.0.0.1"}},
		},
		ShmSize: 2 * 1024 * 1024 * 1024, // Browsers crash on the 64MB default.
	}
	if l.downloadDir != "" {
		hostConfig.Binds = []string{fmt.Sprintf("%s:/home/seluser/Downloads", l.downloadDir)}
	}

	resp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	containerID := resp.ID

	l.logger.Infof("[3/4] Starting container: %s", containerID)
	if err := l.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		l.removeContainer(ctx, containerID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	endpoint, err := l.endpoint(ctx, containerID)
	if err != nil {
		l.removeContainer(ctx, containerID)
		return nil, err
	}

	l.logger.Infof("[4/4] Waiting for WebDriver endpoint: %s", endpoint)
	if err := l.waitReady(ctx, endpoint); err != nil {
		l.removeContainer(ctx, containerID)
		return nil, err
	}

	wdLauncher, err := webdriver.NewLauncher(webdriver.LauncherConfig{
		RemoteURL:   endpoint,
		DownloadDir: l.downloadDir,
		Logger:      l.logger,
	})
	if err != nil {
		l.removeContainer(ctx, containerID)
		return nil, fmt.Errorf("could not create webdriver launcher: %w", err)
	}

	sess, err := wdLauncher.NewSession(ctx)
	if err != nil {
		l.removeContainer(ctx, containerID)
		return nil, fmt.Errorf("could not open session on container %s: %w", containerName, err)
	}

	l.logger.Infof("Created browser container: %s (container: %s)", containerName, containerID)

	return &containerSession{
		Session:     sess,
		launcher:    l,
		containerID: containerID,
	}, nil
}

// endpoint resolves the host address of the container WebDriver port.
func (l *Launcher) endpoint(ctx context.Context, containerID string) (string, error) {
	info, err := l.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}

	bindings, ok := info.NetworkSettings.Ports[nat.Port(webdriverPort)]
	if !ok || len(bindings) == 0 {
		return "", fmt.Errorf("container has no host binding for %s", webdriverPort)
	}

	return fmt.Sprintf("http://%s:%s/wd/hub", bindings[0].HostIP, bindings[0].HostPort), nil
}

// waitReady polls the endpoint status resource until it answers.
func (l *Launcher) waitReady(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, l.readyTimeout)
	defer cancel()

	httpc := &http.Client{Timeout: 2 * time.Second}
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/status", nil)
		if err != nil {
			return fmt.Errorf("creating status request: %w", err)
		}
		resp, err := httpc.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return fmt.Errorf("endpoint %s never became ready: %w", endpoint, ctx.Err())
		}
	}
}

func (l *Launcher) removeContainer(ctx context.Context, containerID string) {
	err := l.client.ContainerRemove(context.WithoutCancel(ctx), containerID, container.RemoveOptions{
		Force: true, // Force removal even if running
	})
	if err != nil && !strings.Contains(err.Error(), "No such container") {
		l.logger.Errorf("Failed to remove container %s: %v", containerID, err)
	}
}

// containerSession wraps the WebDriver session so closing it also stops and
// removes the container.
type containerSession struct {
	browser.Session
	launcher    *Launcher
	containerID string
}

func (s *containerSession) Close(ctx context.Context) error {
	err := s.Session.Close(ctx)
	if err != nil {
		s.launcher.logger.Warningf("Could not close webdriver session cleanly: %v", err)
	}

	timeout := 10 // 10 seconds timeout for graceful shutdown
	if stopErr := s.launcher.client.ContainerStop(ctx, s.containerID, container.StopOptions{Timeout: &timeout}); stopErr != nil {
		if !strings.Contains(stopErr.Error(), "is not running") && !strings.Contains(stopErr.Error(), "No such container") {
			s.launcher.logger.Warningf("Failed to stop container %s: %v", s.containerID, stopErr)
		}
	}
	s.launcher.removeContainer(ctx, s.containerID)

	s.launcher.logger.Infof("Removed browser container: %s", s.containerID)
	return err
}
