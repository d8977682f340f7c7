// Package docker launches a headless browser in a Docker container.
// The host must have a Docker daemon running; the standard environment variables for configuring
// the Docker client (DOCKER_HOST etc.) are honored.
package docker

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/guseggert/devtrace/internal/net"
	"github.com/guseggert/devtrace/launcher"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

const (
	DefaultImage = "chromedp/headless-shell:latest"

	containerPort = nat.Port("9222/tcp")
)

// API is the subset of the Docker client used to run a browser container.
type API interface {
	ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.ContainerCreateCreatedBody, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.ContainerWaitOKBody, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
}

const chars = "abcefghijklmnopqrstuvwxyz0123456789"

func randString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))]
	}
	return string(b)
}

type Launcher struct {
	Log             *zap.SugaredLogger
	Docker          API
	Image           string
	ContainerPrefix string
	// SkipPull uses the image already present on the daemon.
	SkipPull bool

	pullMut     sync.Mutex
	imagePulled bool
	idCounter   int
}

func New() (*Launcher, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	return NewWithAPI(dockerClient), nil
}

func NewWithAPI(api API) *Launcher {
	return &Launcher{
		Log:             zap.NewNop().Sugar(),
		Docker:          api,
		Image:           DefaultImage,
		ContainerPrefix: randString(6),
	}
}

func (l *Launcher) WithLogger(log *zap.SugaredLogger) *Launcher {
	l.Log = log.Named("docker_launcher")
	return l
}

func (l *Launcher) WithImage(img string) *Launcher {
	l.Image = img
	return l
}

func (l *Launcher) ensureImagePulled(ctx context.Context) error {
	l.pullMut.Lock()
	defer l.pullMut.Unlock()
	if l.imagePulled || l.SkipPull {
		return nil
	}
	out, err := l.Docker.ImagePull(ctx, l.Image, types.ImagePullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	if err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	l.imagePulled = true
	return nil
}

func (l *Launcher) nextName() string {
	l.pullMut.Lock()
	defer l.pullMut.Unlock()
	l.idCounter++
	return fmt.Sprintf("devtrace-%s-%d", l.ContainerPrefix, l.idCounter)
}

func (l *Launcher) Launch(ctx context.Context, p launcher.Params) (*launcher.Result, error) {
	if p.Mode == launcher.ModeHeaded {
		return nil, &launcher.LaunchError{
			Code:    launcher.CodeStartFailed,
			Message: "headed mode is not available in a container",
			Hint:    "use the local launcher for headed mode",
		}
	}

	hostPort := p.Port
	if hostPort != 0 {
		if err := net.CheckTCPPortFree(hostPort); err != nil {
			return nil, launcher.Errorf(launcher.CodePortUnavailable, err, "host port %d", hostPort)
		}
	} else {
		port, err := net.GetEphemeralTCPPort()
		if err != nil {
			return nil, launcher.Errorf(launcher.CodePortUnavailable, err, "acquiring ephemeral port")
		}
		hostPort = port
	}

	if err := l.ensureImagePulled(ctx); err != nil {
		return nil, &launcher.LaunchError{
			Code:    launcher.CodeStartFailed,
			Message: fmt.Sprintf("pulling image %s", l.Image),
			Hint:    "check that the Docker daemon is running and the image name is right",
			Err:     err,
		}
	}

	url := p.URL
	if url == "" {
		url = "about:blank"
	}
	name := l.nextName()
	createResp, err := l.Docker.ContainerCreate(
		ctx,
		&container.Config{
			Image:        l.Image,
			Cmd:          append(append([]string{}, p.ExtraArgs...), url),
			ExposedPorts: nat.PortSet{containerPort: struct{}{}},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{containerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}}},
		},
		nil,
		nil,
		name,
	)
	if err != nil {
		return nil, launcher.Errorf(launcher.CodeStartFailed, err, "creating container %s", name)
	}

	proc := &Process{
		log:         l.Log,
		docker:      l.Docker,
		ContainerID: createResp.ID,
		Name:        name,
		HostPort:    hostPort,
		done:        make(chan struct{}),
	}

	err = l.Docker.ContainerStart(ctx, proc.ContainerID, types.ContainerStartOptions{})
	if err != nil {
		proc.remove(context.Background())
		return nil, launcher.Errorf(launcher.CodeStartFailed, err, "starting container %s", name)
	}
	proc.watch()

	endpoint := fmt.Sprintf("http://127.0.0.1:%d", hostPort)
	targetID, err := launcher.WaitForTarget(ctx, l.Log, endpoint, p.StartupTimeout, proc.done)
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if stopErr := proc.Stop(stopCtx); stopErr != nil {
			l.Log.Warnw("removing container after failed launch", "Container", name, "Error", stopErr)
		}
		return nil, err
	}

	l.Log.Infow("browser container started", "Container", name, "Endpoint", endpoint, "Target", targetID)
	return &launcher.Result{
		Process:           proc,
		DirectoryEndpoint: endpoint,
		InitialTargetID:   targetID,
	}, nil
}

type Process struct {
	ContainerID string
	Name        string
	HostPort    int

	log    *zap.SugaredLogger
	docker API

	done       chan struct{}
	cancelWait context.CancelFunc

	stopOnce sync.Once
	stopErr  error
}

// watch closes done when the container stops running.
func (p *Process) watch() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancelWait = cancel
	waitCh, errCh := p.docker.ContainerWait(ctx, p.ContainerID, container.WaitConditionNotRunning)
	go func() {
		defer close(p.done)
		select {
		case res := <-waitCh:
			p.log.Debugw("container exited", "Container", p.Name, "StatusCode", res.StatusCode)
		case err := <-errCh:
			if ctx.Err() == nil {
				p.log.Debugw("waiting on container", "Container", p.Name, "Error", err)
			}
		}
	}()
}

func (p *Process) Done() <-chan struct{} { return p.done }

// Stop force-removes the container.
func (p *Process) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.remove(ctx)
		if p.stopErr == nil && p.cancelWait != nil {
			select {
			case <-p.done:
			case <-ctx.Done():
			}
		}
		if p.cancelWait != nil {
			p.cancelWait()
		}
	})
	return p.stopErr
}

func (p *Process) remove(ctx context.Context) error {
	err := p.docker.ContainerRemove(ctx, p.ContainerID, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil {
		return fmt.Errorf("removing container %q: %w", p.ContainerID, err)
	}
	return nil
}
