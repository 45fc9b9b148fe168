package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"tangled.sh/tangled.sh/bobbin/engine"
	"tangled.sh/tangled.sh/bobbin/log"
	"tangled.sh/tangled.sh/bobbin/models"
)

const (
	workspaceDir = "/bobbin/workspace"
)

type cleanupFunc func(context.Context) error

// Engine runs every step of an instance in a fresh container of the job's
// image. Containers of one instance share a bind-mounted host workspace and
// a private bridge network.
type Engine struct {
	docker       client.APIClient
	l            *slog.Logger
	root         string
	defaultImage string
	keep         bool

	pullAttempts uint
	pullDelay    time.Duration

	mu       sync.Mutex
	cleanup  map[string][]cleanupFunc
	networks map[string]string
	images   map[string]string
}

type Opt func(*Engine)

func WithDefaultImage(image string) Opt {
	return func(e *Engine) {
		e.defaultImage = image
	}
}

func WithKeepWorkspaces(keep bool) Opt {
	return func(e *Engine) {
		e.keep = keep
	}
}

// WithClient replaces the docker client built from the environment.
func WithClient(c client.APIClient) Opt {
	return func(e *Engine) {
		e.docker = c
	}
}

func New(ctx context.Context, root string, opts ...Opt) (*Engine, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		l:            log.FromContext(ctx).With("component", "docker"),
		root:         root,
		defaultImage: "docker.io/library/debian:stable-slim",
		pullAttempts: 3,
		pullDelay:    2 * time.Second,
		cleanup:      make(map[string][]cleanupFunc),
		networks:     make(map[string]string),
		images:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.docker == nil {
		dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, err
		}
		e.docker = dcli
	}

	return e, nil
}

func (e *Engine) Workspace(inst *models.JobInstance) string {
	return filepath.Join(e.root, inst.Id.String())
}

// Image resolves the job image for one cell: ${MATRIX_*} references are
// replaced with the instance's binding.
func (e *Engine) Image(inst *models.JobInstance) string {
	env := inst.Binding.Env()
	img := strings.TrimSpace(os.Expand(inst.Template.Image, func(k string) string {
		return env[k]
	}))
	if img == "" {
		return e.defaultImage
	}
	return img
}

// Setup creates the host workspace and a network for the instance and
// pulls its image. These persist across steps and are removed by Destroy.
func (e *Engine) Setup(ctx context.Context, inst *models.JobInstance) error {
	id := inst.Id.String()
	e.l.Info("setting up instance", "instance", id)

	ws := e.Workspace(inst)
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}
	if !e.keep {
		e.registerCleanup(id, func(context.Context) error {
			return os.RemoveAll(ws)
		})
	}

	net := networkName()
	_, err := e.docker.NetworkCreate(ctx, net, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return fmt.Errorf("creating network: %w", err)
	}
	e.registerCleanup(id, func(ctx context.Context) error {
		return e.docker.NetworkRemove(ctx, net)
	})

	img := e.Image(inst)
	e.mu.Lock()
	e.networks[id] = net
	e.images[id] = img
	e.mu.Unlock()

	err = retry.Do(
		func() error {
			reader, err := e.docker.ImagePull(ctx, img, image.PullOptions{})
			if err != nil {
				return err
			}
			defer reader.Close()
			_, err = io.Copy(io.Discard, reader)
			return err
		},
		retry.Attempts(e.pullAttempts),
		retry.Delay(e.pullDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			e.l.Warn("image pull failed, retrying", "image", img, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		e.l.Error("image pull failed", "image", img, "instance", id, "error", err)
		return fmt.Errorf("pulling image: %w", err)
	}

	return nil
}

func (e *Engine) RunStep(ctx context.Context, inst *models.JobInstance, idx int, env models.EnvVars, l *models.InstanceLogger) error {
	id := inst.Id.String()
	step := inst.Template.Steps[idx]

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	e.mu.Lock()
	net, img := e.networks[id], e.images[id]
	e.mu.Unlock()
	if img == "" {
		return fmt.Errorf("instance %s was not set up", id)
	}

	envs := append(models.EnvVars(nil), env...)
	envs.AddEnv("HOME", workspaceDir)
	envs.AddEnv("CI", "true")
	e.l.Debug("envs for step", "step", step.Name, "envs", len(envs))

	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image:      img,
		Cmd:        []string{"bash", "-c", step.Command},
		WorkingDir: workspaceDir,
		Tty:        false,
		Hostname:   "bobbin",
		Env:        envs.Slice(),
	}, hostConfig(e.Workspace(inst)), nil, nil, "")
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	defer e.DestroyStep(context.WithoutCancel(ctx), resp.ID)

	if net != "" {
		err = e.docker.NetworkConnect(ctx, net, resp.ID, nil)
		if err != nil {
			return fmt.Errorf("connecting network: %w", err)
		}
	}

	err = e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	if err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	e.l.Info("started container", "name", resp.ID, "step", step.Name)

	// start tailing logs in background
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- e.tailStep(ctx, l, resp.ID, idx)
	}()

	// wait for container completion or timeout
	waitDone := make(chan struct{})
	var state *container.State
	var waitErr error

	go func() {
		defer close(waitDone)
		state, waitErr = e.WaitStep(ctx, resp.ID)
	}()

	select {
	case <-waitDone:
		if err := <-tailDone; err != nil {
			e.l.Warn("failed to tail step logs", "container", resp.ID, "error", err)
		}

	case <-ctx.Done():
		e.l.Warn("step interrupted; killing container", "container", resp.ID, "step", step.Name)
		err = e.DestroyStep(context.WithoutCancel(ctx), resp.ID)
		if err != nil {
			e.l.Error("failed to destroy step", "container", resp.ID, "error", err)
		}

		// wait for both goroutines to finish
		<-waitDone
		<-tailDone
	}

	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return engine.ErrTimedOut
		}
		return err
	}

	if waitErr != nil {
		return waitErr
	}

	if state.ExitCode != 0 {
		e.l.Error("step failed", "instance", id, "error", state.Error, "exit_code", state.ExitCode, "oom_killed", state.OOMKilled)
		if state.OOMKilled {
			return engine.ErrOOMKilled
		}
		return &engine.ExitError{Code: state.ExitCode}
	}

	return nil
}

func (e *Engine) WaitStep(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := e.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	e.l.Debug("waited for container", "name", containerID)

	info, err := e.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return info.State, nil
}

func (e *Engine) tailStep(ctx context.Context, l *models.InstanceLogger, containerID string, stepIdx int) error {
	if l == nil {
		return nil
	}

	logs, err := e.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
		Details:    false,
		Timestamps: false,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	_, err = stdcopy.StdCopy(
		models.StripANSI(l.DataWriter(stepIdx, "stdout")),
		models.StripANSI(l.DataWriter(stepIdx, "stderr")),
		logs,
	)
	if err != nil && err != io.EOF && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}

	return nil
}

func (e *Engine) DestroyStep(ctx context.Context, containerID string) error {
	err := e.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	if err := e.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		RemoveLinks:   false,
		Force:         false,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	return nil
}

// Destroy runs the instance's cleanups in reverse order of registration.
func (e *Engine) Destroy(ctx context.Context, inst *models.JobInstance) error {
	key := inst.Id.String()

	e.mu.Lock()
	fns := e.cleanup[key]
	delete(e.cleanup, key)
	delete(e.networks, key)
	delete(e.images, key)
	e.mu.Unlock()

	var errs []error
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](ctx); err != nil {
			e.l.Error("failed to cleanup instance resource", "instance", key, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) registerCleanup(key string, fn cleanupFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cleanup[key] = append(e.cleanup[key], fn)
}

// networkName is unique per setup, so a re-run of the same instance id
// never collides with a network that failed to clean up.
func networkName() string {
	return "bobbin-" + uuid.NewString()
}

func hostConfig(workspace string) *container.HostConfig {
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: workspace,
				Target: workspaceDir,
			},
			{
				Type:     mount.TypeTmpfs,
				Target:   "/tmp",
				ReadOnly: false,
				TmpfsOptions: &mount.TmpfsOptions{
					Mode: 0o1777, // world-writeable sticky bit
					Options: [][]string{
						{"exec"},
					},
				},
			},
		},
		ReadonlyRootfs: false,
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"CAP_DAC_OVERRIDE", "CAP_CHOWN", "CAP_FOWNER"},
		SecurityOpt:    []string{"no-new-privileges"},
		ExtraHosts:     []string{"host.docker.internal:host-gateway"},
	}

	return hostConfig
}

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}
