// Package shell runs steps as host processes, one workspace directory per
// instance. It needs nothing but a POSIX shell, which makes it the runner of
// choice for local runs and tests.
package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"tangled.sh/tangled.sh/bobbin/engine"
	"tangled.sh/tangled.sh/bobbin/log"
	"tangled.sh/tangled.sh/bobbin/models"
)

type Engine struct {
	l     *slog.Logger
	root  string
	shell string
	keep  bool
	// baseEnv is what every step starts from before the instance env.
	baseEnv []string
}

type Opt func(*Engine)

// WithKeepWorkspaces leaves workspaces behind after Destroy, handy when
// debugging a failed cell.
func WithKeepWorkspaces(keep bool) Opt {
	return func(e *Engine) {
		e.keep = keep
	}
}

func WithShell(shell string) Opt {
	return func(e *Engine) {
		e.shell = shell
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
		l:    log.FromContext(ctx).With("component", "shell"),
		root: root,
		baseEnv: []string{
			"PATH=" + os.Getenv("PATH"),
			"LANG=C.UTF-8",
			"CI=true",
		},
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.shell == "" {
		e.shell = "bash"
		if _, err := exec.LookPath("bash"); err != nil {
			e.shell = "sh"
		}
	}

	return e, nil
}

func (e *Engine) Workspace(inst *models.JobInstance) string {
	return filepath.Join(e.root, inst.Id.String())
}

func (e *Engine) Setup(ctx context.Context, inst *models.JobInstance) error {
	ws := e.Workspace(inst)
	e.l.Info("setting up workspace", "instance", inst.Id.String(), "workspace", ws)
	return os.MkdirAll(ws, 0o755)
}

func (e *Engine) Destroy(ctx context.Context, inst *models.JobInstance) error {
	if e.keep {
		return nil
	}
	return os.RemoveAll(e.Workspace(inst))
}

func (e *Engine) RunStep(ctx context.Context, inst *models.JobInstance, idx int, env models.EnvVars, l *models.InstanceLogger) error {
	step := inst.Template.Steps[idx]

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	ws := e.Workspace(inst)
	envs := append(models.EnvVars(nil), e.baseEnv...)
	envs.AddEnv("HOME", ws)
	envs.AddEnv("BOBBIN_WORKSPACE", ws)
	envs = append(envs, env...)

	cmd := exec.CommandContext(ctx, e.shell, "-c", step.Command)
	cmd.Dir = ws
	cmd.Env = envs.Slice()
	cmd.Stdout = models.StripANSI(l.DataWriter(idx, "stdout"))
	cmd.Stderr = models.StripANSI(l.DataWriter(idx, "stderr"))
	killGroup(cmd)
	// background children may hold the pipes open after the shell is killed
	cmd.WaitDelay = 5 * time.Second

	e.l.Debug("running step", "instance", inst.Id.String(), "step", step.Name, "shell", e.shell)
	err := cmd.Run()

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.l.Warn("step timed out; process killed", "instance", inst.Id.String(), "step", step.Name)
			return engine.ErrTimedOut
		}
		return ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &engine.ExitError{Code: exitErr.ExitCode()}
	}
	if err != nil {
		return fmt.Errorf("running %s: %w", e.shell, err)
	}

	return nil
}
