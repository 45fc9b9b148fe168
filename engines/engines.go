// Package engines picks a step runner by name.
package engines

import (
	"context"
	"fmt"
	"os"

	"tangled.sh/tangled.sh/bobbin/config"
	"tangled.sh/tangled.sh/bobbin/engines/docker"
	"tangled.sh/tangled.sh/bobbin/engines/shell"
	"tangled.sh/tangled.sh/bobbin/models"
)

var _ = []models.StepRunner{
	&shell.Engine{},
	&docker.Engine{},
}

// New builds the step runner named by cfg.Runner.
func New(ctx context.Context, cfg config.Pipelines) (models.StepRunner, error) {
	switch cfg.Runner {
	case "", "shell", "docker":
	default:
		return nil, fmt.Errorf("unknown runner %q", cfg.Runner)
	}

	if err := os.MkdirAll(cfg.WorkspaceDir, 0o755); err != nil {
		return nil, err
	}

	if cfg.Runner == "docker" {
		return docker.New(ctx, cfg.WorkspaceDir,
			docker.WithDefaultImage(cfg.DefaultImage),
			docker.WithKeepWorkspaces(cfg.KeepWorkspaces),
		)
	}
	return shell.New(ctx, cfg.WorkspaceDir, shell.WithKeepWorkspaces(cfg.KeepWorkspaces))
}
