package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/bobbin/config"
	"tangled.sh/tangled.sh/bobbin/log"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run the bobbin daemon",
		Action: Serve,
		Description: `
Environment variables:
	BOBBIN_SERVER_LISTEN_ADDR          (default: 0.0.0.0:6560)
	BOBBIN_SERVER_DB_PATH              (default: bobbin.db)
	BOBBIN_SERVER_DEFINITION           (default: .bobbin/ci.yml)
	BOBBIN_SERVER_QUEUE_SIZE           (default: 64)
	BOBBIN_SERVER_QUEUE_WORKERS        (default: 2)
	BOBBIN_SERVER_LOG_LEVEL            (default: info)
	BOBBIN_SERVER_ADMIN_TOKEN          (enables the secrets routes)
	BOBBIN_PIPELINES_RUNNER            (shell or docker, default: shell)
	BOBBIN_PIPELINES_SLOTS             (default: number of CPUs)
	BOBBIN_PIPELINES_JOB_TIMEOUT       (default: 1h)
	BOBBIN_PIPELINES_LOG_DIR           (default: /var/log/bobbin)
	BOBBIN_PIPELINES_WORKSPACE_DIR     (default: /var/lib/bobbin/workspaces)
	BOBBIN_CACHE_PROVIDER              (memory, redis or none, default: memory)
	BOBBIN_SECRETS_PROVIDER            (sqlite, openbao or none, default: sqlite)
	BOBBIN_NOTIFY_POSTHOG_API_KEY
	BOBBIN_NOTIFY_RESEND_API_KEY
	BOBBIN_TELEMETRY_ENABLED           (default: false)
`,
	}
}

func Serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Configure(log.Options{Level: cfg.Server.LogLevel})
	ctx = log.IntoContext(ctx, log.New("bobbin/server"))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Server.Dev {
		log.FromContext(ctx).Info("running in dev mode, telemetry is exported to stdout")
	}

	return Run(ctx, cfg)
}
