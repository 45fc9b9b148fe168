// Package server runs bobbin as a daemon: trigger events arrive over HTTP,
// runs are queued and executed by one shared engine, and status and logs
// are streamed back over websockets.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/posthog/posthog-go"
	"tangled.sh/tangled.sh/bobbin/cache"
	"tangled.sh/tangled.sh/bobbin/config"
	"tangled.sh/tangled.sh/bobbin/db"
	"tangled.sh/tangled.sh/bobbin/engine"
	"tangled.sh/tangled.sh/bobbin/engines"
	"tangled.sh/tangled.sh/bobbin/log"
	"tangled.sh/tangled.sh/bobbin/notifier"
	"tangled.sh/tangled.sh/bobbin/notify"
	"tangled.sh/tangled.sh/bobbin/notify/email"
	"tangled.sh/tangled.sh/bobbin/notify/metrics"
	phnotify "tangled.sh/tangled.sh/bobbin/notify/posthog"
	"tangled.sh/tangled.sh/bobbin/queue"
	"tangled.sh/tangled.sh/bobbin/rbac"
	"tangled.sh/tangled.sh/bobbin/secrets"
	"tangled.sh/tangled.sh/bobbin/telemetry"
)

type Server struct {
	db     *db.DB
	l      *slog.Logger
	n      *notifier.Notifier
	eng    *engine.Engine
	jq     *queue.Queue
	notify notify.Notifier
	vault  secrets.Manager
	acl    *rbac.Enforcer
	tel    *telemetry.Telemetry
	cfg    *config.Config
}

func Run(ctx context.Context, cfg *config.Config) error {
	logger := log.FromContext(ctx)

	n := notifier.New()
	d, err := db.Make(cfg.Server.DBPath, n)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}
	defer d.Close()

	var tel *telemetry.Telemetry
	if cfg.Telemetry.Enabled {
		tel, err = telemetry.NewTelemetry(ctx, telemetry.Options{
			ServiceName:    "bobbin",
			ServiceVersion: versioninfo.Short(),
			Endpoint:       cfg.Telemetry.Endpoint,
			Dev:            cfg.Server.Dev,
		})
		if err != nil {
			return fmt.Errorf("failed to setup telemetry: %w", err)
		}
		defer tel.Shutdown(context.WithoutCancel(ctx))
	}

	vault, err := newSecrets(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to setup secrets provider: %w", err)
	}
	if s, ok := vault.(secrets.Stopper); ok {
		defer s.Stop()
	}
	if c, ok := vault.(io.Closer); ok {
		defer c.Close()
	}

	var acl *rbac.Enforcer
	if vault != nil && cfg.Server.AdminToken != "" {
		acl, err = newEnforcer(cfg)
		if err != nil {
			return fmt.Errorf("failed to setup rbac: %w", err)
		}
	}

	store, err := newCache(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to setup cache: %w", err)
	}
	if c, ok := store.(interface{ Close() }); ok {
		defer c.Close()
	}

	runner, err := engines.New(ctx, cfg.Pipelines)
	if err != nil {
		return fmt.Errorf("failed to setup %s runner: %w", cfg.Pipelines.Runner, err)
	}

	nf, closeNotifiers, err := newNotifier(ctx, cfg, tel)
	if err != nil {
		return err
	}
	defer closeNotifiers()

	opts := []engine.Option{
		engine.WithSlots(cfg.Pipelines.Slots),
		engine.WithStatusSink(d),
		engine.WithNotifier(nf),
		engine.WithLogDir(cfg.Pipelines.LogDir),
		engine.WithJobTimeout(cfg.Pipelines.JobTimeout),
	}
	if store != nil {
		opts = append(opts, engine.WithCache(store))
	}
	if vault != nil {
		opts = append(opts, engine.WithSecrets(vault))
	}
	eng, err := engine.New(ctx, runner, opts...)
	if err != nil {
		return err
	}

	jq := queue.NewQueue(cfg.Server.QueueSize, cfg.Server.QueueWorkers)

	// runs outlive the request that triggered them but not the server
	jq.Start(ctx)
	defer jq.Stop()

	s := &Server{
		db:     d,
		l:      logger,
		n:      n,
		eng:    eng,
		jq:     jq,
		notify: nf,
		vault:  vault,
		acl:    acl,
		tel:    tel,
		cfg:    cfg,
	}

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: s.Router(),
	}
	// ListenAndServe returns as soon as Shutdown starts; handlers may still
	// be enqueueing until shutdown is done
	shutdown := make(chan struct{})
	go func() {
		defer close(shutdown)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down server", "error", err)
		}
	}()

	logger.Info("starting bobbin server", "address", cfg.Server.ListenAddr, "runner", cfg.Pipelines.Runner, "slots", eng.Slots())
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	<-shutdown

	return nil
}

func newSecrets(ctx context.Context, cfg *config.Config) (secrets.Manager, error) {
	switch cfg.Secrets.Provider {
	case "none":
		return nil, nil
	case "", "sqlite":
		return secrets.NewSQLiteManager(cfg.Server.DBPath, secrets.WithTableName("secrets"))
	case "openbao":
		bao := cfg.Secrets.OpenBao
		if bao.Addr == "" {
			return nil, fmt.Errorf("openbao provider needs BOBBIN_SECRETS_OPENBAO_ADDR")
		}
		return secrets.NewOpenBaoManager(bao.Addr, bao.RoleID, bao.SecretID,
			log.SubLogger(log.FromContext(ctx), "openbao"),
			secrets.WithMountPath(bao.Mount),
		)
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", cfg.Secrets.Provider)
	}
}

func newEnforcer(cfg *config.Config) (*rbac.Enforcer, error) {
	e, err := rbac.NewEnforcer(cfg.Server.DBPath)
	if err != nil {
		return nil, err
	}

	if err := e.AddServerOwner(rbac.Owner); err != nil {
		return nil, err
	}

	// maintainers whose token was removed from the config lose access
	err = e.PruneMaintainers(func(user string) bool {
		_, ok := cfg.Server.Tokens[user]
		return ok
	})
	if err != nil {
		return nil, err
	}

	return e, e.E.SavePolicy()
}

func newCache(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	switch cfg.Cache.Provider {
	case "none":
		return nil, nil
	case "", "memory":
		return cache.NewMemory(cfg.Cache.MaxBytes, cfg.Cache.TTL)
	case "redis":
		return cache.NewRedis(ctx, cfg.Cache.RedisAddr, cfg.Cache.TTL)
	default:
		return nil, fmt.Errorf("unknown cache provider %q", cfg.Cache.Provider)
	}
}

// newNotifier merges every notifier the config enables. The returned func
// flushes the ones that buffer.
func newNotifier(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (notify.Notifier, func(), error) {
	l := log.FromContext(ctx)
	var notifiers []notify.Notifier
	closers := []func(){}

	if cfg.Notify.PosthogApiKey != "" {
		ph, err := posthog.NewWithConfig(cfg.Notify.PosthogApiKey, posthog.Config{Endpoint: cfg.Notify.PosthogEndpoint})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create posthog client: %w", err)
		}
		notifiers = append(notifiers, phnotify.NewPosthogNotifier(ph))
		closers = append(closers, func() { ph.Close() })
	}

	if cfg.Notify.ResendApiKey != "" {
		notifiers = append(notifiers, email.NewEmailNotifier(cfg.Notify.ResendApiKey, cfg.Notify.EmailFrom, cfg.Notify.EmailTo))
	}

	if tel != nil {
		m, err := metrics.NewMetricsNotifier(tel.Meter())
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, m)
	}

	l.Info("notifiers configured", "count", len(notifiers))
	return notify.NewMergedNotifier(notifiers, log.SubLogger(l, "notify")), func() {
		for _, c := range closers {
			c()
		}
	}, nil
}
