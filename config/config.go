package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr   string `env:"LISTEN_ADDR, default=0.0.0.0:6560"`
	DBPath       string `env:"DB_PATH, default=bobbin.db"`
	Definition   string `env:"DEFINITION, default=.bobbin/ci.yml"`
	Dev          bool   `env:"DEV, default=false"`
	QueueSize    int    `env:"QUEUE_SIZE, default=64"`
	QueueWorkers int    `env:"QUEUE_WORKERS, default=2"`
	LogLevel     string `env:"LOG_LEVEL, default=info"`

	// AdminToken authenticates the server owner. The secrets and acl routes
	// are disabled when it is empty.
	AdminToken string `env:"ADMIN_TOKEN"`
	// Tokens maps maintainer names to bearer tokens, as name:token pairs.
	Tokens map[string]string `env:"TOKENS"`
}

type Pipelines struct {
	// Runner picks the step runner: shell or docker.
	Runner         string        `env:"RUNNER, default=shell"`
	Slots          int64         `env:"SLOTS, default=0"`
	JobTimeout     time.Duration `env:"JOB_TIMEOUT, default=1h"`
	LogDir         string        `env:"LOG_DIR, default=/var/log/bobbin"`
	WorkspaceDir   string        `env:"WORKSPACE_DIR, default=/var/lib/bobbin/workspaces"`
	DefaultImage   string        `env:"DEFAULT_IMAGE, default=docker.io/library/debian:stable-slim"`
	KeepWorkspaces bool          `env:"KEEP_WORKSPACES, default=false"`
}

type Cache struct {
	// Provider is memory, redis or none.
	Provider  string        `env:"PROVIDER, default=memory"`
	MaxBytes  int64         `env:"MAX_BYTES, default=1073741824"`
	TTL       time.Duration `env:"TTL, default=168h"`
	RedisAddr string        `env:"REDIS_ADDR, default=localhost:6379"`
}

type Secrets struct {
	// Provider is sqlite, openbao or none.
	Provider string        `env:"PROVIDER, default=sqlite"`
	OpenBao  OpenBaoConfig `env:",prefix=OPENBAO_"`
}

type OpenBaoConfig struct {
	Addr     string `env:"ADDR"`
	RoleID   string `env:"ROLE_ID"`
	SecretID string `env:"SECRET_ID"`
	Mount    string `env:"MOUNT, default=bobbin"`
}

type Notify struct {
	PosthogApiKey   string   `env:"POSTHOG_API_KEY"`
	PosthogEndpoint string   `env:"POSTHOG_ENDPOINT, default=https://eu.i.posthog.com"`
	ResendApiKey    string   `env:"RESEND_API_KEY"`
	EmailFrom       string   `env:"EMAIL_FROM, default=bobbin@localhost"`
	EmailTo         []string `env:"EMAIL_TO"`
}

type Telemetry struct {
	Enabled  bool   `env:"ENABLED, default=false"`
	Endpoint string `env:"ENDPOINT, default=localhost:4317"`
}

type Config struct {
	Server    Server    `env:",prefix=BOBBIN_SERVER_"`
	Pipelines Pipelines `env:",prefix=BOBBIN_PIPELINES_"`
	Cache     Cache     `env:",prefix=BOBBIN_CACHE_"`
	Secrets   Secrets   `env:",prefix=BOBBIN_SECRETS_"`
	Notify    Notify    `env:",prefix=BOBBIN_NOTIFY_"`
	Telemetry Telemetry `env:",prefix=BOBBIN_TELEMETRY_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFrom is Load with an explicit lookuper instead of the process
// environment.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
