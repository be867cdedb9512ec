package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Martian-dev/mailsync/internal/logging"
)

// Config is the top-level service configuration.
type Config struct {
	Log          logging.Config     `mapstructure:"log"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Database     DatabaseConfig     `mapstructure:"database"`
	EventStore   EventStoreConfig   `mapstructure:"eventstore"`
	NATS         NATSConfig         `mapstructure:"nats"`
	JMAP         JMAPConfig         `mapstructure:"jmap"`
	Google       OAuthAppConfig     `mapstructure:"google"`
	Microsoft    OAuthAppConfig     `mapstructure:"microsoft"`
	Webhook      WebhookConfig      `mapstructure:"webhook"`
	Manager      ManagerConfig      `mapstructure:"manager"`
	Poll         PollConfig         `mapstructure:"poll"`
	Pool         PoolConfig         `mapstructure:"pool"`
	Capabilities CapabilitiesConfig `mapstructure:"capabilities"`
	Labels       LabelsConfig       `mapstructure:"labels"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Secrets      SecretsConfig      `mapstructure:"secrets"`
}

// HTTPConfig holds the listen address of the webhook/admin server.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the account store backend ("sqlite3" or "postgres").
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// EventStoreConfig points at the processed-message ledger and outbox.
type EventStoreConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig configures the JetStream publisher.
type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
}

// JMAPConfig configures the push-capable transport.
type JMAPConfig struct {
	SessionURL   string        `mapstructure:"session_url"`
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// OAuthAppConfig holds OAuth client credentials of a provider app.
type OAuthAppConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// WebhookConfig is the processing boundary the dispatcher delivers to.
type WebhookConfig struct {
	URL        string        `mapstructure:"url"`
	Secret     string        `mapstructure:"secret"`
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ManagerConfig tunes the push account manager.
type ManagerConfig struct {
	RefreshInterval   time.Duration `mapstructure:"refresh_interval"`
	MinTier           int           `mapstructure:"min_tier"`
	ReconcileParallel int           `mapstructure:"reconcile_parallel"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
}

// PollConfig tunes the poll engine and its scheduler.
type PollConfig struct {
	MinInterval      time.Duration `mapstructure:"min_interval"`
	ScheduleInterval time.Duration `mapstructure:"schedule_interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	InitialWindow    time.Duration `mapstructure:"initial_window"`
	Concurrency      int           `mapstructure:"concurrency"`
	Mailbox          string        `mapstructure:"mailbox"`
}

// PoolConfig tunes the transport connection pool.
type PoolConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// CapabilitiesConfig tunes the capability cache.
type CapabilitiesConfig struct {
	TTL       time.Duration `mapstructure:"ttl"`
	CacheSize int           `mapstructure:"cache_size"`
}

// LabelsConfig controls folder-emulated labels.
type LabelsConfig struct {
	FolderPrefix string `mapstructure:"folder_prefix"`
}

// AuthConfig configures admin API token verification.
type AuthConfig struct {
	JWKSURL string `mapstructure:"jwks_url"`
}

// SecretsConfig enables keyring lookups for empty secret values.
type SecretsConfig struct {
	Keyring bool   `mapstructure:"keyring"`
	Service string `mapstructure:"service"`
	FileDir string `mapstructure:"file_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "data/accounts.db")

	v.SetDefault("eventstore.path", "data/events.db")

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.stream", "MAIL_EVENTS")

	v.SetDefault("jmap.session_url", "https://api.fastmail.com/jmap/session")
	v.SetDefault("jmap.token_url", "https://api.fastmail.com/oauth/refresh")
	v.SetDefault("jmap.ping_interval", 30*time.Second)

	v.SetDefault("jmap.client_id", "")
	v.SetDefault("jmap.client_secret", "")
	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("microsoft.client_id", "")
	v.SetDefault("microsoft.client_secret", "")

	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.max_retries", 3)
	v.SetDefault("webhook.base_delay", time.Second)
	v.SetDefault("webhook.timeout", 30*time.Second)

	v.SetDefault("manager.refresh_interval", 5*time.Minute)
	v.SetDefault("manager.min_tier", 1)
	v.SetDefault("manager.reconcile_parallel", 8)
	v.SetDefault("manager.backoff_base", time.Second)
	v.SetDefault("manager.backoff_cap", 5*time.Minute)
	v.SetDefault("manager.max_attempts", 10)

	v.SetDefault("poll.min_interval", 2*time.Minute)
	v.SetDefault("poll.schedule_interval", time.Minute)
	v.SetDefault("poll.batch_size", 50)
	v.SetDefault("poll.initial_window", 24*time.Hour)
	v.SetDefault("poll.concurrency", 4)
	v.SetDefault("poll.mailbox", "INBOX")

	v.SetDefault("pool.idle_timeout", 5*time.Minute)
	v.SetDefault("pool.sweep_interval", time.Minute)

	v.SetDefault("capabilities.ttl", 24*time.Hour)
	v.SetDefault("capabilities.cache_size", 4096)

	v.SetDefault("labels.folder_prefix", "MailSync/")

	v.SetDefault("auth.jwks_url", "")

	v.SetDefault("secrets.keyring", false)
	v.SetDefault("secrets.service", "mailsync")
	v.SetDefault("secrets.file_dir", "~/.config/mailsync/credentials")
}

// Load reads configuration from path (optional) and MAILSYNC_* environment
// variables. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			var pathErr *os.PathError
			if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate reports settings that are structurally invalid. Missing secrets
// are not errors here: the feature depending on them is disabled instead.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want sqlite3 or postgres", c.Database.Driver))
	}
	if c.Poll.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("poll.batch_size must be positive"))
	}
	if c.Manager.RefreshInterval <= 0 {
		errs = append(errs, fmt.Errorf("manager.refresh_interval must be positive"))
	}
	if c.Pool.IdleTimeout <= 0 || c.Pool.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("pool timeouts must be positive"))
	}
	return errors.Join(errs...)
}

// PushEnabled reports whether push delivery can run: it needs a webhook
// endpoint and a secret to authenticate against it.
func (c *Config) PushEnabled() bool {
	return c.Webhook.URL != "" && c.Webhook.Secret != ""
}
