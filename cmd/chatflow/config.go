package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v3"
)

// Config holds all chatflow server configuration.
// Priority: flags > CHATFLOW_* env vars > config.toml > defaults.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	DBPath     string `toml:"db_path"`
	LogLevel   string `toml:"log_level"`
	LogFormat  string `toml:"log_format"`

	PoolSize     int           `toml:"pool_size"`
	PollInterval time.Duration `toml:"poll_interval"`

	JWTSecret       string `toml:"jwt_secret"`
	VaultPassphrase string `toml:"vault_passphrase"`
	VaultSalt       string `toml:"vault_salt"`

	RedisAddr     string `toml:"redis_addr"`
	InternalTopic string `toml:"internal_topic"`
	RedisList     string `toml:"redis_list"`

	OTLPEnabled bool   `toml:"otlp_enabled"`
	ServiceName string `toml:"service_name"`

	MaxConflictRetries int           `toml:"max_conflict_retries"`
	MaxAutoSteps       int           `toml:"max_auto_steps"`
	TraceBuffer        int           `toml:"trace_buffer"`
	IdempotencyTTL     time.Duration `toml:"idempotency_ttl"`
	// IdleAfter abandons ACTIVE sessions idle this long. Zero keeps them.
	IdleAfter time.Duration `toml:"idle_after"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:         ":4200",
		DBPath:             filepath.Join(chatflowDir(), "chatflow.db"),
		LogLevel:           "info",
		LogFormat:          "json",
		PoolSize:           10,
		PollInterval:       time.Second,
		InternalTopic:      "chatflow.events",
		ServiceName:        "chatflow",
		MaxConflictRetries: 3,
		MaxAutoSteps:       50,
		TraceBuffer:        256,
		IdempotencyTTL:     24 * time.Hour,
	}
}

func chatflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatflow"
	}
	return filepath.Join(home, ".chatflow")
}

func defaultConfigPath() string {
	return filepath.Join(chatflowDir(), "config.toml")
}

// loadConfig layers the TOML file at path over the defaults. A missing file
// is not an error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// configFlags are the root flags that override config.toml. Each one also
// reads its CHATFLOW_* environment variable.
func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "Path to config.toml", Value: defaultConfigPath(), Sources: cli.EnvVars("CHATFLOW_CONFIG")},
		&cli.StringFlag{Name: "listen-addr", Usage: "HTTP listen address", Sources: cli.EnvVars("CHATFLOW_LISTEN_ADDR")},
		&cli.StringFlag{Name: "db-path", Usage: "libSQL database path", Sources: cli.EnvVars("CHATFLOW_DB_PATH")},
		&cli.StringFlag{Name: "log-level", Usage: "Log level (debug, info, warn, error)", Sources: cli.EnvVars("CHATFLOW_LOG_LEVEL")},
		&cli.StringFlag{Name: "log-format", Usage: "Log format (json, text)", Sources: cli.EnvVars("CHATFLOW_LOG_FORMAT")},
		&cli.IntFlag{Name: "pool-size", Usage: "Outbox delivery workers", Sources: cli.EnvVars("CHATFLOW_POOL_SIZE")},
		&cli.DurationFlag{Name: "poll-interval", Usage: "Outbox poll interval", Sources: cli.EnvVars("CHATFLOW_POLL_INTERVAL")},
		&cli.StringFlag{Name: "jwt-secret", Usage: "HMAC secret for trace access tokens", Sources: cli.EnvVars("CHATFLOW_JWT_SECRET")},
		&cli.StringFlag{Name: "vault-passphrase", Usage: "Passphrase the vault key is derived from", Sources: cli.EnvVars("CHATFLOW_VAULT_PASSPHRASE")},
		&cli.StringFlag{Name: "vault-salt", Usage: "Salt for the vault key derivation", Sources: cli.EnvVars("CHATFLOW_VAULT_SALT")},
		&cli.StringFlag{Name: "redis-addr", Usage: "Redis address for redis: destinations", Sources: cli.EnvVars("CHATFLOW_REDIS_ADDR")},
		&cli.StringFlag{Name: "internal-topic", Usage: "Bus topic for internal: events (empty disables)", Sources: cli.EnvVars("CHATFLOW_INTERNAL_TOPIC")},
		&cli.StringFlag{Name: "redis-list", Usage: "Redis list for redis: events (empty disables)", Sources: cli.EnvVars("CHATFLOW_REDIS_LIST")},
		&cli.BoolFlag{Name: "otlp-enabled", Usage: "Export spans over OTLP/HTTP", Sources: cli.EnvVars("CHATFLOW_OTLP_ENABLED")},
		&cli.StringFlag{Name: "service-name", Usage: "Service name in exported spans", Sources: cli.EnvVars("CHATFLOW_SERVICE_NAME")},
		&cli.IntFlag{Name: "max-conflict-retries", Usage: "Local retries of a conflicting step", Sources: cli.EnvVars("CHATFLOW_MAX_CONFLICT_RETRIES")},
		&cli.IntFlag{Name: "max-auto-steps", Usage: "Steps one call may run without input", Sources: cli.EnvVars("CHATFLOW_MAX_AUTO_STEPS")},
		&cli.IntFlag{Name: "trace-buffer", Usage: "Buffered trace records", Sources: cli.EnvVars("CHATFLOW_TRACE_BUFFER")},
		&cli.DurationFlag{Name: "idempotency-ttl", Usage: "Lifetime of step idempotency records", Sources: cli.EnvVars("CHATFLOW_IDEMPOTENCY_TTL")},
		&cli.DurationFlag{Name: "idle-after", Usage: "Abandon sessions idle this long (0 disables)", Sources: cli.EnvVars("CHATFLOW_IDLE_AFTER")},
	}
}

// resolveConfig loads the config file named by --config and applies every
// flag that was set on the command line or through its env var.
func resolveConfig(cmd *cli.Command) (Config, error) {
	cfg, err := loadConfig(cmd.String("config"))
	if err != nil {
		return cfg, err
	}
	str := func(name string, dst *string) {
		if cmd.IsSet(name) {
			*dst = cmd.String(name)
		}
	}
	num := func(name string, dst *int) {
		if cmd.IsSet(name) {
			*dst = int(cmd.Int(name))
		}
	}
	dur := func(name string, dst *time.Duration) {
		if cmd.IsSet(name) {
			*dst = cmd.Duration(name)
		}
	}
	str("listen-addr", &cfg.ListenAddr)
	str("db-path", &cfg.DBPath)
	str("log-level", &cfg.LogLevel)
	str("log-format", &cfg.LogFormat)
	num("pool-size", &cfg.PoolSize)
	dur("poll-interval", &cfg.PollInterval)
	str("jwt-secret", &cfg.JWTSecret)
	str("vault-passphrase", &cfg.VaultPassphrase)
	str("vault-salt", &cfg.VaultSalt)
	str("redis-addr", &cfg.RedisAddr)
	str("internal-topic", &cfg.InternalTopic)
	str("redis-list", &cfg.RedisList)
	if cmd.IsSet("otlp-enabled") {
		cfg.OTLPEnabled = cmd.Bool("otlp-enabled")
	}
	str("service-name", &cfg.ServiceName)
	num("max-conflict-retries", &cfg.MaxConflictRetries)
	num("max-auto-steps", &cfg.MaxAutoSteps)
	num("trace-buffer", &cfg.TraceBuffer)
	dur("idempotency-ttl", &cfg.IdempotencyTTL)
	dur("idle-after", &cfg.IdleAfter)
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.VaultPassphrase != "" && c.VaultSalt == "" {
		return fmt.Errorf("vault_salt is required with vault_passphrase")
	}
	if c.RedisList != "" && c.RedisAddr == "" {
		return fmt.Errorf("redis_addr is required with redis_list")
	}
	return nil
}
