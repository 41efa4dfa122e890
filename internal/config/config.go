// Package config builds the runtime configuration from defaults, an
// optional YAML file and KESTREL_* environment variables, in that order.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"gopkg.in/yaml.v3"
)

// Load returns a validated configuration. An empty path skips the file.
func Load(path string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv("KESTREL_TIER"), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse config %s: %v", domain.ErrValidation, path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// env maps one variable onto a config field.
type env struct {
	name  string
	apply func(cfg *domain.Config, v string) error
}

var overrides = []env{
	{"KESTREL_HOST", func(c *domain.Config, v string) error { c.Server.Host = v; return nil }},
	{"KESTREL_PORT", intVar(func(c *domain.Config) *int { return &c.Server.Port })},
	{"KESTREL_DB_DRIVER", func(c *domain.Config, v string) error { c.Repository.Driver = v; return nil }},
	{"KESTREL_SQLITE_PATH", func(c *domain.Config, v string) error { c.Repository.SQLitePath = v; return nil }},
	{"KESTREL_POSTGRES_HOST", func(c *domain.Config, v string) error { c.Repository.PostgresHost = v; return nil }},
	{"KESTREL_POSTGRES_PORT", intVar(func(c *domain.Config) *int { return &c.Repository.PostgresPort })},
	{"KESTREL_POSTGRES_USER", func(c *domain.Config, v string) error { c.Repository.PostgresUser = v; return nil }},
	{"KESTREL_POSTGRES_PASSWORD", func(c *domain.Config, v string) error { c.Repository.PostgresPassword = v; return nil }},
	{"KESTREL_POSTGRES_DB", func(c *domain.Config, v string) error { c.Repository.PostgresDB = v; return nil }},
	{"KESTREL_REDIS_ADDR", func(c *domain.Config, v string) error {
		c.Cache.RedisAddr = v
		c.Lease.RedisAddr = v
		return nil
	}},
	{"KESTREL_NATS_URL", func(c *domain.Config, v string) error { c.EventBus.NATSUrl = v; return nil }},
	{"KESTREL_NATS_TOKEN", func(c *domain.Config, v string) error { c.EventBus.NATSToken = v; return nil }},
	{"KESTREL_ORACLE_MODE", func(c *domain.Config, v string) error { c.Oracle.Mode = v; return nil }},
	{"KESTREL_WORKERS", intVar(func(c *domain.Config) *int { return &c.Orchestrator.Workers })},
	{"KESTREL_APPROVAL_THRESHOLD", func(c *domain.Config, v string) error {
		return c.Approval.Threshold.UnmarshalText([]byte(v))
	}},
	{"KESTREL_LOG_LEVEL", func(c *domain.Config, v string) error { c.Logging.Level = v; return nil }},
	{"KESTREL_TRACING", func(c *domain.Config, v string) error {
		b, err := strconv.ParseBool(v)
		c.Tracing.Enabled = b
		return err
	}},
}

func intVar(field func(*domain.Config) *int) func(*domain.Config, string) error {
	return func(c *domain.Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func applyEnv(cfg *domain.Config) error {
	for _, o := range overrides {
		v, ok := os.LookupEnv(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			return fmt.Errorf("%w: %s=%q: %v", domain.ErrValidation, o.name, v, err)
		}
		slog.Debug("config override from environment", "variable", o.name)
	}
	return nil
}

// LogLevel maps the configured level name onto slog.
func LogLevel(cfg *domain.Config) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
