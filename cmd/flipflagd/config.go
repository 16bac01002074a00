package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// StoreKind selects the offline store backend.
type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StoreFile     StoreKind = "file"
	StoreSession  StoreKind = "session"
	StorePostgres StoreKind = "postgres"
	StoreValkey   StoreKind = "valkey"
)

// AppConfig holds the daemon configuration, loaded from the environment.
type AppConfig struct {
	Port string `env:"APP_PORT" envDefault:"8080"`
	Env  string `env:"APP_ENV" envDefault:"development"`

	// Store selects the offline store backend.
	Store StoreKind `env:"STORE_KIND" envDefault:"file"`
	// StoreDir is the root directory for the file store.
	StoreDir string `env:"STORE_DIR" envDefault:"/var/lib/flipflag"`
	// ValkeyAddr is the Valkey server address for the valkey store.
	ValkeyAddr string `env:"VALKEY_ADDR" envDefault:"localhost:6379"`

	// Prefix namespaces persisted flag keys.
	Prefix string `env:"FLAG_PREFIX" envDefault:"flipflag:"`
	// TTL bounds how long a persisted value may be restored. Zero or
	// negative disables expiry.
	TTL time.Duration `env:"FLAG_TTL" envDefault:"24h"`

	// UpstreamURL is the base URL of the upstream flag API. When empty the
	// daemon serves the static flag set from Flags instead.
	UpstreamURL string `env:"UPSTREAM_URL"`
	// Flags is a static flag set for upstream-less deployments, e.g.
	// "checkout=true,beta-ui=false".
	Flags map[string]bool `env:"FLAGS" envSeparator:"," envKeyValSeparator:"="`

	OTELEnabled  bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
}

// LoadConfig reads and validates the daemon configuration.
func LoadConfig() (AppConfig, error) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("parse config: %w", err)
	}

	switch cfg.Store {
	case StoreMemory, StoreFile, StoreSession, StorePostgres, StoreValkey:
	default:
		return AppConfig{}, fmt.Errorf("unknown store kind %q", cfg.Store)
	}

	return cfg, nil
}
