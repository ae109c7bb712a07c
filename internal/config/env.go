package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Durable backends.
const (
	BackendSQLite = "sqlite"
	BackendRemote = "remote"
	BackendNone   = "none"
)

// Env is the process environment of the server.
type Env struct {
	Port int `env:"PORT" envDefault:"5000"`

	// Service discovery, served verbatim at /endpoints. AuthURL also
	// enables token checks on websocket connections.
	AuthURL      string `env:"AUTH_URL"`
	SpoDBURL     string `env:"SPODB_URL"`
	BuildURL     string `env:"BUILD_URL"`
	InventoryURL string `env:"INVENTORY_URL"`

	DurableBackend string `env:"SPODB_DURABLE_BACKEND" envDefault:"sqlite"`
	DBPath         string `env:"SPODB_DB_PATH"`
	RemoteURL      string `env:"SPODB_REMOTE_URL"`
	RemoteToken    string `env:"SPODB_REMOTE_TOKEN"`
	RemoteFlushMS  int    `env:"SPODB_REMOTE_FLUSH_MS" envDefault:"500"`
	RemoteBatch    int    `env:"SPODB_REMOTE_BATCH_SIZE" envDefault:"128"`

	EnableAdminHTTP *bool  `env:"SPODB_ENABLE_ADMIN_HTTP"`
	DeployEnv       string `env:"DEPLOY_ENV"`

	Debug bool `env:"SPODB_DEBUG"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func Load() (Env, error) {
	var e Env
	if err := ParseEnv(&e); err != nil {
		return e, err
	}
	e.DurableBackend = strings.ToLower(strings.TrimSpace(e.DurableBackend))
	switch e.DurableBackend {
	case BackendSQLite, BackendNone:
	case BackendRemote:
		if e.RemoteURL == "" {
			return e, fmt.Errorf("SPODB_DURABLE_BACKEND=remote needs SPODB_REMOTE_URL")
		}
	default:
		return e, fmt.Errorf("unknown SPODB_DURABLE_BACKEND %q", e.DurableBackend)
	}
	return e, nil
}

// AdminHTTPEnabled defaults to on outside staging and production.
func (e Env) AdminHTTPEnabled() bool {
	if e.EnableAdminHTTP != nil {
		return *e.EnableAdminHTTP
	}
	switch strings.ToLower(strings.TrimSpace(e.DeployEnv)) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
