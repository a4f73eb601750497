// Package config holds the deployment-level configuration of the gateway,
// decoded from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full set of environment-driven settings. Defaults are
// supplied via struct tags and decoded with envdecode.
type Config struct {
	// Port the HTTP server listens on. ENV: PORT
	Port int `env:"PORT,default=8080"`

	// N8nAPIURL is the deployment-wide default upstream base URL, used when a
	// handshake carries no X-N8n-Url header. ENV: N8N_API_URL
	N8nAPIURL string `env:"N8N_API_URL"`
	// N8nAPIKey is the deployment-wide default upstream API key. ENV: N8N_API_KEY
	N8nAPIKey string `env:"N8N_API_KEY"`

	// AuthToken optionally gates all protocol traffic with a static bearer
	// token. Empty disables gating. ENV: GATEWAY_AUTH_TOKEN
	AuthToken string `env:"GATEWAY_AUTH_TOKEN"`

	// RedisURL selects the distributed session store when set, e.g.
	// "redis://localhost:6379/0". Empty runs local-only. ENV: REDIS_URL
	RedisURL string `env:"REDIS_URL"`

	// SessionTTL is the fixed lifetime of a distributed session record. It is
	// set once at session creation and never refreshed. ENV: SESSION_TTL
	SessionTTL time.Duration `env:"SESSION_TTL,default=2h"`
}

// Load decodes the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		// envdecode fails when no field is set at all; all fields here have
		// defaults or are optional, so surface only genuine decode errors.
		if err != envdecode.ErrNoTargetFieldsAreSet {
			return nil, fmt.Errorf("decode environment: %w", err)
		}
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT %d", cfg.Port)
	}
	return &cfg, nil
}
