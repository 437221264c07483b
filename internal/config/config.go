package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config defines all environment-driven runtime options. Policy numbers
// (cooldown base, quota thresholds, refresh buffers) are tunables with the
// documented defaults, not structural constants.
type Config struct {
	Host         string `env:"AG_HOST" envDefault:"0.0.0.0"`
	Port         int    `env:"AG_PORT" envDefault:"8790"`
	DatabasePath string `env:"AG_DB_PATH" envDefault:"data/antigravity.db"`
	LogLevel     string `env:"AG_LOG_LEVEL" envDefault:"info"`
	LogFile      string `env:"AG_LOG_FILE"`

	// Upstream OAuth client identity. Defaults match the Antigravity IDE.
	OAuthClientID     string `env:"AG_OAUTH_CLIENT_ID" envDefault:"1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"`
	OAuthClientSecret string `env:"AG_OAUTH_CLIENT_SECRET" envDefault:"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"`
	OAuthRedirectURI  string `env:"AG_OAUTH_REDIRECT_URI"`

	// Optional JSON array of {"email","refresh_token"} pairs imported into
	// the pool at startup when their emails are not present yet.
	SeedAccounts string `env:"AG_SEED_ACCOUNTS"`

	DashboardUsername string `env:"AG_DASHBOARD_USERNAME" envDefault:"admin"`
	DashboardPassword string `env:"AG_DASHBOARD_PASSWORD"`
	WebhookURL        string `env:"AG_WEBHOOK_URL"`
	ModelCatalogPath  string `env:"AG_MODEL_CATALOG"`

	// Account rotation policy.
	MaxRetryAccounts int           `env:"AG_MAX_RETRY_ACCOUNTS" envDefault:"3"`
	CooldownBase     time.Duration `env:"AG_COOLDOWN_BASE" envDefault:"60s"`
	FreshnessCap     time.Duration `env:"AG_FRESHNESS_CAP" envDefault:"1h"`

	// Quota policy.
	QuotaExhaustedThreshold float64 `env:"AG_QUOTA_EXHAUSTED_THRESHOLD" envDefault:"0.01"`
	QuotaLimitedThreshold   float64 `env:"AG_QUOTA_LIMITED_THRESHOLD" envDefault:"0.3"`

	// Token refresh policy.
	RefreshBuffer     time.Duration `env:"AG_REFRESH_BUFFER" envDefault:"5m"`
	SweepInterval     time.Duration `env:"AG_SWEEP_INTERVAL" envDefault:"5m"`
	SweepExpiryWindow time.Duration `env:"AG_SWEEP_EXPIRY_WINDOW" envDefault:"10m"`
	SessionTTL        time.Duration `env:"AG_SESSION_TTL" envDefault:"24h"`
	SmartContextLimit int           `env:"AG_SMART_CONTEXT_LIMIT" envDefault:"10"`
}

// Load reads .env (if present) and parses environment variables into Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	return cfg, nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
