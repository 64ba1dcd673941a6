package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// maxOracleTimeout is the hard ceiling on a single registry call.
const maxOracleTimeout = 10 * time.Second

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	SentryDSN      string   `mapstructure:"SENTRY_DSN"`

	OracleBaseURL            string        `mapstructure:"ORACLE_BASE_URL"`
	OracleAPIKeys            string        `mapstructure:"ORACLE_API_KEYS"`
	OracleTimeout            time.Duration `mapstructure:"ORACLE_TIMEOUT"`
	OracleRateLimitPerMinute int           `mapstructure:"ORACLE_RATE_LIMIT_PER_MINUTE"`

	AutoVerifyDelay      time.Duration `mapstructure:"AUTO_VERIFY_DELAY"`
	AutoVerifyStaleAfter time.Duration `mapstructure:"AUTO_VERIFY_STALE_AFTER"`

	QueueMaxSize               int      `mapstructure:"QUEUE_MAX_SIZE"`
	DefaultConsultationMinutes int      `mapstructure:"DEFAULT_CONSULTATION_MINUTES"`
	RiskLocations              []string `mapstructure:"RISK_LOCATIONS"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "SENTRY_DSN",
	"ORACLE_BASE_URL", "ORACLE_API_KEYS", "ORACLE_TIMEOUT", "ORACLE_RATE_LIMIT_PER_MINUTE",
	"AUTO_VERIFY_DELAY", "AUTO_VERIFY_STALE_AFTER",
	"QUEUE_MAX_SIZE", "DEFAULT_CONSULTATION_MINUTES", "RISK_LOCATIONS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("ORACLE_TIMEOUT", "10s")
	v.SetDefault("ORACLE_RATE_LIMIT_PER_MINUTE", 30)
	v.SetDefault("AUTO_VERIFY_DELAY", "5s")
	v.SetDefault("AUTO_VERIFY_STALE_AFTER", "10m")
	v.SetDefault("QUEUE_MAX_SIZE", 50)
	v.SetDefault("DEFAULT_CONSULTATION_MINUTES", 15)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Unmarshal splits list values on commas but keeps padding and empties.
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.RiskLocations = splitList(v.GetString("RISK_LOCATIONS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); all requests get admin access.")
	}

	return cfg, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// OracleKeys parses ORACLE_API_KEYS ("NMC=abc,MMC=def") into a map keyed by
// upper-cased authority code. Malformed pairs are ignored.
func (c *Config) OracleKeys() map[string]string {
	keys := make(map[string]string)
	for _, pair := range splitList(c.OracleAPIKeys) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		keys[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return keys
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required outside development (current ENV=%q)", c.Env)
	}
	if c.OracleTimeout <= 0 || c.OracleTimeout > maxOracleTimeout {
		return fmt.Errorf("ORACLE_TIMEOUT must be in (0, %s], got %s", maxOracleTimeout, c.OracleTimeout)
	}
	if c.OracleRateLimitPerMinute <= 0 {
		return fmt.Errorf("ORACLE_RATE_LIMIT_PER_MINUTE must be positive, got %d", c.OracleRateLimitPerMinute)
	}
	if c.QueueMaxSize <= 0 {
		return fmt.Errorf("QUEUE_MAX_SIZE must be positive, got %d", c.QueueMaxSize)
	}
	if c.DefaultConsultationMinutes <= 0 {
		return fmt.Errorf("DEFAULT_CONSULTATION_MINUTES must be positive, got %d", c.DefaultConsultationMinutes)
	}
	if c.AutoVerifyDelay < 0 {
		return fmt.Errorf("AUTO_VERIFY_DELAY must not be negative")
	}
	if c.AutoVerifyStaleAfter <= c.OracleTimeout {
		return fmt.Errorf("AUTO_VERIFY_STALE_AFTER (%s) must exceed ORACLE_TIMEOUT (%s)", c.AutoVerifyStaleAfter, c.OracleTimeout)
	}
	return nil
}
