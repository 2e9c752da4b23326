package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	LabConfigPath      string
	DatabaseDriver     string
	DatabaseURL        string
	ListenAddr         string
	PublicHost         string
	ServerName         string
	AuditLogDir        string
	TeardownMargin     time.Duration
	ReconcileInterval  time.Duration
	ProbeEnabled       bool
	ProbeTimeout       time.Duration
	ProbeInterval      time.Duration
	RateLimitPerMinute int
}

// Load loads configuration from environment variables only.
func Load() (*Config, error) {
	return LoadWithFile("")
}

// LoadWithFile loads configuration from an optional .env file and environment variables.
func LoadWithFile(envFile string) (*Config, error) {
	// Attempt to load .env file if provided, but don't fail if it doesn't exist.
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	cfg := &Config{
		LabConfigPath:  envOr("LAB_CONFIG_PATH", "./data/labs.toml"),
		DatabaseDriver: envOr("DATABASE_DRIVER", DriverSQLite),
		DatabaseURL:    envOr("DATABASE_URL", "./data/bookings.db"),
		ListenAddr:     envOr("LISTEN_ADDR", ":8080"),
		PublicHost:     envOr("PUBLIC_HOST", "localhost"),
		ServerName:     os.Getenv("SERVER_NAME"),
		AuditLogDir:    envOr("AUDIT_LOG_DIR", "./data/logs"),
		ProbeEnabled:   parseBool(envOr("PROBE_ENABLED", "true")),
	}

	var err error
	if cfg.TeardownMargin, err = parseDuration("TEARDOWN_MARGIN", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = parseDuration("RECONCILE_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.ProbeTimeout, err = parseDuration("PROBE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.ProbeInterval, err = parseDuration("PROBE_INTERVAL", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMinute, err = parseInt("RATE_LIMIT_PER_MINUTE", 30); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if all required fields are set.
func (c *Config) Validate() error {
	if c.LabConfigPath == "" {
		return fmt.Errorf("LAB_CONFIG_PATH is required")
	}
	if c.DatabaseDriver != DriverSQLite && c.DatabaseDriver != DriverPostgres {
		return fmt.Errorf("DATABASE_DRIVER must be %q or %q", DriverSQLite, DriverPostgres)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}
	if c.AuditLogDir == "" {
		return fmt.Errorf("AUDIT_LOG_DIR is required")
	}
	if c.TeardownMargin <= 0 {
		return fmt.Errorf("TEARDOWN_MARGIN must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.ProbeEnabled && (c.ProbeTimeout <= 0 || c.ProbeInterval <= 0) {
		return fmt.Errorf("PROBE_TIMEOUT and PROBE_INTERVAL must be positive")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseBool converts a string to a boolean, defaulting to false.
func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
	}
	return d, nil
}

func parseInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
	}
	return n, nil
}
