// Package config loads credit engine configuration from the environment,
// with an optional .env file and runtime reload of select settings.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all engine configuration.
type Config struct {
	// Ledger service
	LedgerURL     string        // CREDITS_LEDGER_URL
	LedgerToken   string        // CREDITS_LEDGER_TOKEN
	LedgerTimeout time.Duration // CREDITS_LEDGER_TIMEOUT

	// Local state
	DataDir string // CREDITS_DATA_DIR

	// Cadences
	ViewInterval time.Duration // CREDITS_VIEW_INTERVAL: background refresh while view active
	PollInterval time.Duration // CREDITS_POLL_INTERVAL: entitlement status polling

	// Logging
	LogLevel  string // CREDITS_LOG_LEVEL
	LogFormat string // CREDITS_LOG_FORMAT

	// Metrics endpoint; empty disables the listener
	MetricsAddr string // CREDITS_METRICS_ADDR

	// EnvPath is the .env file that was loaded, if any.
	EnvPath string
}

// Defaults mirrors the documented defaults.
func Defaults() *Config {
	return &Config{
		LedgerURL:     "http://localhost:8787",
		LedgerTimeout: 15 * time.Second,
		DataDir:       "/var/lib/credits",
		ViewInterval:  30 * time.Second,
		PollInterval:  5 * time.Minute,
		LogLevel:      "info",
		LogFormat:     "auto",
	}
}

// Load builds the configuration from a .env file (if present) and the
// process environment. Environment variables win over .env values already
// set in the process.
func Load() *Config {
	cfg := Defaults()

	envPath := strings.TrimSpace(os.Getenv("CREDITS_ENV_FILE"))
	if envPath == "" {
		envPath = ".env"
	}
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			log.Warn().Err(err).Str("path", envPath).Msg("could not load .env file")
		} else {
			cfg.EnvPath = envPath
		}
	}

	cfg.applyEnv()
	return cfg
}

// applyEnv overlays process environment values onto the config.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("CREDITS_LEDGER_URL")); v != "" {
		c.LedgerURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CREDITS_LEDGER_TOKEN")); v != "" {
		c.LedgerToken = v
	}
	if v := envDuration("CREDITS_LEDGER_TIMEOUT"); v > 0 {
		c.LedgerTimeout = v
	}
	if v := strings.TrimSpace(os.Getenv("CREDITS_DATA_DIR")); v != "" {
		c.DataDir = v
	}
	if v := envDuration("CREDITS_VIEW_INTERVAL"); v > 0 {
		c.ViewInterval = v
	}
	if v := envDuration("CREDITS_POLL_INTERVAL"); v > 0 {
		c.PollInterval = v
	}
	if v := strings.TrimSpace(os.Getenv("CREDITS_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("CREDITS_LOG_FORMAT")); v != "" {
		c.LogFormat = v
	}
	if v := strings.TrimSpace(os.Getenv("CREDITS_METRICS_ADDR")); v != "" {
		c.MetricsAddr = v
	}
}

func envDuration(key string) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	// Bare numbers are treated as seconds.
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	log.Warn().Str("key", key).Str("value", raw).Msg("invalid duration; ignoring")
	return 0
}
