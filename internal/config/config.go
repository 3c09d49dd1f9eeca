// Package config loads and validates application configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Model bundles.
	BundleDir     string // Directory holding one subdirectory per model version.
	ActiveVersion string // Version to activate at startup; empty = first loaded.
	WatchBundles  bool   // Hot-load new bundle directories.

	// Inference.
	CallTimeout time.Duration // Per-call deadline for one inference.

	// Feedback ledger.
	LedgerBackend  string // "file" or "sqlite".
	LedgerPath     string // File path for either backend.
	LedgerSyncMode string // "full" or "none" (file backend only).

	// Result persistence (optional; empty disables the store).
	DatabaseURL string

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		BundleDir:      envStr("PRISM_BUNDLE_DIR", "./bundles"),
		ActiveVersion:  envStr("PRISM_ACTIVE_VERSION", ""),
		WatchBundles:   envBool("PRISM_WATCH_BUNDLES", false),
		CallTimeout:    envDuration("PRISM_CALL_TIMEOUT", 10*time.Second),
		LedgerBackend:  envStr("PRISM_LEDGER_BACKEND", "file"),
		LedgerPath:     envStr("PRISM_LEDGER_PATH", "./feedback.ledger"),
		LedgerSyncMode: envStr("PRISM_LEDGER_SYNC", "full"),
		DatabaseURL:    envStr("DATABASE_URL", ""),
		OTELEndpoint:   envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:    envStr("OTEL_SERVICE_NAME", "prism"),
		LogLevel:       envStr("PRISM_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.BundleDir == "" {
		return fmt.Errorf("config: PRISM_BUNDLE_DIR is required")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("config: PRISM_CALL_TIMEOUT must be positive")
	}
	switch c.LedgerBackend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("config: PRISM_LEDGER_BACKEND must be file or sqlite, got %q", c.LedgerBackend)
	}
	if c.LedgerPath == "" {
		return fmt.Errorf("config: PRISM_LEDGER_PATH is required")
	}
	switch c.LedgerSyncMode {
	case "full", "none":
	default:
		return fmt.Errorf("config: PRISM_LEDGER_SYNC must be full or none, got %q", c.LedgerSyncMode)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
