// Package config resolves node configuration from the environment, with
// an optional YAML profile overlay for packaged deployments.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config holds node configuration.
type Config struct {
	// Root is the node data directory; villages/ and store/ live under it.
	Root string
	// Addr is the HTTP listen address.
	Addr string
	// NodeSigningKey is the node's Ed25519 private key, base64. Empty
	// means the node runs without signing (no denials, no manifests).
	NodeSigningKey string
	// PublicPolicy exposes GET /villages/{id}/policy without auth.
	PublicPolicy bool
	// DatabaseURL enables the Postgres claims mirror when set.
	DatabaseURL string
	// IndexSQL enables the embedded SQLite mirror when DatabaseURL is
	// not set.
	IndexSQL bool
	// RedisAddr selects the shared rate limiter backend when set.
	RedisAddr string
	// ArchiveType selects export archival: "" (off), fs, s3 or gcs.
	ArchiveType string
	// OTLPEndpoint enables metrics/traces export when set.
	OTLPEndpoint string
	// LogLevel is DEBUG, INFO, WARN or ERROR.
	LogLevel string
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Root:           envOr("LINKS_ROOT", "links_data"),
		Addr:           envOr("LINKS_ADDR", ":8787"),
		NodeSigningKey: os.Getenv("LINKS_NODE_SIGNING_KEY_B64"),
		PublicPolicy:   Truthy(os.Getenv("LINKS_PUBLIC_POLICY")),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		IndexSQL:       Truthy(os.Getenv("LINKS_INDEX_SQL")),
		RedisAddr:      os.Getenv("LINKS_REDIS_ADDR"),
		ArchiveType:    os.Getenv("ARCHIVE_STORAGE_TYPE"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:       envOr("LOG_LEVEL", "INFO"),
	}
}

// VillagesRoot is where village directories live.
func (c *Config) VillagesRoot() string { return c.Root }

// StoreRoot is where the claim store lives.
func (c *Config) StoreRoot() string { return filepath.Join(c.Root, "store") }

// SlogLevel maps LogLevel onto slog. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(strings.TrimSpace(c.LogLevel)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Truthy reports whether an env value opts in: 1, true or yes.
func Truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
