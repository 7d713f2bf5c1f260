// Package config reads service configuration from the environment.
package config

import (
	"log/slog"
	"os"
)

// Config is the map session service configuration.
type Config struct {
	Port        string
	StoreAPIURL string
	StoreAPIKey string
	SnapshotDir string
	LogLevel    slog.Level
}

// Load reads configuration from environment variables, applying defaults
// for anything unset. An empty STORE_API_URL means "serve the built-in
// reference catalog".
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = ":8080"
	}

	snapshotDir := os.Getenv("SNAPSHOT_DIR")
	if snapshotDir == "" {
		snapshotDir = "./data/snapshots"
	}

	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	return &Config{
		Port:        port,
		StoreAPIURL: os.Getenv("STORE_API_URL"),
		StoreAPIKey: os.Getenv("STORE_API_KEY"),
		SnapshotDir: snapshotDir,
		LogLevel:    level,
	}
}
