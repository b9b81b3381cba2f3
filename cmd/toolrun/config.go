package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds the toolrun server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath           string `json:"db_path"`
	LogLevel         string `json:"log_level"`
	DefaultTimeoutMs int    `json:"default_timeout_ms"`
	Scheduler        bool   `json:"scheduler"`

	// MasterKeyHex is the 32-byte credential encryption key, hex encoded.
	// When empty, credentials are stored unencrypted.
	MasterKeyHex string `json:"master_key_hex"`
}

func defaultConfig() Config {
	return Config{
		DBPath:           filepath.Join(toolrunDir(), "toolrun.db"),
		LogLevel:         "info",
		DefaultTimeoutMs: 30_000,
		Scheduler:        true,
	}
}

func toolrunDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".toolrun"
	}
	return filepath.Join(home, ".toolrun")
}

func settingsPath() string {
	return filepath.Join(toolrunDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("TOOLRUN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TOOLRUN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TOOLRUN_DEFAULT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultTimeoutMs = n
		}
	}
	if v := os.Getenv("TOOLRUN_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}
	if v := os.Getenv("TOOLRUN_MASTER_KEY"); v != "" {
		cfg.MasterKeyHex = v
	}

	return cfg
}
