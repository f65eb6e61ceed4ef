package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rendis/cascade/pkg/schema"
)

// ProviderConfig describes one provider bridge subprocess.
type ProviderConfig struct {
	ID       string   `json:"id"`
	Strategy string   `json:"strategy"` // standard | external_task
	Command  string   `json:"command"`
	Args     []string `json:"args,omitempty"`
	Env      []string `json:"env,omitempty"`
}

// Config holds all cascade server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath       string           `json:"db_path"`
	LogLevel     string           `json:"log_level"`
	UserName     string           `json:"user_name"`
	UserEmail    string           `json:"user_email"`
	SkipPreviews bool             `json:"skip_previews"`
	Scheduler    bool             `json:"scheduler"`
	Providers    []ProviderConfig `json:"providers,omitempty"`
	Fallback     string           `json:"fallback_provider,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBPath:    filepath.Join(cascadeDir(), "cascade.db"),
		LogLevel:  "info",
		Scheduler: true,
	}
}

func cascadeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cascade"
	}
	return filepath.Join(home, ".cascade")
}

func settingsPath() string {
	return filepath.Join(cascadeDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CASCADE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CASCADE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CASCADE_USER_NAME"); v != "" {
		cfg.UserName = v
	}
	if v := os.Getenv("CASCADE_USER_EMAIL"); v != "" {
		cfg.UserEmail = v
	}
	if v := os.Getenv("CASCADE_SKIP_PREVIEWS"); v != "" {
		cfg.SkipPreviews = v == "true" || v == "1"
	}
	if v := os.Getenv("CASCADE_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}
	if v := os.Getenv("CASCADE_FALLBACK_PROVIDER"); v != "" {
		cfg.Fallback = v
	}

	return cfg
}

// strategyKind maps the config string onto the schema strategy kind.
func strategyKind(s string) (schema.StrategyKind, error) {
	switch s {
	case "", "standard":
		return schema.StrategyStandard, nil
	case "external_task":
		return schema.StrategyExternalTask, nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown provider strategy %q", s)
	}
}
