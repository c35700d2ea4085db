package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/oselabs/agentdesk/internal/compute"
)

type config struct {
	Port string `yaml:"port"`

	// Backend is the agent backend every streaming endpoint talks to.
	Backend backendConfig `yaml:"backend"`

	// DBPath overrides where the conversation store lives; it defaults to store.db next to
	// the config file.
	DBPath string `yaml:"dbPath"`

	ComputeBatchSize int    `yaml:"computeBatchSize"`
	LogLevel         string `yaml:"logLevel"`
}

type backendConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"apiKey"`
}

func (c *config) validate() error {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("backend url is required")
	}
	if c.Backend.APIKey == "" {
		c.Backend.APIKey = os.Getenv("AGENTDESK_API_KEY")
	}
	if c.ComputeBatchSize <= 0 {
		c.ComputeBatchSize = compute.DefaultBatchSize
	}
	return nil
}

func (c config) slogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %s", c.LogLevel)
	}
}
