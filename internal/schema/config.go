package schema

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/KonstantinData/A2A-research-workflow-sub000/internal/config"
)

// DefaultConfigPath is the default location for the workflow configuration
// file. Uses hidden file format following common tool conventions.
const DefaultConfigPath = ".workflows.yaml"

// ConfigPathEnvVar is the environment variable name for a custom config path.
const ConfigPathEnvVar = "WORKFLOW_CONFIG_PATH"

// Config holds the payload schema configuration loaded from .workflows.yaml.
type Config struct {
	// PayloadSchemas maps event types to JSON-schema files validated on
	// every payload write for that type.
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	PayloadSchemas map[string]string `yaml:"payload_schemas"`
}

// LoadConfig loads schema configuration from a YAML file at the given path.
//
// Behavior:
//   - Returns empty config (not error) if the file doesn't exist, since
//     schemas are optional
//   - Returns empty config + logs warning if the YAML is invalid (graceful
//     degradation)
//   - Returns populated config on success
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		PayloadSchemas: make(map[string]string),
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Config file not found, continuing without payload schemas",
				slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("Failed to read config file, continuing without payload schemas",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse config file, continuing without payload schemas",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Config{PayloadSchemas: make(map[string]string)}, nil
	}

	if cfg.PayloadSchemas == nil {
		cfg.PayloadSchemas = make(map[string]string)
	}

	return cfg, nil
}

// LoadConfigFromEnv loads config from the path in WORKFLOW_CONFIG_PATH,
// falling back to .workflows.yaml in the current directory.
func LoadConfigFromEnv() (*Config, error) {
	return LoadConfig(config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath))
}

// NewRegistryFromConfig builds a registry from the configured schema files.
// Individual files that fail to load are skipped with a warning so one bad
// schema does not prevent startup.
func NewRegistryFromConfig(cfg *Config, logger *slog.Logger) *Registry {
	registry := NewRegistry()

	if cfg == nil {
		return registry
	}

	for eventType, path := range cfg.PayloadSchemas {
		if err := registry.RegisterFile(eventType, path); err != nil {
			logger.Warn("skipping payload schema",
				slog.String("event_type", eventType),
				slog.String("path", path),
				slog.String("error", err.Error()))

			continue
		}

		logger.Debug("registered payload schema",
			slog.String("event_type", eventType),
			slog.String("path", path))
	}

	return registry
}
