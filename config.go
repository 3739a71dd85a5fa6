// Package pyls holds the server configuration shared by the pyls command and its
// settings watcher.
package pyls

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rlch/pyls/settings"
)

// ErrConfigNotFound is returned when no config file exists in a directory or its parents.
var ErrConfigNotFound = errors.New("config file not found")

// Config represents the .pyls.yaml configuration file.
type Config struct {
	// Initial settings, used until the client sends its own.
	Settings settings.Settings `yaml:"settings"`

	Server ServerConfig `yaml:"server,omitempty"`
}

// ServerConfig holds process-level options that clients cannot change.
type ServerConfig struct {
	// Bound on draining handlers and closing the engine.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout,omitempty"`

	// Per-stream buffer between the engine and the client.
	RelayBuffer int `yaml:"relayBuffer,omitempty"`

	// Reload Settings when the file changes.
	WatchConfig bool `yaml:"watchConfig,omitempty"`

	// Address for the Prometheus endpoint, e.g. "localhost:9464". Empty disables it.
	MetricsAddr string `yaml:"metricsAddr,omitempty"`
}

// DefaultConfigNames are the filenames we search for.
var DefaultConfigNames = []string{".pyls.yaml", ".pyls.yml", "pyls.yaml"}

// DefaultConfig returns the configuration used when no file is found.
func DefaultConfig() *Config {
	return &Config{Settings: settings.Defaults()}
}

// LoadConfig finds and loads the nearest .pyls.yaml walking up from dir.
func LoadConfig(dir string) (*Config, error) {
	path, err := FindConfig(dir)
	if err != nil {
		return nil, err
	}

	return LoadConfigFile(path)
}

// FindConfig searches for a config file starting from dir and walking up.
func FindConfig(dir string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	for dir := absDir; ; {
		for _, name := range DefaultConfigNames {
			path := filepath.Join(dir, name)

			_, err := os.Stat(path)
			if err == nil {
				return path, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrConfigNotFound
		}

		dir = parent
	}
}

// LoadConfigFile loads a config from a specific path. Fields the file leaves out
// keep their defaults, and the resulting settings must validate.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if cfg.Server.ShutdownTimeout < 0 || cfg.Server.RelayBuffer < 0 {
		return nil, fmt.Errorf("%s: server options must not be negative", path)
	}

	return cfg, nil
}

// SettingsLoader reloads only the settings section of the file at path, for the
// config watcher.
func SettingsLoader(path string) settings.Loader {
	return func() (settings.Settings, error) {
		cfg, err := LoadConfigFile(path)
		if err != nil {
			return settings.Settings{}, err
		}

		return cfg.Settings, nil
	}
}
