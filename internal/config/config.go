// Package config loads annotd settings from defaults, a JSON config file
// and ANNOTD_* environment variables, in that order of precedence.
package config

import (
	"path/filepath"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Store   StoreConfig
	Assign  AssignConfig
	Import  ImportConfig
	Metrics MetricsConfig
	Log     LogConfig
	API     APIConfig
}

type ServerConfig struct {
	Port int
	Bind string
}

type StorageConfig struct {
	DataDir string
}

// StoreConfig is the backing store used until an admin switches to another.
// An empty DefaultURI resolves to a SQLite file inside the data directory.
type StoreConfig struct {
	DefaultURI       string
	DefaultID        string
	DefaultContainer string
	DefaultName      string
}

type AssignConfig struct {
	Concurrency int
}

// ImportConfig.Dir enables the import directory watcher when set.
type ImportConfig struct {
	Dir string
}

type MetricsConfig struct {
	Enabled bool
}

type LogConfig struct {
	Level string
}

type APIConfig struct {
	Token string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
			Bind: "127.0.0.1",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Store: StoreConfig{
			DefaultID:        "annotd",
			DefaultContainer: "conversations",
			DefaultName:      "Local",
		},
		Assign: AssignConfig{
			Concurrency: 8,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/annotd/config.json and environment variables.
// Environment variables (ANNOTD_*) override file values.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Store.DefaultURI == "" {
		cfg.Store.DefaultURI = "sqlite:" + filepath.Join(cfg.Storage.DataDir, "conversations.db")
	}
	return cfg, nil
}
