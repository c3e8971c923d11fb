// Package config reads the global ~/.dmsg/config.toml.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultReputationBaseURL is used when the config does not set one.
const DefaultReputationBaseURL = "https://api.ethos.network"

// Config is the global daemon configuration. Values the sync core does not
// interpret (network env, base URL) are passed through to the components
// that consume them.
type Config struct {
	DefaultSession    string `toml:"default_session"`
	NetworkEnv        string `toml:"network_env"`
	ReputationBaseURL string `toml:"reputation_base_url"`
}

// Load reads config from path and fills in defaults for unset fields.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config with all defaults applied, used when no config
// file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.NetworkEnv == "" {
		c.NetworkEnv = "production"
	}
	if c.ReputationBaseURL == "" {
		c.ReputationBaseURL = DefaultReputationBaseURL
	}
}

// Save writes config to path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
