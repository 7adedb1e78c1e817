package providers

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// configDirName under the user's home directory.
const configDirName = ".morecompute"

// Config is the persisted provider state: which provider is active, API
// keys, and the last pod launched, so a restart can reattach to it.
type Config struct {
	ActiveProvider string            `json:"active_provider,omitempty"`
	APIKeys        map[string]string `json:"api_keys,omitempty"`
	LastPod        *PodRef           `json:"last_pod,omitempty"`

	path string
}

// PodRef identifies a pod across restarts.
type PodRef struct {
	Provider string `json:"provider"`
	PodID    string `json:"pod_id"`
}

// DefaultConfigPath returns ~/.morecompute/config.json.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.WithMessage(err, "cannot locate home directory")
	}
	return filepath.Join(home, configDirName, "config.json"), nil
}

// LoadConfig reads the config at path; a missing file is an empty config.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{APIKeys: map[string]string{}, path: path}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read config %q", path)
	}
	if err = json.Unmarshal(raw, cfg); err != nil {
		return nil, errors.WithMessagef(err, "failed to parse config %q", path)
	}
	if cfg.APIKeys == nil {
		cfg.APIKeys = map[string]string{}
	}
	return cfg, nil
}

// Save writes the config atomically with owner-only permissions: it holds
// API keys.
func (c *Config) Save() error {
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.WithMessage(err, "failed to encode config")
	}
	dir := filepath.Dir(c.path)
	if err = os.MkdirAll(dir, 0700); err != nil {
		return errors.WithMessagef(err, "failed to create config directory %q", dir)
	}
	tmp, err := os.CreateTemp(dir, ".config.*")
	if err != nil {
		return errors.WithMessagef(err, "failed to create temporary file in %q", dir)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err = tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return errors.WithMessage(err, "failed to chmod config")
	}
	if _, err = tmp.Write(append(raw, '\n')); err != nil {
		_ = tmp.Close()
		return errors.WithMessagef(err, "failed to write config %q", c.path)
	}
	if err = tmp.Close(); err != nil {
		return errors.WithMessagef(err, "failed to write config %q", c.path)
	}
	if err = os.Rename(tmp.Name(), c.path); err != nil {
		return errors.WithMessagef(err, "failed to replace config %q", c.path)
	}
	return nil
}

// APIKey returns the stored key for a provider, or "".
func (c *Config) APIKey(provider string) string {
	return c.APIKeys[provider]
}

// ResolveAPIKey returns the key for a provider, the environment variable
// taking precedence over the config file so deployments can inject keys
// without writing them to disk.
func (c *Config) ResolveAPIKey(provider, envName string) string {
	if envName != "" {
		if key := os.Getenv(envName); key != "" {
			return key
		}
	}
	return c.APIKeys[provider]
}

// SetAPIKey stores a key and persists the config.
func (c *Config) SetAPIKey(provider, key string) error {
	c.APIKeys[provider] = key
	return c.Save()
}
