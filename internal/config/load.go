package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal: silently ignoring a typo in a
// config file leads to hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values. Supports the zero-config
// first-run experience.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// DefaultConfigPath returns the platform config file location,
// e.g. ~/.config/draftsync/config.toml on Linux.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}

	return filepath.Join(dir, "draftsync", "config.toml")
}

// QueuePath returns the durable queue database location: the configured
// path, or the platform data directory when unset.
func (c *Config) QueuePath() string {
	if c.Queue.Path != "" {
		return c.Queue.Path
	}

	dir, err := os.UserCacheDir()
	if err != nil {
		dir = "."
	}

	return filepath.Join(dir, "draftsync", "queue.db")
}

// NotifyURL returns the websocket notify endpoint: the configured URL, or
// one derived from the API base URL (http→ws scheme swap).
func (c *Config) NotifyURL() string {
	if c.Server.NotifyURL != "" {
		return c.Server.NotifyURL
	}

	u := c.Server.BaseURL

	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	return strings.TrimRight(u, "/") + "/notify"
}

// Durations returns the parsed scheduler durations. Validate guarantees
// they parse, so errors here indicate a Config that skipped validation.
func (c *Config) Durations() (debounce, maxWait, requestTimeout time.Duration, err error) {
	debounce, err = time.ParseDuration(c.Autosave.Debounce)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("parsing autosave.debounce: %w", err)
	}

	maxWait, err = time.ParseDuration(c.Autosave.MaxWait)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("parsing autosave.max_wait: %w", err)
	}

	requestTimeout, err = time.ParseDuration(c.Server.RequestTimeout)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("parsing server.request_timeout: %w", err)
	}

	return debounce, maxWait, requestTimeout, nil
}
