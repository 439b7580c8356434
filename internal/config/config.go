// Package config implements TOML configuration loading, validation, and
// platform path resolution for draftsync. Defaults are overridden by the
// config file; CLI flags win over both.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Autosave AutosaveConfig `toml:"autosave"`
	Queue    QueueConfig    `toml:"queue"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig describes the draft server the save protocol talks to.
type ServerConfig struct {
	// BaseURL is the API root, e.g. "https://api.example.com/v1".
	BaseURL string `toml:"base_url"`
	// NotifyURL is the websocket endpoint used as the connectivity
	// signal. Derived from BaseURL when empty.
	NotifyURL string `toml:"notify_url"`
	// TokenFile points at a file whose contents are sent as the bearer
	// token. Empty means unauthenticated requests.
	TokenFile string `toml:"token_file"`
	// RequestTimeout bounds one save round-trip, e.g. "30s".
	RequestTimeout string `toml:"request_timeout"`
}

// AutosaveConfig controls the commit scheduler and retry policy.
type AutosaveConfig struct {
	// Debounce is the quiet period after the last edit, e.g. "2s".
	Debounce string `toml:"debounce"`
	// MaxWait bounds save deferral under continuous typing, e.g. "20s".
	MaxWait string `toml:"max_wait"`
	// MaxRetries bounds automatic retries after network errors.
	MaxRetries int `toml:"max_retries"`
}

// QueueConfig controls the durable offline queue.
type QueueConfig struct {
	// Path is the SQLite database file. Empty resolves to the platform
	// data directory.
	Path string `toml:"path"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`
}
