package config

// Default values for configuration options, chosen to work without any
// config file beyond the server base URL.
const (
	defaultRequestTimeout = "30s"
	defaultDebounce       = "2s"
	defaultMaxWait        = "20s"
	defaultMaxRetries     = 3
	defaultLogLevel       = "info"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields retain defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			RequestTimeout: defaultRequestTimeout,
		},
		Autosave: AutosaveConfig{
			Debounce:   defaultDebounce,
			MaxWait:    defaultMaxWait,
			MaxRetries: defaultMaxRetries,
		},
		Logging: LoggingConfig{
			Level: defaultLogLevel,
		},
	}
}
