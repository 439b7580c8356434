package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validation range constants.
const (
	minDebounce   = 100 * time.Millisecond
	minMaxRetries = 1
	maxMaxRetries = 10
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateAutosave(&cfg.Autosave)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if s.BaseURL != "" && !strings.HasPrefix(s.BaseURL, "http://") && !strings.HasPrefix(s.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("server.base_url %q must start with http:// or https://", s.BaseURL))
	}

	if _, err := time.ParseDuration(s.RequestTimeout); err != nil {
		errs = append(errs, fmt.Errorf("server.request_timeout %q: %w", s.RequestTimeout, err))
	}

	return errs
}

func validateAutosave(a *AutosaveConfig) []error {
	var errs []error

	debounce, err := time.ParseDuration(a.Debounce)

	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("autosave.debounce %q: %w", a.Debounce, err))
	case debounce < minDebounce:
		errs = append(errs, fmt.Errorf("autosave.debounce %q below minimum %v", a.Debounce, minDebounce))
	}

	maxWait, err := time.ParseDuration(a.MaxWait)

	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("autosave.max_wait %q: %w", a.MaxWait, err))
	case debounce > 0 && maxWait <= debounce:
		errs = append(errs, fmt.Errorf("autosave.max_wait %q must exceed debounce %q", a.MaxWait, a.Debounce))
	}

	if a.MaxRetries < minMaxRetries || a.MaxRetries > maxMaxRetries {
		errs = append(errs, fmt.Errorf("autosave.max_retries %d outside range %d-%d",
			a.MaxRetries, minMaxRetries, maxMaxRetries))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	switch l.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return []error{fmt.Errorf("logging.level %q must be one of debug, info, warn, error", l.Level)}
	}
}
