package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/scriptd/draftsync/internal/config"
	"github.com/scriptd/draftsync/internal/saveclient"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagEntity     string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
// It is available to all subcommands after the root pre-run phase completes.
var resolvedCfg *config.Config

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "draftsync",
		Short:   "Autosave and offline recovery for draft documents",
		Long:    "A compare-and-swap autosave client with a durable offline queue and crash recovery.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagEntity, "entity", "", "entity ID of the document being edited")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	// Register subcommands.
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newSaveCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newQueueCmd())
	cmd.AddCommand(newRecoverCmd())

	return cmd
}

// loadConfig reads the effective configuration and stores it in resolvedCfg
// for use by subcommands. A missing config file falls back to defaults so
// first runs work without any setup.
func loadConfig() error {
	path := flagConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = cfg

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	// Config-based log level (lower priority than CLI flags).
	if resolvedCfg != nil {
		switch resolvedCfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	// CLI flags override config (highest priority).
	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newSaveClient builds the save protocol client from the resolved config.
func newSaveClient(logger *slog.Logger) (*saveclient.Client, error) {
	if resolvedCfg.Server.BaseURL == "" {
		return nil, fmt.Errorf("server.base_url is not configured; set it in %s", config.DefaultConfigPath())
	}

	_, _, requestTimeout, err := resolvedCfg.Durations()
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: requestTimeout}

	var token saveclient.TokenSource
	if resolvedCfg.Server.TokenFile != "" {
		token = &fileTokenSource{path: resolvedCfg.Server.TokenFile}
	}

	return saveclient.NewClient(resolvedCfg.Server.BaseURL, httpClient, token, logger), nil
}

// fileTokenSource reads the bearer token from a file on every request, so
// an out-of-band token refresh is picked up without restarting.
type fileTokenSource struct {
	path string
}

func (f *fileTokenSource) Token() (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}

	return strings.TrimSpace(string(data)), nil
}

// requireEntity enforces the --entity flag for commands scoped to one
// document.
func requireEntity() (string, error) {
	if flagEntity == "" {
		return "", fmt.Errorf("--entity is required")
	}

	return flagEntity, nil
}

// engineConfig maps the autosave section of the config file onto engine
// scheduling knobs.
func engineConfig() (debounce, maxWait time.Duration, maxRetries int, err error) {
	debounce, maxWait, _, err = resolvedCfg.Durations()
	if err != nil {
		return 0, 0, 0, err
	}

	return debounce, maxWait, resolvedCfg.Autosave.MaxRetries, nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
