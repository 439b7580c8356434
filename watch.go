package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/scriptd/draftsync/internal/connect"
	"github.com/scriptd/draftsync/internal/engine"
	"github.com/scriptd/draftsync/internal/queue"
	"github.com/scriptd/draftsync/internal/saveclient"
)

// Recovery decision flags for non-interactive runs.
var (
	flagRestore bool
	flagDiscard bool
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <file>",
		Short: "Continuously autosave a draft file",
		Long: `Watch a local draft file and autosave every change to the server.

Edits are debounced and committed with compare-and-swap writes. When the
network is down, saves are queued durably and replayed on reconnect. If a
previous session left unsynced content behind, watch offers to restore it
before any editing resumes.`,
		Args: cobra.ExactArgs(1),
		RunE: runWatch,
	}

	cmd.Flags().BoolVar(&flagRestore, "restore", false, "restore queued local content without prompting")
	cmd.Flags().BoolVar(&flagDiscard, "discard", false, "discard queued local content without prompting")
	cmd.MarkFlagsMutuallyExclusive("restore", "discard")

	return cmd
}

func runWatch(_ *cobra.Command, args []string) error {
	entityID, err := requireEntity()
	if err != nil {
		return err
	}

	logger := buildLogger()
	ctx := shutdownContext(context.Background(), logger)
	draftPath := args[0]

	client, err := newSaveClient(logger)
	if err != nil {
		return err
	}

	store, err := queue.NewStore(resolvedCfg.QueuePath(), logger)
	if err != nil {
		return fmt.Errorf("opening offline queue: %w", err)
	}
	defer store.Close()

	// Server baseline: version and payload seed the engine, the update
	// timestamp drives the recovery comparison.
	ent, err := client.Fetch(ctx, entityID)
	if err != nil {
		return fmt.Errorf("fetching entity %s: %w", entityID, err)
	}

	monitor := connect.NewMonitor(resolvedCfg.NotifyURL(), logger)
	monitor.Start(ctx)
	defer monitor.Stop()

	debounce, maxWait, maxRetries, err := engineConfig()
	if err != nil {
		return err
	}

	eng := engine.New(entityID, ent.Version, ent.Payload, client, store, monitor,
		engine.Config{Debounce: debounce, MaxWait: maxWait, MaxRetries: maxRetries}, logger)
	defer eng.Close()

	startContent, err := settleRecovery(ctx, eng, ent, draftPath)
	if err != nil {
		return err
	}

	eng.SetStateCallback(func(s engine.Status) { reportState(s) })

	if err := eng.Start(); err != nil {
		return err
	}

	// Content decided during recovery (or a locally modified file) becomes
	// the first scheduled save.
	if startContent != ent.Payload {
		if err := eng.MarkChanged(startContent); err != nil {
			return err
		}
	}

	statusf("Watching %s (entity %s, version %d)\n", draftPath, entityID, ent.Version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watchFile(gctx, draftPath, eng, logger)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	// Flush any still-dirty content before exiting. The save runs on the
	// engine's own context, so the canceled shutdown context does not
	// abort it.
	if eng.Status().Dirty {
		statusf("Flushing unsaved changes...\n")

		if err := eng.SaveNow(); err != nil && !errors.Is(err, engine.ErrClosed) {
			logger.Warn("final save failed", slog.String("error", err.Error()))
		} else {
			waitAtRest(eng, flushTimeout)
		}
	}

	return nil
}

// flushTimeout bounds the shutdown flush so a dead server cannot hang exit.
const flushTimeout = 15 * time.Second

// waitAtRest blocks until the engine reaches a state with no unsaved edits
// at risk, or the timeout passes. Offline is treated as at rest: the queue
// already holds the content durably.
func waitAtRest(eng *engine.Engine, timeout time.Duration) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		s := eng.Status()
		if s.State.AtRest() || s.State == engine.StateOffline {
			return
		}

		time.Sleep(100 * time.Millisecond)
	}
}

// settleRecovery answers an outstanding recovery offer (if any) and returns
// the content the session should start from. It also materializes the draft
// file when it does not exist yet.
func settleRecovery(ctx context.Context, eng *engine.Engine, ent *saveclient.Entity, draftPath string) (string, error) {
	offer, err := eng.CheckRecovery(ctx, ent.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("checking recovery: %w", err)
	}

	if offer != nil {
		restore, err := decideRecovery(offer)
		if err != nil {
			return "", err
		}

		if restore {
			recovered, err := eng.Recover(ctx)
			if err != nil {
				return "", fmt.Errorf("restoring queued content: %w", err)
			}

			if err := os.WriteFile(draftPath, []byte(recovered), 0o600); err != nil {
				return "", fmt.Errorf("writing recovered draft: %w", err)
			}

			statusf("Restored unsynced content from %s\n", formatTime(offer.Timestamp))

			return recovered, nil
		}

		if err := eng.Discard(ctx); err != nil {
			return "", fmt.Errorf("discarding queued content: %w", err)
		}

		statusf("Discarded queued content, keeping server version\n")
	}

	// No recovery (or discarded): the local file wins if present, the
	// server payload seeds a fresh file otherwise.
	data, err := os.ReadFile(draftPath)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(draftPath, []byte(ent.Payload), 0o600); err != nil {
			return "", fmt.Errorf("creating draft file: %w", err)
		}

		return ent.Payload, nil
	}

	if err != nil {
		return "", fmt.Errorf("reading draft file: %w", err)
	}

	return string(data), nil
}

// decideRecovery resolves a recovery offer from flags, or interactively when
// running on a terminal.
func decideRecovery(offer *engine.RecoveryOffer) (restore bool, err error) {
	switch {
	case flagRestore:
		return true, nil
	case flagDiscard:
		return false, nil
	}

	if !isTerminal(os.Stdin) {
		return false, fmt.Errorf(
			"unsynced local content from %s found for entity %s; rerun with --restore or --discard",
			formatTime(offer.Timestamp), offer.EntityID)
	}

	fmt.Fprintf(os.Stderr, "Unsynced local content from %s found (base version %d).\n",
		formatTime(offer.Timestamp), offer.BaseVersion)
	fmt.Fprint(os.Stderr, "Restore it? [y/N] ")

	var answer string
	fmt.Fscanln(os.Stdin, &answer)

	return answer == "y" || answer == "Y", nil
}

// reportState prints externally visible state transitions to stderr.
func reportState(s engine.Status) {
	switch s.State {
	case engine.StateSaved:
		statusf("Saved (version %d)\n", s.BaseVersion)
	case engine.StateConflict:
		if s.Conflict != nil {
			statusf("Conflict: server is at version %d; edit the file to resave, or restart with the server copy\n",
				s.Conflict.LatestVersion)
		}
	case engine.StateOffline:
		statusf("Offline — changes queued locally\n")
	case engine.StateRateLimited:
		statusf("Rate limited — retrying shortly\n")
	case engine.StateError:
		if s.LastError != nil {
			statusf("Save failed: %v\n", s.LastError)
		}
	}
}

// watchFile tails the draft file through fsnotify and feeds every content
// change into the engine. The watch is registered on the parent directory
// because editors replace files via rename, which drops a watch registered
// on the file itself.
func watchFile(ctx context.Context, draftPath string, eng *engine.Engine, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(draftPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	base := filepath.Base(draftPath)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Base(event.Name) != base {
				continue
			}

			// Mode changes are not edits.
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			data, err := os.ReadFile(draftPath)
			if err != nil {
				// Transient during editor rename-replace; the follow-up
				// Create event re-reads.
				logger.Debug("draft read failed", slog.String("error", err.Error()))

				continue
			}

			if err := eng.MarkChanged(string(data)); err != nil {
				if errors.Is(err, engine.ErrClosed) {
					return nil
				}

				logger.Warn("edit rejected", slog.String("error", err.Error()))
			}

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("file watcher error", slog.String("error", watchErr.Error()))
		}
	}
}
