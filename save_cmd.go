package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/scriptd/draftsync/internal/connect"
	"github.com/scriptd/draftsync/internal/engine"
	"github.com/scriptd/draftsync/internal/queue"
)

// saveWaitTimeout bounds the one-shot save, including the automatic
// conflict fast-forward and rate-limit waits.
const saveWaitTimeout = 2 * time.Minute

func newSaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save <file>",
		Short: "Save a draft file once and exit",
		Long: `Commit the current content of a draft file with a single compare-and-swap
save. Queued offline saves for the entity are replayed first.`,
		Args: cobra.ExactArgs(1),
		RunE: runSave,
	}
}

func runSave(cmd *cobra.Command, args []string) error {
	entityID, err := requireEntity()
	if err != nil {
		return err
	}

	logger := buildLogger()
	ctx := cmd.Context()

	content, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading draft file: %w", err)
	}

	client, err := newSaveClient(logger)
	if err != nil {
		return err
	}

	store, err := queue.NewStore(resolvedCfg.QueuePath(), logger)
	if err != nil {
		return fmt.Errorf("opening offline queue: %w", err)
	}
	defer store.Close()

	ent, err := client.Fetch(ctx, entityID)
	if err != nil {
		return fmt.Errorf("fetching entity %s: %w", entityID, err)
	}

	debounce, maxWait, maxRetries, err := engineConfig()
	if err != nil {
		return err
	}

	eng := engine.New(entityID, ent.Version, ent.Payload, client, store, connect.Static(true),
		engine.Config{Debounce: debounce, MaxWait: maxWait, MaxRetries: maxRetries}, logger)
	defer eng.Close()

	// One-shot saves never decide recovery implicitly.
	offer, err := eng.CheckRecovery(ctx, ent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("checking recovery: %w", err)
	}

	if offer != nil {
		return fmt.Errorf("unsynced local content from %s is queued for entity %s; run 'draftsync recover --entity %s' first",
			formatTime(offer.Timestamp), entityID, entityID)
	}

	if err := eng.Start(); err != nil {
		return err
	}

	if err := eng.MarkChanged(string(content)); err != nil {
		return err
	}

	if err := eng.SaveNow(); err != nil {
		return err
	}

	return awaitSave(ctx, eng)
}

// awaitSave polls until the save settles and translates the terminal state
// into an exit status.
func awaitSave(ctx context.Context, eng *engine.Engine) error {
	deadline := time.Now().Add(saveWaitTimeout)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}

		s := eng.Status()

		switch s.State {
		case engine.StateSaved, engine.StateIdle:
			if !s.Dirty {
				statusf("Saved (version %d)\n", s.BaseVersion)

				return nil
			}

		case engine.StateConflict:
			if s.Conflict != nil {
				return fmt.Errorf("conflict: server is at version %d, local content is based on version %d",
					s.Conflict.LatestVersion, s.Conflict.YourBaseVersion)
			}

			return fmt.Errorf("conflict: concurrent edit detected")

		case engine.StateError:
			if s.LastError != nil {
				return fmt.Errorf("save failed: %w", s.LastError)
			}

			return fmt.Errorf("save failed")

		case engine.StateOffline:
			return fmt.Errorf("server unreachable; changes were queued for replay")
		}

		time.Sleep(50 * time.Millisecond)
	}

	return fmt.Errorf("save did not settle within %s", saveWaitTimeout)
}
