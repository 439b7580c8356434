package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scriptd/draftsync/internal/connect"
	"github.com/scriptd/draftsync/internal/engine"
	"github.com/scriptd/draftsync/internal/queue"
)

var (
	flagRecoverDiscard bool
	flagRecoverOutput  string
)

func newRecoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Restore or discard unsynced content left by a previous session",
		Long: `Check the durable queue for local content that never reached the server
(a crashed or offline session). Restoring writes the queued content to a
file or stdout and clears the queue; --discard keeps the server version
instead.`,
		RunE: runRecover,
	}

	cmd.Flags().BoolVar(&flagRecoverDiscard, "discard", false, "drop the queued content, keep the server version")
	cmd.Flags().StringVarP(&flagRecoverOutput, "output", "o", "", "write recovered content to this file instead of stdout")

	return cmd
}

func runRecover(cmd *cobra.Command, _ []string) error {
	entityID, err := requireEntity()
	if err != nil {
		return err
	}

	logger := buildLogger()
	ctx := cmd.Context()

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

	eng := engine.New(entityID, ent.Version, ent.Payload, client, store, connect.Static(true),
		engine.Config{}, logger)
	defer eng.Close()

	offer, err := eng.CheckRecovery(ctx, ent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("checking recovery: %w", err)
	}

	if offer == nil {
		fmt.Println("Nothing to recover — server content is current.")

		return nil
	}

	if flagRecoverDiscard {
		if err := eng.Discard(ctx); err != nil {
			return fmt.Errorf("discarding queued content: %w", err)
		}

		statusf("Discarded queued content from %s\n", formatTime(offer.Timestamp))

		return nil
	}

	payload, err := eng.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovering queued content: %w", err)
	}

	if flagRecoverOutput != "" {
		if err := os.WriteFile(flagRecoverOutput, []byte(payload), 0o600); err != nil {
			return fmt.Errorf("writing recovered content: %w", err)
		}

		statusf("Recovered content from %s written to %s\n", formatTime(offer.Timestamp), flagRecoverOutput)
		statusf("Run 'draftsync save %s --entity %s' to commit it.\n", flagRecoverOutput, entityID)

		return nil
	}

	fmt.Print(payload)

	return nil
}
