package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scriptd/draftsync/internal/queue"
)

var flagClearAll bool

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the durable offline queue",
	}

	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueClearCmd())

	return cmd
}

func newQueueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued offline saves",
		Long:  "List every queued save, oldest first. Use --entity to scope to one document.",
		RunE:  runQueueList,
	}
}

func newQueueClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop queued offline saves",
		Long: `Drop queued saves for one entity (--entity) or for everything (--all).
The dropped content is not recoverable afterwards.`,
		RunE: runQueueClear,
	}

	cmd.Flags().BoolVar(&flagClearAll, "all", false, "clear the queue for every entity")

	return cmd
}

func runQueueList(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := cmd.Context()

	store, err := queue.NewStore(resolvedCfg.QueuePath(), logger)
	if err != nil {
		return fmt.Errorf("opening offline queue: %w", err)
	}
	defer store.Close()

	entries, err := listEntries(ctx, store, flagEntity)
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("Queue is empty.")

		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		state := "pending"
		if e.NonRetryable {
			state = "failed"
		}

		rows = append(rows, []string{
			e.EntityID,
			fmt.Sprintf("%d", e.BaseVersion),
			formatTime(e.Timestamp),
			fmt.Sprintf("%d", e.RetryCount),
			state,
		})
	}

	printTable(os.Stdout, []string{"ENTITY", "BASE VER", "EDITED", "RETRIES", "STATE"}, rows)

	return nil
}

// listEntries returns queued saves oldest first, for one entity or all.
func listEntries(ctx context.Context, store *queue.Store, entityID string) ([]queue.PendingSave, error) {
	if entityID != "" {
		entries, err := store.Drain(ctx, entityID)
		if err != nil {
			return nil, fmt.Errorf("reading queue for %s: %w", entityID, err)
		}

		return entries, nil
	}

	entities, err := store.Entities(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing queued entities: %w", err)
	}

	var all []queue.PendingSave

	for _, id := range entities {
		entries, err := store.Drain(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("reading queue for %s: %w", id, err)
		}

		all = append(all, entries...)
	}

	return all, nil
}

func runQueueClear(cmd *cobra.Command, _ []string) error {
	if flagEntity == "" && !flagClearAll {
		return fmt.Errorf("specify --entity <id> or --all")
	}

	logger := buildLogger()
	ctx := cmd.Context()

	store, err := queue.NewStore(resolvedCfg.QueuePath(), logger)
	if err != nil {
		return fmt.Errorf("opening offline queue: %w", err)
	}
	defer store.Close()

	if flagEntity != "" {
		count, err := store.Count(ctx, flagEntity)
		if err != nil {
			return fmt.Errorf("counting queued saves: %w", err)
		}

		if err := store.ClearAll(ctx, flagEntity); err != nil {
			return fmt.Errorf("clearing queue for %s: %w", flagEntity, err)
		}

		statusf("Dropped %d queued save(s) for %s\n", count, flagEntity)

		return nil
	}

	entities, err := store.Entities(ctx)
	if err != nil {
		return fmt.Errorf("listing queued entities: %w", err)
	}

	total := 0

	for _, id := range entities {
		count, err := store.Count(ctx, id)
		if err != nil {
			return fmt.Errorf("counting queued saves for %s: %w", id, err)
		}

		if err := store.ClearAll(ctx, id); err != nil {
			return fmt.Errorf("clearing queue for %s: %w", id, err)
		}

		total += count
	}

	statusf("Dropped %d queued save(s)\n", total)

	return nil
}
