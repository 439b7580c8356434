package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/scriptd/draftsync/internal/queue"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queued offline saves per entity",
		Long: `Display the durable offline queue: which entities have unsynced content
waiting for replay, how much, and how stale it is.`,
		RunE: runStatus,
	}
}

// entityStatus summarizes the queued state of one entity.
type entityStatus struct {
	EntityID   string    `json:"entity_id"`
	Pending    int       `json:"pending"`
	NewestEdit time.Time `json:"newest_edit"`
	RetryCount int       `json:"retry_count"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := cmd.Context()

	store, err := queue.NewStore(resolvedCfg.QueuePath(), logger)
	if err != nil {
		return fmt.Errorf("opening offline queue: %w", err)
	}
	defer store.Close()

	statuses, err := collectQueueStatus(ctx, store)
	if err != nil {
		return err
	}

	total, err := store.CountAll(ctx)
	if err != nil {
		return fmt.Errorf("counting queued saves: %w", err)
	}

	if flagJSON {
		return printStatusJSON(statuses)
	}

	printStatusText(statuses, total)

	return nil
}

// collectQueueStatus builds a per-entity summary of the queue. Entities()
// returns IDs sorted, so the output order is stable.
func collectQueueStatus(ctx context.Context, store *queue.Store) ([]entityStatus, error) {
	entities, err := store.Entities(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing queued entities: %w", err)
	}

	statuses := make([]entityStatus, 0, len(entities))

	for _, id := range entities {
		count, err := store.Count(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("counting queued saves for %s: %w", id, err)
		}

		latest, err := store.Latest(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("reading newest queued save for %s: %w", id, err)
		}

		st := entityStatus{EntityID: id, Pending: count}
		if latest != nil {
			st.NewestEdit = latest.Timestamp
			st.RetryCount = latest.RetryCount
		}

		statuses = append(statuses, st)
	}

	return statuses, nil
}

func printStatusJSON(statuses []entityStatus) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(statuses); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printStatusText(statuses []entityStatus, total int) {
	if len(statuses) == 0 {
		fmt.Println("Queue is empty — all saves are synced.")

		return
	}

	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		rows = append(rows, []string{
			st.EntityID,
			fmt.Sprintf("%d", st.Pending),
			formatTime(st.NewestEdit),
			fmt.Sprintf("%d", st.RetryCount),
		})
	}

	printTable(os.Stdout, []string{"ENTITY", "PENDING", "NEWEST EDIT", "RETRIES"}, rows)
	fmt.Printf("\n%d queued save(s) total\n", total)
}
