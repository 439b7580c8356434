// Package queue implements the durable offline queue: a crash-surviving
// SQLite store of save attempts that could not be confirmed. Entries are
// keyed by save id and replayed per entity in timestamp order when
// connectivity returns.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// PendingSave is one unconfirmed save attempt, persisted for replay.
// Created when a save cannot reach the network; removed on confirmed
// success or explicit discard.
type PendingSave struct {
	ID           string
	EntityID     string
	Payload      string
	BaseVersion  int64
	Timestamp    time.Time
	RetryCount   int
	OpID         string
	NonRetryable bool
}

// Store is the SQLite-backed durable queue. Enqueue and Remove are
// idempotent by save id, so a crash between a network send and the
// matching queue update never corrupts the queue.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	stmts statements
}

// Prepared statements for repeated queries.
type statements struct {
	enqueue, listByEntity, latest, remove, clearAll   *sql.Stmt
	incrementRetry, markNonRetryable, count, countAll *sql.Stmt
}

// NewStore opens (or creates) the queue database at dbPath, applies
// migrations, and prepares all repeated statements. Use ":memory:" for tests.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening durable queue database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("queue: open sqlite: %w", err)
	}

	// Sole-writer: concurrent enqueue/drain serialize on one connection,
	// avoiding SQLITE_BUSY under the modernc driver.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: prepare statements: %w", err)
	}

	return s, nil
}

// setPragmas configures SQLite for WAL mode and crash safety. Durability
// matters more than write latency here: a queue entry that does not survive
// a crash defeats its purpose.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("queue: set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

// SQL query constants, grouped by operation.
const (
	sqlColumns = `id, entity_id, payload, base_version, timestamp, retry_count, op_id, non_retryable`

	sqlEnqueue = `INSERT OR REPLACE INTO pending_saves
		(` + sqlColumns + `, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlListByEntity = `SELECT ` + sqlColumns + `
		FROM pending_saves WHERE entity_id = ? ORDER BY timestamp ASC`

	sqlLatest = `SELECT ` + sqlColumns + `
		FROM pending_saves WHERE entity_id = ? ORDER BY timestamp DESC LIMIT 1`

	sqlRemove           = `DELETE FROM pending_saves WHERE id = ?`
	sqlClearAll         = `DELETE FROM pending_saves WHERE entity_id = ?`
	sqlIncrementRetry   = `UPDATE pending_saves SET retry_count = retry_count + 1 WHERE id = ?`
	sqlMarkNonRetryable = `UPDATE pending_saves SET non_retryable = 1 WHERE id = ?`
	sqlCount            = `SELECT COUNT(*) FROM pending_saves WHERE entity_id = ?`
	sqlCountAll         = `SELECT COUNT(*) FROM pending_saves`
	sqlEntities         = `SELECT DISTINCT entity_id FROM pending_saves ORDER BY entity_id`
)

func (s *Store) prepareStatements(ctx context.Context) error {
	prep := []struct {
		stmt **sql.Stmt
		sql  string
	}{
		{&s.stmts.enqueue, sqlEnqueue},
		{&s.stmts.listByEntity, sqlListByEntity},
		{&s.stmts.latest, sqlLatest},
		{&s.stmts.remove, sqlRemove},
		{&s.stmts.clearAll, sqlClearAll},
		{&s.stmts.incrementRetry, sqlIncrementRetry},
		{&s.stmts.markNonRetryable, sqlMarkNonRetryable},
		{&s.stmts.count, sqlCount},
		{&s.stmts.countAll, sqlCountAll},
	}

	for _, p := range prep {
		stmt, err := s.db.PrepareContext(ctx, p.sql)
		if err != nil {
			return fmt.Errorf("preparing %q: %w", p.sql, err)
		}

		*p.stmt = stmt
	}

	return nil
}

// Enqueue persists a pending save. Re-enqueueing the same id replaces the
// existing row, which makes the operation safe to repeat after a crash.
func (s *Store) Enqueue(ctx context.Context, ps *PendingSave) error {
	_, err := s.stmts.enqueue.ExecContext(ctx,
		ps.ID, ps.EntityID, ps.Payload, ps.BaseVersion,
		ps.Timestamp.UnixNano(), ps.RetryCount, ps.OpID,
		boolToInt(ps.NonRetryable), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", ps.ID, err)
	}

	s.logger.Info("pending save enqueued",
		slog.String("id", ps.ID),
		slog.String("entity_id", ps.EntityID),
		slog.Int64("base_version", ps.BaseVersion),
	)

	return nil
}

// Drain returns all pending saves for an entity in ascending timestamp
// order. The rows are not removed; the caller removes each entry after its
// replay is confirmed.
func (s *Store) Drain(ctx context.Context, entityID string) ([]PendingSave, error) {
	rows, err := s.stmts.listByEntity.QueryContext(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("queue: drain %s: %w", entityID, err)
	}
	defer rows.Close()

	var saves []PendingSave

	for rows.Next() {
		ps, scanErr := scanPendingSave(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("queue: drain %s: %w", entityID, scanErr)
		}

		saves = append(saves, *ps)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: drain %s: %w", entityID, err)
	}

	return saves, nil
}

// Latest returns the most recent pending save for an entity, or nil when
// the queue holds none. Used by the recovery reconciler.
func (s *Store) Latest(ctx context.Context, entityID string) (*PendingSave, error) {
	row := s.stmts.latest.QueryRowContext(ctx, entityID)

	ps, err := scanPendingSave(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("queue: latest %s: %w", entityID, err)
	}

	return ps, nil
}

// Remove deletes a pending save by id. Removing an absent id is a no-op.
func (s *Store) Remove(ctx context.Context, id string) error {
	if _, err := s.stmts.remove.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("queue: remove %s: %w", id, err)
	}

	return nil
}

// ClearAll deletes every pending save for an entity. Clearing an empty
// queue is a no-op.
func (s *Store) ClearAll(ctx context.Context, entityID string) error {
	result, err := s.stmts.clearAll.ExecContext(ctx, entityID)
	if err != nil {
		return fmt.Errorf("queue: clear %s: %w", entityID, err)
	}

	if n, rowsErr := result.RowsAffected(); rowsErr == nil && n > 0 {
		s.logger.Info("pending saves cleared",
			slog.String("entity_id", entityID),
			slog.Int64("count", n),
		)
	}

	return nil
}

// IncrementRetry bumps the retry counter on a queued save.
func (s *Store) IncrementRetry(ctx context.Context, id string) error {
	if _, err := s.stmts.incrementRetry.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("queue: increment retry %s: %w", id, err)
	}

	return nil
}

// MarkNonRetryable flags a queued save whose retry ceiling was exceeded.
func (s *Store) MarkNonRetryable(ctx context.Context, id string) error {
	if _, err := s.stmts.markNonRetryable.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("queue: mark non-retryable %s: %w", id, err)
	}

	return nil
}

// Count returns the number of pending saves for an entity.
func (s *Store) Count(ctx context.Context, entityID string) (int, error) {
	var n int
	if err := s.stmts.count.QueryRowContext(ctx, entityID).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: count %s: %w", entityID, err)
	}

	return n, nil
}

// CountAll returns the total number of pending saves across all entities.
func (s *Store) CountAll(ctx context.Context) (int, error) {
	var n int
	if err := s.stmts.countAll.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: count all: %w", err)
	}

	return n, nil
}

// Entities returns the distinct entity ids with queued saves. Replay on
// startup iterates these; cross-entity order is unspecified.
func (s *Store) Entities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, sqlEntities)
	if err != nil {
		return nil, fmt.Errorf("queue: list entities: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, fmt.Errorf("queue: list entities: %w", scanErr)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: list entities: %w", err)
	}

	return ids, nil
}

// Close releases prepared statements and the database handle.
func (s *Store) Close() error {
	stmts := []*sql.Stmt{
		s.stmts.enqueue, s.stmts.listByEntity, s.stmts.latest,
		s.stmts.remove, s.stmts.clearAll, s.stmts.incrementRetry,
		s.stmts.markNonRetryable, s.stmts.count, s.stmts.countAll,
	}

	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("queue: close: %w", err)
	}

	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanPendingSave.
type scanner interface {
	Scan(dest ...any) error
}

func scanPendingSave(row scanner) (*PendingSave, error) {
	var (
		ps           PendingSave
		tsNano       int64
		nonRetryable int
	)

	err := row.Scan(&ps.ID, &ps.EntityID, &ps.Payload, &ps.BaseVersion,
		&tsNano, &ps.RetryCount, &ps.OpID, &nonRetryable)
	if err != nil {
		return nil, err
	}

	ps.Timestamp = time.Unix(0, tsNano).UTC()
	ps.NonRetryable = nonRetryable != 0

	return &ps, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
