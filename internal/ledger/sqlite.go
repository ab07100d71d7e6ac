package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/sethvargo/go-retry"

	"keep/internal/keep"
	"keep/internal/ledger/migrations"
)

// SQLiteLedger implements keep.Ledger on a single SQLite file.
// The store is opened exclusively by one process; both watchers share it,
// partitioned by the watcher column on every query.
type SQLiteLedger struct {
	db     *sql.DB
	path   string
	logger keep.Logger
	clock  keep.Clock
}

var _ keep.Ledger = (*SQLiteLedger)(nil)

// OpenConnection opens and configures a SQLite connection with the PRAGMAs
// the ledger relies on. path can be a file path or ":memory:".
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keep.ErrLedgerUnavailable, err)
	}

	// In-memory SQLite is per-connection; a second pooled connection would
	// see an empty database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %v", keep.ErrLedgerUnavailable, p, err)
		}
	}
	return db, nil
}

// NewSQLiteLedger opens (or creates) the ledger at path and brings the
// schema to the latest version. A dirty or ahead-of-binary schema is fatal
// to the session and reported as ErrLedgerCorrupt, never auto-repaired.
func NewSQLiteLedger(path string, logger keep.Logger, clock keep.Clock) (*SQLiteLedger, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", keep.ErrLedgerCorrupt, err)
	}
	if err := migrations.CheckStatus(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", keep.ErrLedgerCorrupt, err)
	}

	if logger == nil {
		logger = keep.NewNopLogger()
	}
	if clock == nil {
		clock = keep.RealClock{}
	}
	return &SQLiteLedger{db: db, path: path, logger: logger, clock: clock}, nil
}

// NewSQLiteLedgerFromDB wraps an existing connection whose schema is already
// applied. Used by tests.
func NewSQLiteLedgerFromDB(db *sql.DB, logger keep.Logger, clock keep.Clock) *SQLiteLedger {
	if logger == nil {
		logger = keep.NewNopLogger()
	}
	if clock == nil {
		clock = keep.RealClock{}
	}
	return &SQLiteLedger{db: db, logger: logger, clock: clock}
}

// withWriteRetry retries fn with bounded exponential backoff while SQLite
// reports lock contention. Caller cancellation interrupts the backoff wait.
// Losing ledger durability risks double-processing or mirror-deleting live
// files, so exhausted retries surface as ErrLedgerUnavailable rather than
// being swallowed.
func (l *SQLiteLedger) withWriteRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(5, retry.NewExponential(50*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if isBusy(err) {
			l.logger.Warn("ledger write contended, retrying", "op", op)
			return retry.RetryableError(err)
		}
		return err
	})
	if isBusy(err) {
		return fmt.Errorf("%w: %s: %v", keep.ErrLedgerUnavailable, op, err)
	}
	return err
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// parentOf returns the logical parent directory of a relative slash path.
// Root-level paths have parent "".
func parentOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

const entryColumns = `id, watcher, path, parent, fingerprint, size,
	source_mtime, vault_mtime, state, snapshot_id, seen_generation,
	vault_key, updated_at`

func scanEntry(row interface{ Scan(...any) error }) (*keep.Entry, error) {
	var e keep.Entry
	var parent string
	var state string
	err := row.Scan(&e.ID, &e.Watcher, &e.Path, &parent, &e.Fingerprint,
		&e.Size, &e.SourceMTime, &e.VaultMTime, &state, &e.SnapshotID,
		&e.SeenGen, &e.VaultKey, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.State = keep.EntryState(state)
	return &e, nil
}

// RecordOrUpdate upserts the entry keyed by (watcher, path, snapshot id).
// The vault write must already have happened: the ledger always commits
// after the vault so "ledger says present" implies "vault has it".
func (l *SQLiteLedger) RecordOrUpdate(ctx context.Context, entry *keep.Entry) error {
	return l.withWriteRetry(ctx, "record", func(ctx context.Context) error {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("starting transaction: %w", err)
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM entries
			 WHERE watcher = ? AND path = ? AND snapshot_id = ? AND state = 'active'`,
			entry.Watcher, entry.Path, entry.SnapshotID)

		existing, err := scanEntry(row)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("finding existing entry: %w", err)
		}

		now := l.clock.Now()
		if existing != nil {
			if existing.Fingerprint == entry.Fingerprint && existing.Size == entry.Size {
				// Identical content: one logical entry. Refresh the scan stamp
				// and mtime so a touch does not re-fingerprint forever.
				_, err := tx.ExecContext(ctx,
					`UPDATE entries SET seen_generation = ?, source_mtime = ?, updated_at = ?
					 WHERE id = ?`,
					entry.SeenGen, entry.SourceMTime, now, existing.ID)
				if err != nil {
					return fmt.Errorf("refreshing entry: %w", err)
				}
				return tx.Commit()
			}

			// Content changed: supersede the old version, insert the new one.
			_, err := tx.ExecContext(ctx,
				`UPDATE entries SET state = 'superseded', updated_at = ? WHERE id = ?`,
				now, existing.ID)
			if err != nil {
				return fmt.Errorf("superseding entry: %w", err)
			}
		}

		id := entry.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entries (`+entryColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'active', ?, ?, ?, ?)`,
			id, entry.Watcher, entry.Path, parentOf(entry.Path), entry.Fingerprint,
			entry.Size, entry.SourceMTime, entry.VaultMTime, entry.SnapshotID,
			entry.SeenGen, entry.VaultKey, now)
		if err != nil {
			return fmt.Errorf("inserting entry: %w", err)
		}

		return tx.Commit()
	})
}

// ActiveEntry returns the active entry for a path, or nil.
func (l *SQLiteLedger) ActiveEntry(watcher, path string) (*keep.Entry, error) {
	row := l.db.QueryRow(
		`SELECT `+entryColumns+` FROM entries
		 WHERE watcher = ? AND path = ? AND state = 'active'
		 ORDER BY snapshot_id DESC LIMIT 1`,
		watcher, path)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding active entry: %w", err)
	}
	return entry, nil
}

// MarkDeleted flips every active entry for path to deleted, keeping history.
func (l *SQLiteLedger) MarkDeleted(ctx context.Context, watcher, path string) error {
	return l.withWriteRetry(ctx, "mark-deleted", func(ctx context.Context) error {
		_, err := l.db.ExecContext(ctx,
			`UPDATE entries SET state = 'deleted', updated_at = ?
			 WHERE watcher = ? AND path = ? AND state = 'active'`,
			l.clock.Now(), watcher, path)
		if err != nil {
			return fmt.Errorf("marking deleted: %w", err)
		}
		return nil
	})
}

// MarkSuperseded flips every active entry for the watcher to superseded.
func (l *SQLiteLedger) MarkSuperseded(ctx context.Context, watcher string) error {
	return l.withWriteRetry(ctx, "mark-superseded", func(ctx context.Context) error {
		_, err := l.db.ExecContext(ctx,
			`UPDATE entries SET state = 'superseded', updated_at = ?
			 WHERE watcher = ? AND state = 'active'`,
			l.clock.Now(), watcher)
		if err != nil {
			return fmt.Errorf("marking superseded: %w", err)
		}
		return nil
	})
}

// GetContents lists the immediate children of a logical directory: file
// entries whose parent is dir, plus subfolders synthesized from deeper
// parents. Both lookups ride the (watcher, parent) index.
func (l *SQLiteLedger) GetContents(watcher, dir string, includeHistory bool) ([]keep.DirEntry, error) {
	dir = strings.Trim(dir, "/")

	stateFilter := `AND state = 'active'`
	if includeHistory {
		stateFilter = ``
	}

	rows, err := l.db.Query(
		`SELECT `+entryColumns+` FROM entries
		 WHERE watcher = ? AND parent = ? `+stateFilter+`
		 ORDER BY path`,
		watcher, dir)
	if err != nil {
		return nil, fmt.Errorf("listing directory files: %w", err)
	}
	defer rows.Close()

	var result []keep.DirEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		name := entry.Path
		if dir != "" {
			name = strings.TrimPrefix(entry.Path, dir+"/")
		}
		result = append(result, keep.DirEntry{Name: name, Entry: entry})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entries: %w", err)
	}

	// Subfolders: distinct deeper parents reduced to their first segment
	// below dir.
	pattern := "_%"
	if dir != "" {
		pattern = dir + "/%"
	}
	folderRows, err := l.db.Query(
		`SELECT DISTINCT parent FROM entries
		 WHERE watcher = ? AND parent LIKE ? `+stateFilter,
		watcher, pattern)
	if err != nil {
		return nil, fmt.Errorf("listing subfolders: %w", err)
	}
	defer folderRows.Close()

	seen := make(map[string]bool)
	for folderRows.Next() {
		var parent string
		if err := folderRows.Scan(&parent); err != nil {
			return nil, fmt.Errorf("scanning subfolder: %w", err)
		}
		sub := parent
		if dir != "" {
			sub = strings.TrimPrefix(parent, dir+"/")
		}
		if idx := strings.Index(sub, "/"); idx >= 0 {
			sub = sub[:idx]
		}
		if sub != "" && !seen[sub] {
			seen[sub] = true
			result = append(result, keep.DirEntry{Name: sub, IsDir: true})
		}
	}
	if err := folderRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subfolders: %w", err)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// BeginGeneration allocates the next scan generation for the watcher.
func (l *SQLiteLedger) BeginGeneration(ctx context.Context, watcher string) (int64, error) {
	var gen int64
	err := l.withWriteRetry(ctx, "begin-generation", func(ctx context.Context) error {
		return l.db.QueryRowContext(ctx,
			`INSERT INTO generations (watcher, generation) VALUES (?, 1)
			 ON CONFLICT(watcher) DO UPDATE SET generation = generation + 1
			 RETURNING generation`,
			watcher).Scan(&gen)
	})
	if err != nil {
		return 0, fmt.Errorf("beginning generation: %w", err)
	}
	return gen, nil
}

// TouchSeen stamps the active entry for path with the scan generation.
func (l *SQLiteLedger) TouchSeen(ctx context.Context, watcher, path string, generation int64) error {
	return l.withWriteRetry(ctx, "touch-seen", func(ctx context.Context) error {
		_, err := l.db.ExecContext(ctx,
			`UPDATE entries SET seen_generation = ?
			 WHERE watcher = ? AND path = ? AND state = 'active'`,
			generation, watcher, path)
		if err != nil {
			return fmt.Errorf("touching entry: %w", err)
		}
		return nil
	})
}

// EntriesNotSeenSince returns active entries the given scan generation did
// not observe: the mirror-mode orphan set.
func (l *SQLiteLedger) EntriesNotSeenSince(watcher string, generation int64) ([]*keep.Entry, error) {
	rows, err := l.db.Query(
		`SELECT `+entryColumns+` FROM entries
		 WHERE watcher = ? AND state = 'active' AND seen_generation < ?
		 ORDER BY path`,
		watcher, generation)
	if err != nil {
		return nil, fmt.Errorf("querying unseen entries: %w", err)
	}
	defer rows.Close()

	var entries []*keep.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entries: %w", err)
	}
	return entries, nil
}

// SnapshotIDs returns the distinct snapshot generation ids for the watcher,
// oldest first. Snapshot ids sort lexically in time order.
func (l *SQLiteLedger) SnapshotIDs(watcher string) ([]string, error) {
	rows, err := l.db.Query(
		`SELECT DISTINCT snapshot_id FROM entries
		 WHERE watcher = ? AND snapshot_id != ''
		 ORDER BY snapshot_id`,
		watcher)
	if err != nil {
		return nil, fmt.Errorf("querying snapshot ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning snapshot id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshot ids: %w", err)
	}
	return ids, nil
}

// PruneSnapshot physically removes one snapshot generation and returns the
// vault keys of the removed entries. Keys still referenced by another
// generation are excluded, preserving space-sharing.
func (l *SQLiteLedger) PruneSnapshot(ctx context.Context, watcher, snapshotID string) ([]string, error) {
	var keys []string
	err := l.withWriteRetry(ctx, "prune-snapshot", func(ctx context.Context) error {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("starting transaction: %w", err)
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx,
			`SELECT vault_key FROM entries
			 WHERE watcher = ? AND snapshot_id = ?
			   AND vault_key NOT IN (
			     SELECT vault_key FROM entries
			     WHERE watcher = ? AND snapshot_id != ?
			   )`,
			watcher, snapshotID, watcher, snapshotID)
		if err != nil {
			return fmt.Errorf("querying prunable keys: %w", err)
		}
		keys = keys[:0]
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				rows.Close()
				return fmt.Errorf("scanning key: %w", err)
			}
			keys = append(keys, key)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating keys: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entries WHERE watcher = ? AND snapshot_id = ?`,
			watcher, snapshotID); err != nil {
			return fmt.Errorf("deleting snapshot entries: %w", err)
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Checkpoint forces buffered writes to durable storage and records the
// checkpoint time. It runs on the shutdown path, so it is deliberately not
// cancellable.
func (l *SQLiteLedger) Checkpoint() error {
	return l.withWriteRetry(context.Background(), "checkpoint", func(context.Context) error {
		if _, err := l.db.Exec(
			`INSERT INTO checkpoints (created_at) VALUES (?)`, l.clock.Now()); err != nil {
			return fmt.Errorf("recording checkpoint: %w", err)
		}
		if _, err := l.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
			return fmt.Errorf("checkpointing wal: %w", err)
		}
		return nil
	})
}

// ExportTo writes a consistent copy of the ledger to destPath using
// VACUUM INTO.
func (l *SQLiteLedger) ExportTo(destPath string) error {
	if _, err := l.db.Exec(`VACUUM INTO ?`, destPath); err != nil {
		return fmt.Errorf("exporting ledger: %w", err)
	}
	return nil
}

// Path returns the ledger file path ("" for in-memory).
func (l *SQLiteLedger) Path() string { return l.path }

// Close checkpoints and closes the store.
func (l *SQLiteLedger) Close() error {
	if l.db == nil {
		return nil
	}
	if err := l.Checkpoint(); err != nil {
		l.db.Close()
		return err
	}
	return l.db.Close()
}
