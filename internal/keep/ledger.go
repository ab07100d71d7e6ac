package keep

import (
	"context"
	"time"
)

// EntryState is the lifecycle flag of a ledger entry.
type EntryState string

const (
	// EntryActive marks the current entry for a path.
	EntryActive EntryState = "active"

	// EntryDeleted marks an entry whose source file was removed. The row is
	// kept so reconciliation can distinguish "never seen" from "removed".
	EntryDeleted EntryState = "deleted"

	// EntrySuperseded marks an entry displaced by a newer version or by a
	// vault switch with re-upload semantics.
	EntrySuperseded EntryState = "superseded"
)

// Entry is one ledger row: the durable record of a tracked filesystem
// object's relationship between source and vault.
type Entry struct {
	ID          string
	Watcher     string // namespace: watcher id ("drive", "photos")
	Path        string // relative path within the source
	Fingerprint string // SHA-256 of the source content
	Size        int64
	SourceMTime time.Time
	VaultMTime  time.Time
	State       EntryState
	SnapshotID  string // snapshot generation id; empty outside snapshot mode
	SeenGen     int64  // last scan generation that observed the source file
	VaultKey    string // object key in the vault
	UpdatedAt   time.Time
}

// DirEntry is one element of a ledger directory listing.
type DirEntry struct {
	Name  string
	IsDir bool
	Entry *Entry // nil for synthesized subfolders
}

// Ledger durably tracks every file's relationship between source and vault.
// It is the authoritative state: "ledger says present" implies "vault has
// it", never the other way around, because vault writes always commit before
// ledger writes.
//
// All methods are safe for concurrent use; records are namespaced by watcher
// id so the drive and photos engines never touch each other's rows.
type Ledger interface {
	// RecordOrUpdate upserts the entry keyed by (watcher, path, snapshot id).
	// Recording identical content twice yields one logical entry.
	RecordOrUpdate(ctx context.Context, entry *Entry) error

	// ActiveEntry returns the active entry for a path, or nil.
	ActiveEntry(watcher, path string) (*Entry, error)

	// MarkDeleted flips the active entry for path to the deleted state
	// without removing history.
	MarkDeleted(ctx context.Context, watcher, path string) error

	// MarkSuperseded flips every active entry for the watcher to superseded.
	// Used by a vault switch with re-upload semantics.
	MarkSuperseded(ctx context.Context, watcher string) error

	// GetContents lists the immediate children of a logical directory.
	// Active entries only by default; includeHistory adds deleted and
	// superseded entries for point-in-time restore.
	GetContents(watcher, dir string, includeHistory bool) ([]DirEntry, error)

	// BeginGeneration allocates a new scan generation for the watcher.
	BeginGeneration(ctx context.Context, watcher string) (int64, error)

	// TouchSeen stamps the active entry for path with the generation.
	TouchSeen(ctx context.Context, watcher, path string, generation int64) error

	// EntriesNotSeenSince returns active entries whose SeenGen is below the
	// given generation: the mirror-mode orphan set.
	EntriesNotSeenSince(watcher string, generation int64) ([]*Entry, error)

	// SnapshotIDs returns the distinct snapshot generation ids recorded for
	// the watcher, oldest first.
	SnapshotIDs(watcher string) ([]string, error)

	// PruneSnapshot physically removes all entries of one snapshot
	// generation. This is the only physical deletion the ledger performs.
	// It returns the vault keys of the removed entries so the caller can
	// delete the corresponding objects.
	PruneSnapshot(ctx context.Context, watcher, snapshotID string) ([]string, error)

	// Checkpoint forces buffered writes to durable storage. Must be called
	// before process termination.
	Checkpoint() error

	// ExportTo writes a consistent copy of the ledger store to path,
	// suitable for uploading to the vault.
	ExportTo(path string) error

	// Close checkpoints and closes the store.
	Close() error
}
