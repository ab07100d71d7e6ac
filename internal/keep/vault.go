package keep

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes one stored vault object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Receipt is returned by Put and records what the backend stored.
type Receipt struct {
	Key     string
	Size    int64
	Written time.Time
}

// ProbeResult reports the outcome of a vault connectivity probe.
type ProbeResult struct {
	OK bool
	// Err classifies the failure: ErrVaultAuthFailed, ErrVaultWriteDenied,
	// or ErrVaultUnreachable. Nil when OK.
	Err error
	// Detail is a human-readable description of what the probe observed.
	Detail string
}

// Vault is the storage backend abstraction. Local disk and remote object
// storage behave identically through it: hierarchical paths map to object
// keys preserving directory-like prefixes.
//
// A vault switch never merges two vaults; choosing between re-upload and
// new-items-only semantics is the watcher layer's job, never the backend's.
type Vault interface {
	// Put stores the object at key, reading size bytes from r.
	Put(ctx context.Context, key string, r io.Reader, size int64) (*Receipt, error)

	// Get retrieves the object at key and writes it to w.
	// Returns ErrObjectNotFound for missing keys.
	Get(ctx context.Context, key string, w io.Writer) error

	// Delete removes the object at key. Deleting a missing object is a
	// no-op success.
	Delete(ctx context.Context, key string) error

	// List returns the objects under prefix, lexically ordered by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// TestConnection verifies write access with a minimal
	// write-then-read-then-cleanup probe that leaves no residue.
	TestConnection(ctx context.Context) (*ProbeResult, error)
}
