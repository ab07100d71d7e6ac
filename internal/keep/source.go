package keep

import (
	"io"
	"time"
)

// Item is one enumerable object in a backup source.
type Item struct {
	// Path is the item's path relative to the source root.
	Path string

	// Key is the vault object key the item maps to.
	Key string

	Size  int64
	MTime time.Time
}

// Source enumerates a backup source (a local tree, a photo library).
// Implementations apply exclusion rules during enumeration so the watcher
// only ever sees items that need consideration.
type Source interface {
	// ID identifies the source's ledger namespace ("drive", "photos").
	ID() string

	// Available reports whether the source root currently exists.
	Available() bool

	// Scan enumerates all items, exclusion-filtered, in path order.
	Scan() ([]Item, error)

	// Open opens an item's content for reading.
	Open(item Item) (io.ReadCloser, error)
}
