package source

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"keep/internal/keep"
)

// DriveSource enumerates a local directory tree for the drive watcher.
// Vault keys mirror relative paths under the "drive/" prefix.
type DriveSource struct {
	root  string
	rules *ExclusionRules
}

var _ keep.Source = (*DriveSource)(nil)

// NewDriveSource creates a source rooted at the given directory.
func NewDriveSource(root string, rules *ExclusionRules) *DriveSource {
	if rules == nil {
		rules = NewExclusionRules(nil, nil)
	}
	return &DriveSource{root: root, rules: rules}
}

func (s *DriveSource) ID() string { return "drive" }

// Available reports whether the source root exists and is a directory.
func (s *DriveSource) Available() bool {
	info, err := os.Stat(s.root)
	return err == nil && info.IsDir()
}

// Scan enumerates all regular files under the root, exclusion-filtered,
// in path order.
func (s *DriveSource) Scan() ([]keep.Item, error) {
	if !s.Available() {
		return nil, fmt.Errorf("%w: %s", keep.ErrSourceMissing, s.root)
	}

	var items []keep.Item
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != s.root && s.rules.ExcludeDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || s.rules.ExcludeFile(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}

		relSlash := filepath.ToSlash(rel)
		items = append(items, keep.Item{
			Path:  relSlash,
			Key:   "drive/" + relSlash,
			Size:  info.Size(),
			MTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking source tree: %w", err)
	}
	return items, nil
}

// Open opens an item's content for reading.
func (s *DriveSource) Open(item keep.Item) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.root, filepath.FromSlash(item.Path)))
}
