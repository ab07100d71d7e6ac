package source

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"keep/internal/keep"
)

// PhotoSource enumerates a photo library directory for the photos watcher.
// Items map to deterministic "photos/YYYY/MM/<name>" vault keys derived
// from the item's modification time, so the vault browses chronologically
// regardless of the library's on-disk layout.
type PhotoSource struct {
	root  string
	rules *ExclusionRules
}

var _ keep.Source = (*PhotoSource)(nil)

// NewPhotoSource creates a source rooted at the given library directory.
func NewPhotoSource(root string, rules *ExclusionRules) *PhotoSource {
	if rules == nil {
		rules = NewExclusionRules(nil, nil)
	}
	return &PhotoSource{root: root, rules: rules}
}

func (s *PhotoSource) ID() string { return "photos" }

// Available reports whether the library root exists and is a directory.
func (s *PhotoSource) Available() bool {
	info, err := os.Stat(s.root)
	return err == nil && info.IsDir()
}

// Scan enumerates all items in the library, exclusion-filtered, in path
// order.
func (s *PhotoSource) Scan() ([]keep.Item, error) {
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

		mtime := info.ModTime()
		items = append(items, keep.Item{
			Path:  filepath.ToSlash(rel),
			Key:   fmt.Sprintf("photos/%04d/%02d/%s", mtime.Year(), int(mtime.Month()), d.Name()),
			Size:  info.Size(),
			MTime: mtime,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking photo library: %w", err)
	}
	return items, nil
}

// Open opens an item's content for reading.
func (s *PhotoSource) Open(item keep.Item) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.root, filepath.FromSlash(item.Path)))
}
