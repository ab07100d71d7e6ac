package testutil

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"keep/internal/keep"
)

// ScriptedSource is an in-memory keep.Source whose contents tests mutate
// between scan cycles. Vault keys follow the drive convention:
// "<id>/<path>".
type ScriptedSource struct {
	id string

	mu      sync.Mutex
	files   map[string]scriptedFile
	missing bool

	// FailOpen makes Open fail for the given path.
	FailOpen map[string]error
}

type scriptedFile struct {
	content []byte
	mtime   time.Time
}

var _ keep.Source = (*ScriptedSource)(nil)

// NewScriptedSource creates an empty source with the given watcher id.
func NewScriptedSource(id string) *ScriptedSource {
	return &ScriptedSource{
		id:       id,
		files:    make(map[string]scriptedFile),
		FailOpen: make(map[string]error),
	}
}

// AddFile creates or replaces a file.
func (s *ScriptedSource) AddFile(path string, content []byte, mtime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = scriptedFile{content: append([]byte(nil), content...), mtime: mtime}
}

// RemoveFile deletes a file.
func (s *ScriptedSource) RemoveFile(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path)
}

// SetMissing makes the whole source unavailable, as if the directory were
// unmounted.
func (s *ScriptedSource) SetMissing(missing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missing = missing
}

func (s *ScriptedSource) ID() string { return s.id }

func (s *ScriptedSource) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.missing
}

func (s *ScriptedSource) Scan() ([]keep.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missing {
		return nil, fmt.Errorf("%w: scripted source", keep.ErrSourceMissing)
	}

	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	items := make([]keep.Item, 0, len(paths))
	for _, p := range paths {
		f := s.files[p]
		items = append(items, keep.Item{
			Path:  p,
			Key:   s.id + "/" + p,
			Size:  int64(len(f.content)),
			MTime: f.mtime,
		})
	}
	return items, nil
}

func (s *ScriptedSource) Open(item keep.Item) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FailOpen[item.Path]; err != nil {
		return nil, err
	}
	f, ok := s.files[item.Path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", keep.ErrObjectNotFound, item.Path)
	}
	return io.NopCloser(bytes.NewReader(f.content)), nil
}
