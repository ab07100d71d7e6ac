package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"keep/internal/keep"
)

// MemoryVault is an in-memory implementation of the Vault interface.
// It is useful for testing and safe for concurrent use. FailPuts and
// FailProbe let tests script systemic failures.
type MemoryVault struct {
	name    string
	mu      sync.RWMutex
	objects map[string][]byte
	mtimes  map[string]time.Time

	// FailPuts makes every Put fail with ErrVaultUnreachable.
	FailPuts bool
	// FailProbe makes TestConnection report the given error.
	FailProbe error
}

var _ keep.Vault = (*MemoryVault)(nil)

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:    name,
		objects: make(map[string][]byte),
		mtimes:  make(map[string]time.Time),
	}
}

// Put stores the object at key.
func (m *MemoryVault) Put(ctx context.Context, key string, r io.Reader, size int64) (*keep.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailPuts {
		return nil, fmt.Errorf("%w: simulated failure", keep.ErrVaultUnreachable)
	}

	now := time.Now()
	m.objects[key] = data
	m.mtimes[key] = now
	return &keep.Receipt{Key: key, Size: size, Written: now}, nil
}

// Get retrieves the object at key.
func (m *MemoryVault) Get(ctx context.Context, key string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", keep.ErrObjectNotFound, key)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing content: %w", err)
	}
	return nil
}

// Delete removes the object at key. Missing objects are a no-op success.
func (m *MemoryVault) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.mtimes, key)
	return nil
}

// List returns objects under prefix, ordered by key.
func (m *MemoryVault) List(ctx context.Context, prefix string) ([]keep.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var objects []keep.ObjectInfo
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, keep.ObjectInfo{Key: key, Size: int64(len(data)), ModTime: m.mtimes[key]})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// TestConnection reports FailProbe if set, success otherwise.
func (m *MemoryVault) TestConnection(ctx context.Context) (*keep.ProbeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.FailProbe != nil {
		return &keep.ProbeResult{Err: m.FailProbe, Detail: "simulated probe failure"}, nil
	}
	return &keep.ProbeResult{OK: true, Detail: "memory vault"}, nil
}

// Keys returns every stored key, sorted. Test helper.
func (m *MemoryVault) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Bytes returns the stored bytes for key, or nil. Test helper.
func (m *MemoryVault) Bytes(key string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[key]
}
