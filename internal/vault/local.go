package vault

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"keep/internal/keep"
)

// LocalVault is a filesystem-backed implementation of the Vault interface.
// Object keys map directly to paths under the root, preserving hierarchical
// prefixes, so a vault written here is browsable with ordinary tools.
type LocalVault struct {
	name string
	root string
}

var _ keep.Vault = (*LocalVault)(nil)

// NewLocalVault creates a vault rooted at the given path, creating the root
// if necessary.
func NewLocalVault(name, root string) (*LocalVault, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating vault root: %v", keep.ErrVaultUnreachable, err)
	}
	return &LocalVault{name: name, root: root}, nil
}

// keyPath converts an object key to a filesystem path under the root.
func (v *LocalVault) keyPath(key string) string {
	return filepath.Join(v.root, filepath.FromSlash(key))
}

// Put stores the object at key using an atomic temp file + rename write.
func (v *LocalVault) Put(ctx context.Context, key string, r io.Reader, size int64) (*keep.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	destPath := v.keyPath(key)
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return nil, classifyLocalErr(fmt.Errorf("creating parent directory: %w", err))
	}

	// Temp file in the same directory so the rename is atomic.
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return nil, classifyLocalErr(fmt.Errorf("creating temp file: %w", err))
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return nil, fmt.Errorf("writing data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("closing temp file: %w", err)
	}
	if written != size {
		return nil, fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return nil, classifyLocalErr(fmt.Errorf("renaming temp file: %w", err))
	}

	success = true
	info, err := os.Stat(destPath)
	if err != nil {
		return nil, fmt.Errorf("stat written object: %w", err)
	}
	return &keep.Receipt{Key: key, Size: written, Written: info.ModTime()}, nil
}

// Get retrieves the object at key and writes it to w.
func (v *LocalVault) Get(ctx context.Context, key string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(v.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", keep.ErrObjectNotFound, key)
		}
		return classifyLocalErr(fmt.Errorf("opening object: %w", err))
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("reading object: %w", err)
	}
	return nil
}

// Delete removes the object at key. Missing objects are a no-op success.
func (v *LocalVault) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(v.keyPath(key))
	if err != nil && !os.IsNotExist(err) {
		return classifyLocalErr(fmt.Errorf("deleting object: %w", err))
	}
	return nil
}

// List returns objects under prefix, ordered by key.
func (v *LocalVault) List(ctx context.Context, prefix string) ([]keep.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var objects []keep.ObjectInfo
	err := filepath.WalkDir(v.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}

		rel, err := filepath.Rel(v.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, keep.ObjectInfo{Key: key, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, classifyLocalErr(fmt.Errorf("listing objects: %w", err))
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// TestConnection performs a write-then-read-then-cleanup probe.
func (v *LocalVault) TestConnection(ctx context.Context) (*keep.ProbeResult, error) {
	info, err := os.Stat(v.root)
	if err != nil {
		return &keep.ProbeResult{Err: keep.ErrVaultUnreachable, Detail: fmt.Sprintf("vault root not accessible: %v", err)}, nil
	}
	if !info.IsDir() {
		return &keep.ProbeResult{Err: keep.ErrVaultUnreachable, Detail: fmt.Sprintf("vault root is not a directory: %s", v.root)}, nil
	}

	probeKey := "keep/probe-" + uuid.New().String()
	payload := []byte("probe")

	if _, err := v.Put(ctx, probeKey, strings.NewReader(string(payload)), int64(len(payload))); err != nil {
		return &keep.ProbeResult{Err: classifyLocalErr(err), Detail: fmt.Sprintf("probe write failed: %v", err)}, nil
	}

	var buf strings.Builder
	if err := v.Get(ctx, probeKey, &buf); err != nil || buf.String() != string(payload) {
		v.Delete(ctx, probeKey)
		return &keep.ProbeResult{Err: keep.ErrVaultUnreachable, Detail: "probe read-back failed"}, nil
	}

	if err := v.Delete(ctx, probeKey); err != nil {
		return &keep.ProbeResult{Err: classifyLocalErr(err), Detail: fmt.Sprintf("probe cleanup failed: %v", err)}, nil
	}

	return &keep.ProbeResult{OK: true, Detail: "local vault writable"}, nil
}

// classifyLocalErr maps filesystem failures onto the vault error taxonomy.
func classifyLocalErr(err error) error {
	if os.IsPermission(err) {
		return fmt.Errorf("%w: %v", keep.ErrVaultWriteDenied, err)
	}
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", keep.ErrVaultUnreachable, err)
	}
	return err
}
