package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"keep/internal/config"
	"keep/internal/keep"
)

// newTestApp wires an App over a memory vault, a memory ledger, and a real
// drive source rooted in a temp dir.
func newTestApp(t *testing.T) (*App, string) {
	t.Helper()

	sourceRoot := t.TempDir()
	cfg := config.NewConfig("test-host", t.TempDir())
	cfg.LogDir = filepath.Join(cfg.BaseDir, "log")
	cfg.Vault = config.VaultConfig{Type: "memory", Name: "test"}
	cfg.Ledger = config.LedgerConfig{Type: "memory"}
	cfg.Drive.Enabled = true
	cfg.Drive.SourcePath = sourceRoot
	cfg.Drive.Mode = "basic"

	a, err := NewApp(context.Background(), cfg, "test")
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, sourceRoot
}

func TestAppBackupAndRestore(t *testing.T) {
	ctx := context.Background()
	a, sourceRoot := newTestApp(t)

	if _, err := a.InitVault(ctx, "passphrase"); err != nil {
		t.Fatalf("InitVault: %v", err)
	}

	docs := filepath.Join(sourceRoot, "docs")
	if err := os.MkdirAll(docs, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(docs, "a.txt"), []byte("hello"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	results, err := a.Backup(ctx)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if results["drive"].Uploaded != 1 {
		t.Errorf("uploaded = %d, want 1", results["drive"].Uploaded)
	}

	entries, err := a.List("drive", "docs", false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "a.txt" {
		t.Fatalf("List = %+v", entries)
	}

	dest := t.TempDir()
	restored, err := a.Restore(ctx, "drive", "docs/a.txt", "", dest)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(restored) != 1 {
		t.Fatalf("restored %d files", len(restored))
	}
	got, err := os.ReadFile(filepath.Join(dest, "docs", "a.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("restored content = %q", got)
	}
}

func TestAppRestoreDirectory(t *testing.T) {
	ctx := context.Background()
	a, sourceRoot := newTestApp(t)

	for _, rel := range []string{"docs/a.txt", "docs/sub/b.txt"} {
		path := filepath.Join(sourceRoot, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(path, []byte(rel), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	if _, err := a.Backup(ctx); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	dest := t.TempDir()
	restored, err := a.Restore(ctx, "drive", "docs", "", dest)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(restored) != 2 {
		t.Errorf("restored %d files, want 2: %v", len(restored), restored)
	}
	for _, rel := range []string{"docs/a.txt", "docs/sub/b.txt"} {
		if _, err := os.Stat(filepath.Join(dest, filepath.FromSlash(rel))); err != nil {
			t.Errorf("missing restored file %s: %v", rel, err)
		}
	}
}

func TestAppHistory(t *testing.T) {
	ctx := context.Background()
	a, sourceRoot := newTestApp(t)

	path := filepath.Join(sourceRoot, "note.txt")
	if err := os.WriteFile(path, []byte("v1"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := a.Backup(ctx); err != nil {
		t.Fatalf("first backup: %v", err)
	}

	if err := os.WriteFile(path, []byte("v2 longer"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := a.Backup(ctx); err != nil {
		t.Fatalf("second backup: %v", err)
	}

	versions, err := a.History("drive", "note.txt")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("history has %d versions, want 2", len(versions))
	}
	if versions[0].State != keep.EntryActive {
		t.Errorf("newest version state = %s, want active", versions[0].State)
	}

	// Restoring the superseded version by fingerprint prefix brings v1 back.
	old := versions[1]
	dest := t.TempDir()
	if _, err := a.Restore(ctx, "drive", "note.txt", old.Fingerprint[:12], dest); err != nil {
		t.Fatalf("Restore old version: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "note.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("restored content = %q, want v1", got)
	}
}

func TestAppSwitchVault(t *testing.T) {
	ctx := context.Background()
	a, sourceRoot := newTestApp(t)

	if _, err := a.InitVault(ctx, "pw"); err != nil {
		t.Fatalf("InitVault: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sourceRoot, "a.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := a.Backup(ctx); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	target := config.VaultConfig{Type: "memory", Name: "second"}
	if err := a.SwitchVault(ctx, target, keep.RescanReuploadAll); err != nil {
		t.Fatalf("SwitchVault: %v", err)
	}

	results, err := a.Backup(ctx)
	if err != nil {
		t.Fatalf("Backup after switch: %v", err)
	}
	if results["drive"].Uploaded != 2 {
		t.Errorf("uploaded = %d, want 2 (re-upload to new vault)", results["drive"].Uploaded)
	}
}
