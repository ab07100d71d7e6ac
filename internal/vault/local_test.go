package vault

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"keep/internal/keep"
)

func newTestLocalVault(t *testing.T) *LocalVault {
	t.Helper()
	v, err := NewLocalVault("test", t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalVault: %v", err)
	}
	return v
}

func TestLocalPutGet(t *testing.T) {
	ctx := context.Background()
	v := newTestLocalVault(t)

	content := []byte("hello vault")
	receipt, err := v.Put(ctx, "drive/docs/a.txt", bytes.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if receipt.Key != "drive/docs/a.txt" || receipt.Size != int64(len(content)) {
		t.Errorf("receipt = %+v", receipt)
	}

	var buf bytes.Buffer
	if err := v.Get(ctx, "drive/docs/a.txt", &buf); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), content) {
		t.Errorf("content = %q", buf.Bytes())
	}
}

func TestLocalPutOverwrite(t *testing.T) {
	ctx := context.Background()
	v := newTestLocalVault(t)

	for _, content := range []string{"first", "second"} {
		if _, err := v.Put(ctx, "a.txt", strings.NewReader(content), int64(len(content))); err != nil {
			t.Fatalf("Put %q: %v", content, err)
		}
	}

	var buf bytes.Buffer
	if err := v.Get(ctx, "a.txt", &buf); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if buf.String() != "second" {
		t.Errorf("content = %q, want second write", buf.String())
	}
}

func TestLocalPutSizeMismatch(t *testing.T) {
	ctx := context.Background()
	v := newTestLocalVault(t)

	if _, err := v.Put(ctx, "a.txt", strings.NewReader("short"), 100); err == nil {
		t.Error("expected size mismatch error")
	}
	// The failed write must leave no object and no temp residue.
	if _, err := v.List(ctx, ""); err != nil {
		t.Fatalf("List: %v", err)
	}
	objects, _ := v.List(ctx, "")
	if len(objects) != 0 {
		t.Errorf("failed Put left objects: %v", objects)
	}
}

func TestLocalGetMissing(t *testing.T) {
	ctx := context.Background()
	v := newTestLocalVault(t)

	var buf bytes.Buffer
	err := v.Get(ctx, "nope.txt", &buf)
	if !errors.Is(err, keep.ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	v := newTestLocalVault(t)

	if _, err := v.Put(ctx, "a.txt", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := v.Delete(ctx, "a.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := v.Delete(ctx, "a.txt"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestLocalList(t *testing.T) {
	ctx := context.Background()
	v := newTestLocalVault(t)

	for _, key := range []string{"drive/b.txt", "drive/a.txt", "photos/2025/06/x.jpg"} {
		if _, err := v.Put(ctx, key, strings.NewReader("x"), 1); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	objects, err := v.List(ctx, "drive/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"drive/a.txt", "drive/b.txt"}
	if len(objects) != len(want) {
		t.Fatalf("got %d objects, want %d", len(objects), len(want))
	}
	for i, key := range want {
		if objects[i].Key != key {
			t.Errorf("objects[%d].Key = %q, want %q", i, objects[i].Key, key)
		}
	}
}

func TestLocalTestConnection(t *testing.T) {
	ctx := context.Background()

	t.Run("writable root", func(t *testing.T) {
		v := newTestLocalVault(t)
		probe, err := v.TestConnection(ctx)
		if err != nil {
			t.Fatalf("TestConnection: %v", err)
		}
		if !probe.OK {
			t.Fatalf("probe failed: %v (%s)", probe.Err, probe.Detail)
		}

		// The probe must leave no residue.
		objects, err := v.List(ctx, "")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(objects) != 0 {
			t.Errorf("probe left objects behind: %v", objects)
		}
	})

	t.Run("missing root", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "gone")
		v, err := NewLocalVault("test", root)
		if err != nil {
			t.Fatalf("NewLocalVault: %v", err)
		}
		if err := os.RemoveAll(root); err != nil {
			t.Fatalf("RemoveAll: %v", err)
		}

		probe, err := v.TestConnection(ctx)
		if err != nil {
			t.Fatalf("TestConnection: %v", err)
		}
		if probe.OK {
			t.Error("probe succeeded against a missing root")
		}
		if !errors.Is(probe.Err, keep.ErrVaultUnreachable) {
			t.Errorf("probe.Err = %v, want ErrVaultUnreachable", probe.Err)
		}
	})
}
