package watcher

import (
	"bytes"
	"context"
	"testing"
	"time"

	"keep/internal/keep"
	"keep/internal/vault"
)

func TestModeChangeTwoPhase(t *testing.T) {
	f := newFixture(t, keep.ModeBasic, "")

	t.Run("mirror requires orphan policy", func(t *testing.T) {
		change, err := f.engine.RequestModeChange(keep.ModeMirror)
		if err != nil {
			t.Fatalf("RequestModeChange: %v", err)
		}
		if err := change.Commit(""); err == nil {
			t.Error("commit without orphan policy should fail")
		}
		if f.engine.Mode() != keep.ModeBasic {
			t.Error("mode changed despite failed commit")
		}
		if err := change.Commit(keep.OrphanStrict); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if f.engine.Mode() != keep.ModeMirror {
			t.Error("mode not changed after commit")
		}
	})

	t.Run("cancel keeps current mode", func(t *testing.T) {
		change, err := f.engine.RequestModeChange(keep.ModeSnapshot)
		if err != nil {
			t.Fatalf("RequestModeChange: %v", err)
		}
		change.Cancel()
		if f.engine.Mode() != keep.ModeMirror {
			t.Error("cancel changed the mode")
		}
		if err := change.Commit(""); err == nil {
			t.Error("commit after cancel should fail")
		}
	})

	t.Run("no-op change rejected", func(t *testing.T) {
		if _, err := f.engine.RequestModeChange(keep.ModeMirror); err == nil {
			t.Error("changing to the current mode should fail")
		}
	})

	t.Run("unknown mode rejected", func(t *testing.T) {
		if _, err := f.engine.RequestModeChange("full"); err == nil {
			t.Error("unknown mode accepted")
		}
	})
}

func TestVaultSwitchReuploadAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keep.ModeBasic, "")
	f.source.AddFile("a.txt", []byte("alpha"), f.clock.Now())
	f.source.AddFile("b.txt", []byte("beta"), f.clock.Now())

	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("initial scan: %v", err)
	}
	oldKeys := f.vault.Keys()

	newVault := vault.NewMemoryVault("new")
	sw, err := f.engine.RequestVaultSwitch(ctx, newVault)
	if err != nil {
		t.Fatalf("RequestVaultSwitch: %v", err)
	}
	if err := sw.Commit(ctx, keep.RescanReuploadAll); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("scan after switch: %v", err)
	}

	if !bytes.Equal(newVault.Bytes("drive/a.txt"), []byte("alpha")) {
		t.Error("a.txt not re-uploaded to the new vault")
	}
	if !bytes.Equal(newVault.Bytes("drive/b.txt"), []byte("beta")) {
		t.Error("b.txt not re-uploaded to the new vault")
	}

	// The old vault is never modified by a switch.
	if got := f.vault.Keys(); len(got) != len(oldKeys) {
		t.Errorf("old vault changed: %v -> %v", oldKeys, got)
	}
}

func TestVaultSwitchNewItemsOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keep.ModeBasic, "")
	f.source.AddFile("old.txt", []byte("old"), f.clock.Now())

	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("initial scan: %v", err)
	}

	newVault := vault.NewMemoryVault("new")
	sw, err := f.engine.RequestVaultSwitch(ctx, newVault)
	if err != nil {
		t.Fatalf("RequestVaultSwitch: %v", err)
	}
	if err := sw.Commit(ctx, keep.RescanNewItemsOnly); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("scan after switch: %v", err)
	}
	if newVault.Bytes("drive/old.txt") != nil {
		t.Error("unchanged item re-uploaded under new-items-only")
	}

	// A change from now on lands on the new vault.
	f.clock.Advance(time.Minute)
	f.source.AddFile("old.txt", []byte("changed"), f.clock.Now())
	f.source.AddFile("new.txt", []byte("fresh"), f.clock.Now())
	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("scan with changes: %v", err)
	}
	if !bytes.Equal(newVault.Bytes("drive/old.txt"), []byte("changed")) {
		t.Error("changed item missing from new vault")
	}
	if !bytes.Equal(newVault.Bytes("drive/new.txt"), []byte("fresh")) {
		t.Error("new item missing from new vault")
	}
}

func TestVaultSwitchProbeFailureAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keep.ModeBasic, "")
	f.source.AddFile("a.txt", []byte("a"), f.clock.Now())

	bad := vault.NewMemoryVault("bad")
	bad.FailProbe = keep.ErrVaultAuthFailed

	if _, err := f.engine.RequestVaultSwitch(ctx, bad); err == nil {
		t.Fatal("switch onto a failing vault should be refused")
	}

	// The engine stays fully operational on its current vault.
	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("ScanOnce after aborted switch: %v", err)
	}
	if f.vault.Bytes("drive/a.txt") == nil {
		t.Error("engine stopped writing to the current vault")
	}
}

func TestVaultSwitchBarrierBlocksScans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keep.ModeBasic, "")
	f.source.AddFile("a.txt", []byte("a"), f.clock.Now())

	sw, err := f.engine.RequestVaultSwitch(ctx, vault.NewMemoryVault("new"))
	if err != nil {
		t.Fatalf("RequestVaultSwitch: %v", err)
	}

	// While the switch is pending, cycles are suppressed entirely.
	f.engine.cycle(ctx)
	if len(f.vault.Keys()) != 0 {
		t.Error("scan ran during a pending vault switch")
	}

	// A second concurrent switch is refused.
	if _, err := f.engine.RequestVaultSwitch(ctx, vault.NewMemoryVault("other")); err == nil {
		t.Error("overlapping vault switch accepted")
	}

	sw.Cancel()
	f.engine.cycle(ctx)
	if f.vault.Bytes("drive/a.txt") == nil {
		t.Error("scanning did not resume after cancel")
	}
}

func TestSnapshotModeSharesUnchangedObjects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keep.ModeSnapshot, "")
	f.source.AddFile("stable.txt", []byte("constant"), f.clock.Now())

	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	firstSnap := keep.SnapshotIDFor(f.clock.Now())

	f.clock.Advance(time.Hour)
	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	secondSnap := keep.SnapshotIDFor(f.clock.Now())
	if firstSnap == secondSnap {
		t.Fatal("clock advance did not produce a new snapshot id")
	}

	ids, err := f.ledger.SnapshotIDs("drive")
	if err != nil {
		t.Fatalf("SnapshotIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("snapshot ids = %v, want 2 generations", ids)
	}

	// One content object serves both generations.
	if n := len(f.vault.Keys()); n != 1 {
		t.Errorf("vault holds %d objects, want 1 shared: %v", n, f.vault.Keys())
	}
	if c := f.engine.Counters(); c.Uploaded != 1 {
		t.Errorf("Uploaded = %d, want 1", c.Uploaded)
	}
}

func TestSnapshotModeNewContentNewObject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keep.ModeSnapshot, "")
	f.source.AddFile("doc.txt", []byte("v1"), f.clock.Now())

	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("first scan: %v", err)
	}

	f.clock.Advance(time.Hour)
	f.source.AddFile("doc.txt", []byte("v2"), f.clock.Now())
	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("second scan: %v", err)
	}

	if n := len(f.vault.Keys()); n != 2 {
		t.Errorf("vault holds %d objects, want 2 versions: %v", n, f.vault.Keys())
	}
}

func TestSnapshotRetentionPrunes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keep.ModeSnapshot, "")

	// Generations of changing content across three days.
	for day := 0; day < 3; day++ {
		for hour := 0; hour < 24; hour += 6 {
			f.source.AddFile("doc.txt", []byte(f.clock.Now().String()), f.clock.Now())
			if err := f.engine.ScanOnce(ctx); err != nil {
				t.Fatalf("scan: %v", err)
			}
			f.clock.Advance(6 * time.Hour)
		}
	}

	// One more cycle so the last retention pass ran at the current clock.
	f.source.AddFile("doc.txt", []byte("final"), f.clock.Now())
	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("final scan: %v", err)
	}

	ids, err := f.ledger.SnapshotIDs("drive")
	if err != nil {
		t.Fatalf("SnapshotIDs: %v", err)
	}

	// Retention ran inside the scan cycles: older days collapse to one
	// generation each.
	kept, pruned := keep.DefaultRetention.Apply(ids, f.clock.Now())
	if len(pruned) != 0 {
		t.Errorf("retention left prunable generations: %v", pruned)
	}
	if len(kept) != len(ids) {
		t.Errorf("ledger ids inconsistent with retention: %v", ids)
	}

	// Pruned generations' objects are gone from the vault; survivors
	// remain fetchable.
	for _, id := range ids {
		if _, err := keep.ParseSnapshotID(id); err != nil {
			t.Errorf("unparseable snapshot id in ledger: %q", id)
		}
	}
	if len(f.vault.Keys()) == 0 {
		t.Error("vault empty after retention")
	}
}
