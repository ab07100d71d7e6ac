package watcher

import (
	"bytes"
	"context"
	"testing"
	"time"

	"keep/internal/crypto"
	"keep/internal/keep"
	"keep/internal/testutil"
	"keep/internal/vault"
)

type engineFixture struct {
	engine *Engine
	source *testutil.ScriptedSource
	ledger keep.Ledger
	vault  *vault.MemoryVault
	crypto keep.CryptoManager
	clock  *testutil.StubClock
}

// newFixture builds an engine over scripted dependencies. Encryption is
// disabled unless the test unlocks the manager itself.
func newFixture(t *testing.T, mode keep.BackupMode, policy keep.OrphanPolicy) *engineFixture {
	t.Helper()

	clock := testutil.FixedClock()
	src := testutil.NewScriptedSource("drive")
	led := testutil.NewTestLedger(t, clock)
	v := testutil.NewTestVault()
	cm := crypto.NewAEADManager(0)
	cm.DisableEncryption()

	eng := NewEngine(Config{
		Source:       src,
		Ledger:       led,
		Vault:        v,
		Crypto:       cm,
		Clock:        clock,
		Mode:         mode,
		OrphanPolicy: policy,
		ScanInterval: time.Minute,
	})
	return &engineFixture{engine: eng, source: src, ledger: led, vault: v, crypto: cm, clock: clock}
}

func TestScanBacksUpNewFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keep.ModeBasic, "")
	mtime := f.clock.Now()
	f.source.AddFile("docs/a.txt", []byte("alpha"), mtime)
	f.source.AddFile("b.txt", []byte("beta"), mtime)

	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}

	if got := f.vault.Bytes("drive/docs/a.txt"); !bytes.Equal(got, []byte("alpha")) {
		t.Errorf("vault content = %q", got)
	}

	entry, err := f.ledger.ActiveEntry("drive", "docs/a.txt")
	if err != nil {
		t.Fatalf("ActiveEntry: %v", err)
	}
	if entry == nil {
		t.Fatal("no ledger entry after backup")
	}
	if entry.VaultKey != "drive/docs/a.txt" {
		t.Errorf("VaultKey = %q", entry.VaultKey)
	}

	c := f.engine.Counters()
	if c.Scanned != 2 || c.Uploaded != 2 || c.Failed != 0 {
		t.Errorf("counters = %+v", c)
	}
	if f.engine.Status().Kind != keep.StatusMonitoring {
		t.Errorf("status = %v, want monitoring", f.engine.Status())
	}
}

func TestScanSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keep.ModeBasic, "")
	f.source.AddFile("a.txt", []byte("same"), f.clock.Now())

	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("second scan: %v", err)
	}

	c := f.engine.Counters()
	if c.Uploaded != 1 {
		t.Errorf("Uploaded = %d, want 1 (unchanged file re-uploaded)", c.Uploaded)
	}
}

func TestScanDetectsContentChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keep.ModeBasic, "")
	f.source.AddFile("a.txt", []byte("v1"), f.clock.Now())

	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("first scan: %v", err)
	}

	f.clock.Advance(time.Minute)
	f.source.AddFile("a.txt", []byte("v2"), f.clock.Now())
	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("second scan: %v", err)
	}

	if got := f.vault.Bytes("drive/a.txt"); !bytes.Equal(got, []byte("v2")) {
		t.Errorf("vault content = %q, want v2", got)
	}
	entry, _ := f.ledger.ActiveEntry("drive", "a.txt")
	if entry == nil || entry.Size != 2 {
		t.Errorf("active entry = %+v", entry)
	}
}

func TestMetadataOnlyChangeSkipsUpload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keep.ModeBasic, "")
	f.source.AddFile("a.txt", []byte("same"), f.clock.Now())

	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("first scan: %v", err)
	}

	// Touch the mtime without changing content: the fingerprint check must
	// prevent a second upload.
	f.clock.Advance(time.Hour)
	f.source.AddFile("a.txt", []byte("same"), f.clock.Now())
	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("second scan: %v", err)
	}

	c := f.engine.Counters()
	if c.Uploaded != 1 {
		t.Errorf("Uploaded = %d, want 1", c.Uploaded)
	}
	entry, _ := f.ledger.ActiveEntry("drive", "a.txt")
	if entry == nil || !entry.SourceMTime.Equal(f.clock.Now()) {
		t.Errorf("mtime not refreshed: %+v", entry)
	}
}

func TestVaultFailureDisablesWatcher(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keep.ModeBasic, "")
	f.source.AddFile("a.txt", []byte("data"), f.clock.Now())
	f.vault.FailPuts = true

	if err := f.engine.ScanOnce(ctx); err == nil {
		t.Fatal("ScanOnce should fail when the vault is unreachable")
	}

	// The vault write never happened, so the ledger must not claim it did.
	entry, err := f.ledger.ActiveEntry("drive", "a.txt")
	if err != nil {
		t.Fatalf("ActiveEntry: %v", err)
	}
	if entry != nil {
		t.Error("ledger entry recorded despite failed vault write")
	}

	st := f.engine.Status()
	if st.Kind != keep.StatusDisabled {
		t.Fatalf("status = %v, want disabled", st)
	}

	// Resolving the failure and re-enabling resumes processing.
	f.vault.FailPuts = false
	f.engine.Enable()
	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("ScanOnce after enable: %v", err)
	}
	if entry, _ := f.ledger.ActiveEntry("drive", "a.txt"); entry == nil {
		t.Error("no entry after recovery")
	}
}

func TestLockedVaultDisablesWatcher(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keep.ModeBasic, "")
	f.source.AddFile("a.txt", []byte("secret"), f.clock.Now())

	// Encryption enabled but no session key held.
	identity, err := crypto.NewAEADManager(0).CreateIdentity("pw")
	if err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	locked := crypto.NewAEADManager(0)
	if err := locked.AdoptIdentity(identity); err != nil {
		t.Fatalf("AdoptIdentity: %v", err)
	}
	f.engine.crypto = locked

	if err := f.engine.ScanOnce(ctx); err == nil {
		t.Fatal("ScanOnce should fail while locked")
	}
	if f.engine.Status().Kind != keep.StatusDisabled {
		t.Errorf("status = %v, want disabled", f.engine.Status())
	}
	if len(f.vault.Keys()) != 0 {
		t.Error("locked engine wrote to the vault")
	}

	if err := locked.Unlock("pw", identity); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	f.engine.Enable()
	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("ScanOnce after unlock: %v", err)
	}

	// What landed in the vault must be ciphertext that decrypts back.
	sealed := f.vault.Bytes("drive/a.txt")
	if bytes.Contains(sealed, []byte("secret")) {
		t.Error("vault object contains plaintext")
	}
	plain, err := locked.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(plain, []byte("secret")) {
		t.Errorf("decrypted = %q", plain)
	}
}

func TestMissingSourceWaits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keep.ModeMirror, keep.OrphanStrict)
	f.source.AddFile("a.txt", []byte("data"), f.clock.Now())

	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}

	// An unmounted source is transient: no mirror deletion may happen.
	f.source.SetMissing(true)
	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("ScanOnce with missing source: %v", err)
	}
	if f.engine.Status().Kind != keep.StatusWaitingForVault {
		t.Errorf("status = %v, want waiting-for-vault", f.engine.Status())
	}

	entry, _ := f.ledger.ActiveEntry("drive", "a.txt")
	if entry == nil {
		t.Error("entry deleted while source was missing")
	}
	if f.vault.Bytes("drive/a.txt") == nil {
		t.Error("vault object deleted while source was missing")
	}
}

func TestMirrorStrictDeletesOrphans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keep.ModeMirror, keep.OrphanStrict)
	f.source.AddFile("a.txt", []byte("a"), f.clock.Now())
	f.source.AddFile("b.txt", []byte("b"), f.clock.Now())

	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("first scan: %v", err)
	}

	f.source.RemoveFile("b.txt")
	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("second scan: %v", err)
	}

	if entry, _ := f.ledger.ActiveEntry("drive", "b.txt"); entry != nil {
		t.Error("orphan still active in ledger")
	}
	if f.vault.Bytes("drive/b.txt") != nil {
		t.Error("strict policy left the vault object")
	}
	if f.vault.Bytes("drive/a.txt") == nil {
		t.Error("surviving file was deleted")
	}
	if c := f.engine.Counters(); c.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", c.Deleted)
	}
}

func TestMirrorKeepOrphansRetainsVaultObjects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keep.ModeMirror, keep.OrphanKeep)
	f.source.AddFile("a.txt", []byte("a"), f.clock.Now())

	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	f.source.RemoveFile("a.txt")
	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("second scan: %v", err)
	}

	if entry, _ := f.ledger.ActiveEntry("drive", "a.txt"); entry != nil {
		t.Error("orphan still active in ledger")
	}
	if f.vault.Bytes("drive/a.txt") == nil {
		t.Error("keep policy deleted the vault object")
	}
}

func TestBasicModeNeverDeletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keep.ModeBasic, "")
	f.source.AddFile("a.txt", []byte("a"), f.clock.Now())

	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	f.source.RemoveFile("a.txt")
	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("second scan: %v", err)
	}

	if entry, _ := f.ledger.ActiveEntry("drive", "a.txt"); entry == nil {
		t.Error("basic mode removed the ledger entry")
	}
	if f.vault.Bytes("drive/a.txt") == nil {
		t.Error("basic mode deleted the vault object")
	}
}

func TestPerItemFailureDoesNotDisable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keep.ModeBasic, "")
	f.source.AddFile("good.txt", []byte("ok"), f.clock.Now())
	f.source.AddFile("bad.txt", []byte("nope"), f.clock.Now())
	f.source.FailOpen["bad.txt"] = context.DeadlineExceeded

	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}

	if f.vault.Bytes("drive/good.txt") == nil {
		t.Error("healthy item skipped because of sibling failure")
	}
	c := f.engine.Counters()
	if c.Failed != 1 || c.Uploaded != 1 {
		t.Errorf("counters = %+v", c)
	}
	if f.engine.Status().Kind != keep.StatusMonitoring {
		t.Errorf("status = %v, want monitoring", f.engine.Status())
	}

	// The failed item succeeds on a later cycle.
	delete(f.source.FailOpen, "bad.txt")
	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("retry scan: %v", err)
	}
	if f.vault.Bytes("drive/bad.txt") == nil {
		t.Error("failed item never retried")
	}
}

func TestPauseGatesCycles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keep.ModeBasic, "")
	f.source.AddFile("a.txt", []byte("a"), f.clock.Now())

	f.engine.Pause(f.clock.Now().Add(time.Hour))
	f.engine.cycle(ctx)

	if f.engine.Status().Kind != keep.StatusPaused {
		t.Errorf("status = %v, want paused", f.engine.Status())
	}
	if len(f.vault.Keys()) != 0 {
		t.Error("paused engine processed items")
	}

	// Past the deadline the engine resumes on its own.
	f.clock.Advance(2 * time.Hour)
	f.engine.cycle(ctx)
	if f.vault.Bytes("drive/a.txt") == nil {
		t.Error("engine did not resume after pause deadline")
	}
	if f.engine.Status().Kind != keep.StatusMonitoring {
		t.Errorf("status = %v, want monitoring", f.engine.Status())
	}
}

func TestIndefinitePauseNeedsResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keep.ModeBasic, "")
	f.source.AddFile("a.txt", []byte("a"), f.clock.Now())

	f.engine.Pause(time.Time{})
	f.clock.Advance(100 * time.Hour)
	f.engine.cycle(ctx)
	if len(f.vault.Keys()) != 0 {
		t.Error("indefinite pause expired by itself")
	}

	f.engine.Resume()
	if err := f.engine.ScanOnce(ctx); err != nil {
		t.Fatalf("ScanOnce after resume: %v", err)
	}
	if f.vault.Bytes("drive/a.txt") == nil {
		t.Error("engine did not process after resume")
	}
}
