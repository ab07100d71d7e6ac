package watcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sethvargo/go-retry"

	"keep/internal/keep"
)

// itemRetries bounds per-item transient retries within one scan cycle.
// Anything still failing after these is counted and retried naturally on
// the next cycle.
const itemRetries = 3

// ScanOnce runs a single scan cycle: enumerate the source, diff against
// the ledger, back up changed items, then reconcile per the current mode.
// The vault write always commits before the ledger write, so a crash can
// only ever make the ledger claim less than the vault holds.
func (e *Engine) ScanOnce(ctx context.Context) error {
	vault := e.currentVault()
	if vault == nil {
		e.setStatus(keep.WaitingForVault())
		return nil
	}
	if !e.source.Available() {
		e.logger.Warn("source unavailable, waiting", "watcher", e.ID())
		e.setStatus(keep.WaitingForVault())
		return nil
	}

	e.mu.Lock()
	mode := e.mode
	policy := e.orphanPolicy
	e.mu.Unlock()

	e.setStatus(keep.Scanning())
	items, err := e.source.Scan()
	if err != nil {
		if errors.Is(err, keep.ErrSourceMissing) {
			e.setStatus(keep.WaitingForVault())
			return nil
		}
		return fmt.Errorf("scanning source: %w", err)
	}
	e.addCounters(func(c *keep.Counters) { c.Scanned += int64(len(items)) })

	gen, err := e.ledger.BeginGeneration(ctx, e.ID())
	if err != nil {
		e.disable(fmt.Sprintf("ledger unavailable: %v", err))
		return err
	}

	snapshotID := ""
	if mode == keep.ModeSnapshot {
		snapshotID = keep.SnapshotIDFor(e.clock.Now())
	}

	e.setStatus(keep.CheckingForChanges())
	var pending []keep.Item
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, err := e.ledger.ActiveEntry(e.ID(), item.Path)
		if err != nil {
			e.disable(fmt.Sprintf("ledger unavailable: %v", err))
			return err
		}
		if entry == nil || entry.Size != item.Size || !entry.SourceMTime.Equal(item.MTime) {
			pending = append(pending, item)
			continue
		}

		// Unchanged by the size+mtime fast path.
		if err := e.ledger.TouchSeen(ctx, e.ID(), item.Path, gen); err != nil {
			e.disable(fmt.Sprintf("ledger unavailable: %v", err))
			return err
		}
		if snapshotID != "" && entry.SnapshotID != snapshotID {
			// New generation shares the prior generation's object.
			if err := e.recordEntry(ctx, item, entry.Fingerprint, entry.VaultKey, entry.VaultMTime, snapshotID, gen); err != nil {
				e.disable(fmt.Sprintf("ledger unavailable: %v", err))
				return err
			}
		}
	}

	for i, item := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.setStatus(keep.Processing(i+1, len(pending)))
		if err := e.processItem(ctx, vault, item, snapshotID, gen); err != nil {
			if reason := systemicReason(err); reason != "" {
				e.disable(reason)
				return err
			}
			e.addCounters(func(c *keep.Counters) { c.Failed++ })
			e.logger.Error("item backup failed", "watcher", e.ID(), "path", item.Path, "error", err)
		}
	}

	if mode == keep.ModeMirror {
		if err := e.reconcile(ctx, vault, gen, policy); err != nil {
			return err
		}
	}
	if mode == keep.ModeSnapshot {
		if _, err := e.applyRetention(ctx, vault); err != nil {
			e.logger.Error("retention pass failed", "watcher", e.ID(), "error", err)
		}
	}

	e.setStatus(keep.Monitoring())
	return nil
}

// processItem backs up one changed item: read, fingerprint, encrypt,
// vault put, ledger record — in that order. Transient failures are retried
// with backoff inside the cycle.
func (e *Engine) processItem(ctx context.Context, vault keep.Vault, item keep.Item, snapshotID string, gen int64) error {
	e.setStatus(keep.Uploading(item.Path))

	content, err := e.readItem(item)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(content)
	fingerprint := hex.EncodeToString(sum[:])

	entry, err := e.ledger.ActiveEntry(e.ID(), item.Path)
	if err != nil {
		return err
	}
	if entry != nil && entry.Fingerprint == fingerprint && (snapshotID == "" || entry.SnapshotID == snapshotID) {
		// Metadata-only change: content is already vaulted.
		return e.recordEntry(ctx, item, fingerprint, entry.VaultKey, entry.VaultMTime, snapshotID, gen)
	}

	key := item.Key
	if snapshotID != "" {
		// Snapshot generations address content by fingerprint so unchanged
		// files share one object across generations.
		key = e.ID() + "/content/" + fingerprint
	}

	sealed, err := e.crypto.Encrypt(content)
	if err != nil {
		return fmt.Errorf("encrypting %s: %w", item.Path, err)
	}

	var receipt *keep.Receipt
	backoff := retry.WithMaxRetries(itemRetries, retry.NewExponential(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := vault.Put(ctx, key, bytes.NewReader(sealed), int64(len(sealed)))
		if err != nil {
			if systemicReason(err) != "" {
				return err
			}
			return retry.RetryableError(err)
		}
		receipt = r
		return nil
	})
	if err != nil {
		return fmt.Errorf("vaulting %s: %w", item.Path, err)
	}

	if err := e.recordEntry(ctx, item, fingerprint, key, receipt.Written, snapshotID, gen); err != nil {
		return err
	}
	e.addCounters(func(c *keep.Counters) { c.Uploaded++ })
	e.setStatus(keep.Vaulted(item.Path))
	return nil
}

func (e *Engine) readItem(item keep.Item) ([]byte, error) {
	rc, err := e.source.Open(item)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", item.Path, err)
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", item.Path, err)
	}
	return content, nil
}

func (e *Engine) recordEntry(ctx context.Context, item keep.Item, fingerprint, vaultKey string, vaultMTime time.Time, snapshotID string, gen int64) error {
	return e.ledger.RecordOrUpdate(ctx, &keep.Entry{
		Watcher:     e.ID(),
		Path:        item.Path,
		Fingerprint: fingerprint,
		Size:        item.Size,
		SourceMTime: item.MTime,
		VaultMTime:  vaultMTime,
		State:       keep.EntryActive,
		SnapshotID:  snapshotID,
		SeenGen:     gen,
		VaultKey:    vaultKey,
	})
}

// reconcile handles mirror-mode orphans: active entries the scan did not
// see. The ledger is marked first so a crash mid-reconcile leaves extra
// vault objects rather than phantom ledger entries.
func (e *Engine) reconcile(ctx context.Context, vault keep.Vault, gen int64, policy keep.OrphanPolicy) error {
	orphans, err := e.ledger.EntriesNotSeenSince(e.ID(), gen)
	if err != nil {
		e.disable(fmt.Sprintf("ledger unavailable: %v", err))
		return err
	}
	for _, entry := range orphans {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.setStatus(keep.Deleted(entry.Path))
		if err := e.ledger.MarkDeleted(ctx, e.ID(), entry.Path); err != nil {
			e.disable(fmt.Sprintf("ledger unavailable: %v", err))
			return err
		}
		if policy == keep.OrphanStrict {
			if err := vault.Delete(ctx, entry.VaultKey); err != nil {
				if reason := systemicReason(err); reason != "" {
					e.disable(reason)
					return err
				}
				e.logger.Warn("orphan vault delete failed", "watcher", e.ID(), "key", entry.VaultKey, "error", err)
			}
		}
		e.addCounters(func(c *keep.Counters) { c.Deleted++ })
		e.logger.Info("source file removed", "watcher", e.ID(), "path", entry.Path, "policy", string(policy))
	}
	return nil
}

// applyRetention drops snapshot generations outside the retention schedule
// and deletes the vault objects no surviving generation references.
// It returns the pruned snapshot ids.
func (e *Engine) applyRetention(ctx context.Context, vault keep.Vault) ([]string, error) {
	ids, err := e.ledger.SnapshotIDs(e.ID())
	if err != nil {
		return nil, err
	}
	_, pruned := e.retention.Apply(ids, e.clock.Now())
	for _, id := range pruned {
		keys, err := e.ledger.PruneSnapshot(ctx, e.ID(), id)
		if err != nil {
			return pruned, err
		}
		for _, key := range keys {
			if err := vault.Delete(ctx, key); err != nil {
				e.logger.Warn("pruned object delete failed", "watcher", e.ID(), "key", key, "error", err)
			}
		}
		e.logger.Info("snapshot pruned", "watcher", e.ID(), "snapshot", id, "objects", len(keys))
	}
	return pruned, nil
}

// Prune applies the retention schedule immediately, outside the normal
// scan cadence. It returns the pruned snapshot ids.
func (e *Engine) Prune(ctx context.Context) ([]string, error) {
	vault := e.currentVault()
	if vault == nil {
		return nil, keep.ErrVaultUnreachable
	}
	return e.applyRetention(ctx, vault)
}

// systemicReason classifies an error as systemic — one that disables the
// whole watcher rather than failing a single item. Returns "" for per-item
// errors.
func systemicReason(err error) string {
	switch {
	case errors.Is(err, keep.ErrNoKeyConfigured):
		return "vault is locked: unlock to resume"
	case errors.Is(err, keep.ErrVaultAuthFailed):
		return "vault authentication failed"
	case errors.Is(err, keep.ErrVaultWriteDenied):
		return "vault write access denied"
	case errors.Is(err, keep.ErrVaultUnreachable):
		return "vault unreachable"
	case errors.Is(err, keep.ErrLedgerUnavailable):
		return "ledger unavailable"
	case errors.Is(err, keep.ErrLedgerCorrupt):
		return "ledger corrupt"
	default:
		return ""
	}
}
