package watcher

import (
	"context"
	"fmt"

	"keep/internal/keep"
)

// ModeChange is a pending backup-mode transition. The transition takes
// effect only on Commit; until then the engine keeps running in its old
// mode. A switch into mirror must commit with an explicit orphan policy —
// the engine never infers what should happen to files that exist in the
// vault but not in the source.
type ModeChange struct {
	engine *Engine
	target keep.BackupMode
	done   bool
}

// RequestModeChange starts a mode transition. The returned handle must be
// committed or cancelled.
func (e *Engine) RequestModeChange(target keep.BackupMode) (*ModeChange, error) {
	if _, err := keep.ParseBackupMode(string(target)); err != nil {
		return nil, err
	}
	e.mu.Lock()
	current := e.mode
	e.mu.Unlock()
	if current == target {
		return nil, fmt.Errorf("already in %s mode", target)
	}
	e.logger.Info("mode change requested", "watcher", e.ID(), "from", string(current), "to", string(target))
	return &ModeChange{engine: e, target: target}, nil
}

// Target returns the mode the change would switch to.
func (c *ModeChange) Target() keep.BackupMode { return c.target }

// Commit applies the transition. policy is required when the target is
// mirror and ignored otherwise.
func (c *ModeChange) Commit(policy keep.OrphanPolicy) error {
	if c.done {
		return fmt.Errorf("mode change already resolved")
	}
	if c.target == keep.ModeMirror {
		switch policy {
		case keep.OrphanKeep, keep.OrphanStrict:
		default:
			return fmt.Errorf("mirror mode requires an orphan policy (keep or strict)")
		}
	}
	c.done = true

	e := c.engine
	e.mu.Lock()
	e.mode = c.target
	if c.target == keep.ModeMirror {
		e.orphanPolicy = policy
	}
	e.mu.Unlock()
	e.logger.Info("mode change committed", "watcher", e.ID(), "mode", string(c.target))
	e.Notify()
	return nil
}

// Cancel abandons the transition; the engine keeps its current mode.
func (c *ModeChange) Cancel() {
	if c.done {
		return
	}
	c.done = true
	c.engine.logger.Info("mode change cancelled", "watcher", c.engine.ID())
}

// VaultSwitch is a pending vault transition. While it is unresolved the
// engine runs no scan cycles, so no write can land on either vault in an
// ambiguous state. The old vault is never modified by a switch.
type VaultSwitch struct {
	engine *Engine
	target keep.Vault
	done   bool
}

// RequestVaultSwitch probes the new backend and, if the probe succeeds,
// suspends scanning until the switch is committed or cancelled. A failed
// probe leaves the engine on its current vault with scanning intact.
func (e *Engine) RequestVaultSwitch(ctx context.Context, target keep.Vault) (*VaultSwitch, error) {
	if target == nil {
		return nil, fmt.Errorf("no target vault")
	}

	e.mu.Lock()
	if e.switching {
		e.mu.Unlock()
		return nil, fmt.Errorf("a vault switch is already pending")
	}
	e.switching = true
	e.mu.Unlock()

	probe, err := target.TestConnection(ctx)
	if err == nil && !probe.OK {
		err = probe.Err
	}
	if err != nil {
		e.mu.Lock()
		e.switching = false
		e.mu.Unlock()
		return nil, fmt.Errorf("target vault probe failed: %w", err)
	}

	e.logger.Info("vault switch requested", "watcher", e.ID(), "probe", probe.Detail)
	return &VaultSwitch{engine: e, target: target}, nil
}

// Commit finalizes the switch under the given rescan semantics and
// triggers an immediate scan cycle against the new vault.
//
// Re-upload-all supersedes every active entry, so the next cycle treats
// the whole source as new. New-items-only leaves entries as they are:
// existing content counts as already synced and only future changes are
// written to the new vault.
func (s *VaultSwitch) Commit(ctx context.Context, semantics keep.RescanSemantics) error {
	if s.done {
		return fmt.Errorf("vault switch already resolved")
	}
	e := s.engine

	switch semantics {
	case keep.RescanReuploadAll:
		if err := e.ledger.MarkSuperseded(ctx, e.ID()); err != nil {
			return fmt.Errorf("superseding entries for re-upload: %w", err)
		}
	case keep.RescanNewItemsOnly:
		// Existing entries stand; nothing to rewrite.
	default:
		return fmt.Errorf("unknown rescan semantics: %q", semantics)
	}
	s.done = true

	e.mu.Lock()
	e.vault = s.target
	e.switching = false
	e.disabledReason = ""
	e.mu.Unlock()
	e.logger.Info("vault switch committed", "watcher", e.ID(), "semantics", string(semantics))
	e.Notify()
	return nil
}

// Cancel abandons the switch and resumes scanning on the current vault.
func (s *VaultSwitch) Cancel() {
	if s.done {
		return
	}
	s.done = true
	e := s.engine
	e.mu.Lock()
	e.switching = false
	e.mu.Unlock()
	e.logger.Info("vault switch cancelled", "watcher", e.ID())
	e.Notify()
}
