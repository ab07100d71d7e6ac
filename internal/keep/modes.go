package keep

import "fmt"

// BackupMode governs how source deletions and changes propagate to the vault.
type BackupMode string

const (
	// ModeBasic never deletes from the vault.
	ModeBasic BackupMode = "basic"

	// ModeMirror keeps the vault exactly tracking the source, including
	// deletions, per the orphan policy chosen at mode-switch time.
	ModeMirror BackupMode = "mirror"

	// ModeSnapshot retains dated, space-sharing generations subject to a
	// retention policy.
	ModeSnapshot BackupMode = "snapshot"
)

// ParseBackupMode validates a mode string from configuration.
func ParseBackupMode(s string) (BackupMode, error) {
	switch BackupMode(s) {
	case ModeBasic, ModeMirror, ModeSnapshot:
		return BackupMode(s), nil
	default:
		return "", fmt.Errorf("unknown backup mode: %q", s)
	}
}

// OrphanPolicy decides what mirror reconciliation does with vault entries
// whose source files no longer exist. Chosen once at mode-switch time,
// never re-asked per file.
type OrphanPolicy string

const (
	// OrphanKeep leaves vault objects untouched and only marks ledger
	// entries deleted.
	OrphanKeep OrphanPolicy = "keep"

	// OrphanStrict deletes the corresponding vault objects as well.
	OrphanStrict OrphanPolicy = "strict"
)

// RescanSemantics is the explicit choice a caller must make when switching
// vaults: the engine never infers what existing content means on the new
// target.
type RescanSemantics string

const (
	// RescanReuploadAll re-uploads every tracked file to the new vault.
	RescanReuploadAll RescanSemantics = "reupload-all"

	// RescanNewItemsOnly marks existing entries as already synced and only
	// backs up items that change from now on.
	RescanNewItemsOnly RescanSemantics = "new-items-only"
)
