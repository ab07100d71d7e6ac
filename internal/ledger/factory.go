package ledger

import (
	"fmt"
	"os"
	"path/filepath"

	"keep/internal/config"
	"keep/internal/keep"
)

// NewLedgerFromConfig creates a Ledger implementation based on the ledger
// config type.
func NewLedgerFromConfig(cfg config.LedgerConfig, hostID string, logger keep.Logger, clock keep.Clock) (keep.Ledger, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite ledger")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("%w: creating ledger directory: %v", keep.ErrLedgerUnavailable, err)
		}
		return NewSQLiteLedger(filepath.Join(cfg.DataDir, hostID+".db"), logger, clock)
	case "memory":
		return NewSQLiteLedger(":memory:", logger, clock)
	default:
		return nil, fmt.Errorf("unknown ledger type: %s", cfg.Type)
	}
}
