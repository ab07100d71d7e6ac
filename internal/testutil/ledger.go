package testutil

import (
	"testing"

	"keep/internal/keep"
	"keep/internal/ledger"
	"keep/internal/ledger/migrations"
)

// NewTestLedger creates a new in-memory SQLite ledger with schema applied.
// The ledger is automatically closed when the test completes.
func NewTestLedger(t *testing.T, clock keep.Clock) keep.Ledger {
	t.Helper()

	db, err := ledger.OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	// In-memory SQLite is per-connection; a second pooled connection would
	// see an empty schema.
	db.SetMaxOpenConns(1)

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	led := ledger.NewSQLiteLedgerFromDB(db, nil, clock)
	t.Cleanup(func() {
		led.Close()
	})
	return led
}
