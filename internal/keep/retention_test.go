package keep

import (
	"fmt"
	"testing"
	"time"
)

func TestSnapshotIDRoundTrip(t *testing.T) {
	at := time.Date(2025, 6, 15, 9, 45, 12, 0, time.UTC)
	id := SnapshotIDFor(at)
	if id != "20250615T09" {
		t.Fatalf("SnapshotIDFor = %q", id)
	}
	parsed, err := ParseSnapshotID(id)
	if err != nil {
		t.Fatalf("ParseSnapshotID: %v", err)
	}
	if !parsed.Equal(time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("parsed = %v", parsed)
	}
}

func TestRetentionAfterFortyDays(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	// Hourly snapshots for 40 days, newest at now.
	var ids []string
	for h := 40 * 24; h >= 0; h-- {
		ids = append(ids, SnapshotIDFor(now.Add(-time.Duration(h)*time.Hour)))
	}

	kept, pruned := DefaultRetention.Apply(ids, now)

	if len(kept)+len(pruned) != len(ids) {
		t.Fatalf("kept(%d)+pruned(%d) != total(%d)", len(kept), len(pruned), len(ids))
	}

	keptSet := make(map[string]bool, len(kept))
	for _, id := range kept {
		keptSet[id] = true
	}

	perDay := make(map[string]int)
	perWeek := make(map[string]int)
	for _, id := range kept {
		at, err := ParseSnapshotID(id)
		if err != nil {
			t.Fatalf("kept id unparseable: %q", id)
		}
		age := now.Sub(at)
		switch {
		case age <= 24*time.Hour:
			// Every hourly generation in the last day survives.
		case age <= 30*24*time.Hour:
			perDay[at.Format("20060102")]++
		default:
			year, week := at.ISOWeek()
			perWeek[fmt.Sprintf("%04d-%02d", year, week)]++
		}
	}

	// Everything within the last 24 hours is kept.
	for h := 0; h <= 24; h++ {
		id := SnapshotIDFor(now.Add(-time.Duration(h) * time.Hour))
		if !keptSet[id] {
			t.Errorf("hourly snapshot %s within 24h was pruned", id)
		}
	}

	for day, n := range perDay {
		if n != 1 {
			t.Errorf("day %s keeps %d snapshots, want 1", day, n)
		}
	}
	for week, n := range perWeek {
		if n != 1 {
			t.Errorf("week %q keeps %d snapshots, want 1", week, n)
		}
	}

	if len(pruned) == 0 {
		t.Error("forty days of hourly snapshots should prune something")
	}

	// Applying retention again over the survivors is a fixed point.
	kept2, pruned2 := DefaultRetention.Apply(kept, now)
	if len(pruned2) != 0 {
		t.Errorf("second application pruned %d more: %v", len(pruned2), pruned2)
	}
	if len(kept2) != len(kept) {
		t.Errorf("second application kept %d, want %d", len(kept2), len(kept))
	}
}

func TestRetentionKeepsUnparseableIDs(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	ids := []string{"not-a-snapshot", SnapshotIDFor(now)}

	kept, pruned := DefaultRetention.Apply(ids, now)
	if len(pruned) != 0 {
		t.Errorf("pruned %v, want nothing", pruned)
	}
	if len(kept) != 2 {
		t.Errorf("kept %v, want both ids", kept)
	}
}
