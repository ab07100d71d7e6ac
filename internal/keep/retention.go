package keep

import (
	"fmt"
	"time"
)

// snapshotIDLayout formats snapshot generation ids at hourly granularity.
// All ids are UTC so they sort lexically in time order.
const snapshotIDLayout = "20060102T15"

// SnapshotIDFor returns the snapshot generation id for a point in time.
func SnapshotIDFor(t time.Time) string {
	return t.UTC().Format(snapshotIDLayout)
}

// ParseSnapshotID parses a snapshot generation id back into its hour.
func ParseSnapshotID(id string) (time.Time, error) {
	t, err := time.ParseInLocation(snapshotIDLayout, id, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing snapshot id %q: %w", id, err)
	}
	return t, nil
}

// RetentionPolicy is a space-sharing generation retention schedule:
// every hourly generation inside Hourly, then one generation per day inside
// Daily, then one generation per week indefinitely.
type RetentionPolicy struct {
	Hourly time.Duration // keep every generation this recent
	Daily  time.Duration // keep one per day this recent
}

// DefaultRetention is hourly-for-24h, daily-for-30d, weekly-thereafter.
var DefaultRetention = RetentionPolicy{
	Hourly: 24 * time.Hour,
	Daily:  30 * 24 * time.Hour,
}

// Apply partitions snapshot ids into kept and pruned sets as of now.
// ids must be sorted oldest first; unparseable ids are kept (pruning is the
// destructive direction, so malformed input errs toward retention).
func (p RetentionPolicy) Apply(ids []string, now time.Time) (kept, pruned []string) {
	now = now.UTC()

	// Newest-per-bucket wins, so walk newest first.
	seenDay := make(map[string]bool)
	seenWeek := make(map[string]bool)

	keep := make(map[string]bool, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		t, err := ParseSnapshotID(id)
		if err != nil {
			keep[id] = true
			continue
		}

		age := now.Sub(t)
		switch {
		case age <= p.Hourly:
			keep[id] = true
		case age <= p.Daily:
			day := t.Format("20060102")
			if !seenDay[day] {
				seenDay[day] = true
				keep[id] = true
			}
		default:
			year, week := t.ISOWeek()
			wk := fmt.Sprintf("%04d-%02d", year, week)
			if !seenWeek[wk] {
				seenWeek[wk] = true
				keep[id] = true
			}
		}
	}

	for _, id := range ids {
		if keep[id] {
			kept = append(kept, id)
		} else {
			pruned = append(pruned, id)
		}
	}
	return kept, pruned
}
