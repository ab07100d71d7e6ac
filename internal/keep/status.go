package keep

import (
	"fmt"
	"time"
)

// StatusKind discriminates Status variants.
type StatusKind string

const (
	StatusIdle               StatusKind = "idle"
	StatusWaitingForVault    StatusKind = "waiting-for-vault"
	StatusScanning           StatusKind = "scanning"
	StatusMonitoring         StatusKind = "monitoring"
	StatusProcessing         StatusKind = "processing"
	StatusUploading          StatusKind = "uploading"
	StatusVaulted            StatusKind = "vaulted"
	StatusDeleted            StatusKind = "deleted"
	StatusCheckingForChanges StatusKind = "checking-for-changes"
	StatusPaused             StatusKind = "paused"
	StatusDisabled           StatusKind = "disabled"
)

// Status is the observable state of a watcher: a tagged variant carrying
// only the payload relevant to its kind. It is derived, not authoritative —
// authoritative state is the ledger plus on-vault content.
type Status struct {
	Kind StatusKind

	// Current/Total report monotonic progress through a known-size batch
	// (StatusProcessing only).
	Current int
	Total   int

	// Item is the path currently acted on (uploading/vaulted/deleted).
	Item string

	// Until is the pause deadline (StatusPaused only); zero means an
	// indefinite pause.
	Until time.Time

	// Reason explains a disabled state (StatusDisabled only).
	Reason string
}

func Idle() Status                { return Status{Kind: StatusIdle} }
func WaitingForVault() Status     { return Status{Kind: StatusWaitingForVault} }
func Scanning() Status            { return Status{Kind: StatusScanning} }
func Monitoring() Status          { return Status{Kind: StatusMonitoring} }
func CheckingForChanges() Status  { return Status{Kind: StatusCheckingForChanges} }
func Uploading(item string) Status { return Status{Kind: StatusUploading, Item: item} }
func Vaulted(item string) Status   { return Status{Kind: StatusVaulted, Item: item} }
func Deleted(item string) Status   { return Status{Kind: StatusDeleted, Item: item} }

func Processing(current, total int) Status {
	return Status{Kind: StatusProcessing, Current: current, Total: total}
}

func Paused(until time.Time) Status {
	return Status{Kind: StatusPaused, Until: until}
}

func Disabled(reason string) Status {
	return Status{Kind: StatusDisabled, Reason: reason}
}

// String renders the status for logs and the CLI.
func (s Status) String() string {
	switch s.Kind {
	case StatusProcessing:
		return fmt.Sprintf("processing %d/%d", s.Current, s.Total)
	case StatusUploading, StatusVaulted, StatusDeleted:
		return fmt.Sprintf("%s %s", s.Kind, s.Item)
	case StatusPaused:
		if s.Until.IsZero() {
			return "paused"
		}
		return fmt.Sprintf("paused until %s", s.Until.Format(time.RFC3339))
	case StatusDisabled:
		return fmt.Sprintf("disabled: %s", s.Reason)
	default:
		return string(s.Kind)
	}
}

// Counters are the per-watcher totals published alongside status.
type Counters struct {
	Scanned  int64
	Uploaded int64
	Deleted  int64
	Failed   int64
}

// StatusEvent is published on every watcher state change.
type StatusEvent struct {
	Watcher  string
	Status   Status
	Counters Counters
	At       time.Time
}
