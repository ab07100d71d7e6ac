package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"keep/internal/keep"
)

// Config carries an Engine's dependencies and initial policy.
type Config struct {
	Source keep.Source
	Ledger keep.Ledger
	Vault  keep.Vault
	Crypto keep.CryptoManager
	Logger keep.Logger
	Clock  keep.Clock
	Bus    *keep.Broadcaster

	Mode         keep.BackupMode
	OrphanPolicy keep.OrphanPolicy
	Retention    keep.RetentionPolicy
	ScanInterval time.Duration
}

// Engine is the per-watcher state machine. It owns all ledger and vault
// interactions for its source, serializing them on a single goroutine so
// no two writers ever race on the same path. Two engines (drive, photos)
// run concurrently over a shared, namespaced ledger.
type Engine struct {
	source keep.Source
	ledger keep.Ledger
	crypto keep.CryptoManager
	logger keep.Logger
	clock  keep.Clock
	bus    *keep.Broadcaster

	interval  time.Duration
	retention keep.RetentionPolicy

	signals chan struct{}

	mu             sync.Mutex
	vault          keep.Vault
	mode           keep.BackupMode
	orphanPolicy   keep.OrphanPolicy
	status         keep.Status
	counters       keep.Counters
	lastItem       string
	paused         bool
	pauseDeadline  time.Time // zero while paused means indefinite
	disabledReason string
	switching      bool // vault-switch barrier: no new scan cycles
}

// NewEngine creates an idle engine. Run starts its loop.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = keep.NewNopLogger()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = keep.RealClock{}
	}
	bus := cfg.Bus
	if bus == nil {
		bus = keep.NewBroadcaster()
	}
	mode := cfg.Mode
	if mode == "" {
		mode = keep.ModeBasic
	}
	retention := cfg.Retention
	if retention == (keep.RetentionPolicy{}) {
		retention = keep.DefaultRetention
	}
	interval := cfg.ScanInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	return &Engine{
		source:       cfg.Source,
		ledger:       cfg.Ledger,
		crypto:       cfg.Crypto,
		logger:       logger,
		clock:        clock,
		bus:          bus,
		interval:     interval,
		retention:    retention,
		signals:      make(chan struct{}, 1),
		vault:        cfg.Vault,
		mode:         mode,
		orphanPolicy: cfg.OrphanPolicy,
		status:       keep.Idle(),
	}
}

// ID returns the engine's ledger namespace.
func (e *Engine) ID() string { return e.source.ID() }

// Run drives scan cycles until ctx is cancelled. There is no terminal
// state; the quiescent state is monitoring with zero pending work.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			e.setStatus(keep.Idle())
			return nil
		case <-ticker.C:
			e.cycle(ctx)
		case <-e.signals:
			e.cycle(ctx)
		}
	}
}

// Notify hints that the source changed, triggering a scan cycle ahead of
// the ticker. Never blocks.
func (e *Engine) Notify() {
	select {
	case e.signals <- struct{}{}:
	default:
	}
}

// cycle gates one scan cycle on pause, disable and switch barriers, then
// delegates to ScanOnce.
func (e *Engine) cycle(ctx context.Context) {
	e.mu.Lock()
	if e.switching {
		e.mu.Unlock()
		return
	}
	if e.disabledReason != "" {
		reason := e.disabledReason
		e.mu.Unlock()
		e.setStatus(keep.Disabled(reason))
		return
	}
	if e.paused {
		deadline := e.pauseDeadline
		if deadline.IsZero() || e.clock.Now().Before(deadline) {
			e.mu.Unlock()
			e.setStatus(keep.Paused(deadline))
			return
		}
		// Deadline elapsed: automatic resume.
		e.paused = false
		e.pauseDeadline = time.Time{}
	}
	e.mu.Unlock()

	if err := e.ScanOnce(ctx); err != nil {
		e.logger.Error("scan cycle failed", "watcher", e.ID(), "error", err)
	}
}

// Pause halts new scan cycles until the deadline; a zero deadline pauses
// indefinitely. Any in-flight item completes — the next cycle is what
// stops, not the current work.
func (e *Engine) Pause(until time.Time) {
	e.mu.Lock()
	e.paused = true
	e.pauseDeadline = until
	e.mu.Unlock()
	e.setStatus(keep.Paused(until))
	e.logger.Info("watcher paused", "watcher", e.ID(), "until", until)
}

// Resume ends a pause immediately and triggers a scan cycle.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.pauseDeadline = time.Time{}
	e.mu.Unlock()
	e.logger.Info("watcher resumed", "watcher", e.ID())
	e.Notify()
}

// PauseDeadline returns the current pause deadline. The zero time means
// either "not paused" or "paused indefinitely"; check Status to
// distinguish.
func (e *Engine) PauseDeadline() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pauseDeadline
}

// Enable clears a disabled state after the caller has resolved its cause.
func (e *Engine) Enable() {
	e.mu.Lock()
	e.disabledReason = ""
	e.mu.Unlock()
	e.Notify()
}

// disable transitions the whole watcher to the disabled state. Processing
// stops until the caller resolves the condition and calls Enable.
func (e *Engine) disable(reason string) {
	e.mu.Lock()
	e.disabledReason = reason
	e.mu.Unlock()
	e.setStatus(keep.Disabled(reason))
	e.logger.Error("watcher disabled", "watcher", e.ID(), "reason", reason)
}

// Status returns the current observable state.
func (e *Engine) Status() keep.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Counters returns the running totals published alongside status.
func (e *Engine) Counters() keep.Counters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters
}

// LastItem returns the most recently processed item path.
func (e *Engine) LastItem() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastItem
}

// Mode returns the current backup mode.
func (e *Engine) Mode() keep.BackupMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// setStatus records and publishes a state change without blocking.
func (e *Engine) setStatus(st keep.Status) {
	e.mu.Lock()
	e.status = st
	if st.Item != "" {
		e.lastItem = st.Item
	}
	ev := keep.StatusEvent{
		Watcher:  e.ID(),
		Status:   st,
		Counters: e.counters,
		At:       e.clock.Now(),
	}
	e.mu.Unlock()
	e.bus.Publish(ev)
}

// currentVault returns the active vault backend.
func (e *Engine) currentVault() keep.Vault {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vault
}

func (e *Engine) addCounters(fn func(*keep.Counters)) {
	e.mu.Lock()
	fn(&e.counters)
	e.mu.Unlock()
}

// String renders the engine for logs.
func (e *Engine) String() string {
	return fmt.Sprintf("watcher(%s)", e.ID())
}
