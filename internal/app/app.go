package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"keep/internal/config"
	"keep/internal/crypto"
	"keep/internal/keep"
	"keep/internal/ledger"
	"keep/internal/source"
	"keep/internal/vault"
	"keep/internal/watcher"
)

// ledgerKeyPrefix is where ledger exports land in the vault.
const ledgerKeyPrefix = "keep/ledger/"

// App is the application layer between the CLI and the watcher engines.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw string arguments, and manages the ledger lifecycle on
// Close.
type App struct {
	cfg     *config.Config
	ledger  keep.Ledger
	vault   keep.Vault
	crypto  keep.CryptoManager
	logger  keep.Logger
	clock   keep.Clock
	bus     *keep.Broadcaster
	engines map[string]*watcher.Engine
	logFile *os.File

	// mutating marks operations whose ledger changes warrant an export to
	// the vault on Close.
	mutating bool
}

// NewApp creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "backup", "run").
// The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config, operation string) (*App, error) {
	if err := cfg.Vault.Validate(); err != nil {
		return nil, fmt.Errorf("vault config: %w", err)
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger.With("op", operation)}
	clock := keep.RealClock{}

	v, err := vault.NewVaultFromConfig(ctx, cfg.Vault)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating vault: %w", err)
	}

	cm, err := crypto.NewManagerFromConfig(cfg.Encryption)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating crypto manager: %w", err)
	}

	// An identity on the vault means this vault is encrypted; adopt it so
	// backends with a public recipient can encrypt before unlock. No
	// identity means the vault was initialized without encryption.
	identity, err := crypto.LoadIdentity(ctx, v)
	switch {
	case err == nil:
		if err := cm.AdoptIdentity(identity); err != nil {
			logFile.Close()
			return nil, fmt.Errorf("adopting vault identity: %w", err)
		}
	case errors.Is(err, keep.ErrObjectNotFound):
		cm.DisableEncryption()
		logger.Warn("vault has no identity, operating in plaintext mode")
	default:
		logFile.Close()
		return nil, fmt.Errorf("loading vault identity: %w", err)
	}

	led, err := ledger.NewLedgerFromConfig(cfg.Ledger, cfg.HostID, logger, clock)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	bus := keep.NewBroadcaster()
	engines := make(map[string]*watcher.Engine)
	for _, wc := range []struct {
		cfg config.WatcherConfig
		src keep.Source
	}{
		{cfg.Drive, source.NewDriveSource(cfg.Drive.SourcePath,
			source.NewExclusionRules(cfg.Drive.ExcludeExtensions, cfg.Drive.ExcludeFolders))},
		{cfg.Photos, source.NewPhotoSource(cfg.Photos.SourcePath,
			source.NewExclusionRules(cfg.Photos.ExcludeExtensions, cfg.Photos.ExcludeFolders))},
	} {
		if !wc.cfg.Enabled {
			continue
		}
		mode, err := keep.ParseBackupMode(wc.cfg.Mode)
		if err != nil {
			led.Close()
			logFile.Close()
			return nil, err
		}
		policy := keep.OrphanPolicy(wc.cfg.OrphanPolicy)
		if policy == "" {
			policy = keep.OrphanKeep
		}
		eng := watcher.NewEngine(watcher.Config{
			Source:       wc.src,
			Ledger:       led,
			Vault:        v,
			Crypto:       cm,
			Logger:       logger,
			Clock:        clock,
			Bus:          bus,
			Mode:         mode,
			OrphanPolicy: policy,
			ScanInterval: wc.cfg.ScanInterval(),
		})
		engines[eng.ID()] = eng
	}

	return &App{
		cfg:     cfg,
		ledger:  led,
		vault:   v,
		crypto:  cm,
		logger:  logger,
		clock:   clock,
		bus:     bus,
		engines: engines,
		logFile: logFile,
	}, nil
}

// Engines returns the configured watcher engines keyed by id.
func (a *App) Engines() map[string]*watcher.Engine { return a.engines }

// Subscribe returns a channel of watcher status events.
func (a *App) Subscribe() (<-chan keep.StatusEvent, func()) { return a.bus.Subscribe() }

// NeedsUnlock reports whether the vault is encrypted but no session key is
// held yet.
func (a *App) NeedsUnlock() bool {
	return a.crypto.EncryptionEnabled() && !a.crypto.Unlocked()
}

// InitVault creates the vault's encryption identity from a passphrase and
// leaves the session unlocked. Fails if the vault already has an identity.
func (a *App) InitVault(ctx context.Context, password string) (*keep.VaultIdentity, error) {
	identity, err := a.crypto.CreateIdentity(password)
	if err != nil {
		return nil, fmt.Errorf("creating identity: %w", err)
	}
	if err := crypto.SaveIdentity(ctx, a.vault, identity); err != nil {
		a.crypto.Lock()
		return nil, err
	}
	a.logger.Info("vault identity created", "id", identity.ID, "scheme", identity.Scheme)
	return identity, nil
}

// Unlock verifies the passphrase against the vault identity and retains
// the session key. Engines disabled by a locked vault resume afterwards.
func (a *App) Unlock(ctx context.Context, password string) error {
	identity, err := crypto.LoadIdentity(ctx, a.vault)
	if err != nil {
		return err
	}
	if err := a.crypto.Unlock(password, identity); err != nil {
		return err
	}
	for _, eng := range a.engines {
		eng.Enable()
	}
	a.logger.Info("vault unlocked", "id", identity.ID)
	return nil
}

// CheckVault probes the configured vault for connectivity and write access.
func (a *App) CheckVault(ctx context.Context) (*keep.ProbeResult, error) {
	return a.vault.TestConnection(ctx)
}

// SwitchVault moves both watchers to a new backend under the given rescan
// semantics. The transition is sequential: the first engine must commit
// before the second begins, and a failed probe aborts the whole switch
// before any state changes. The old vault is never modified.
func (a *App) SwitchVault(ctx context.Context, target config.VaultConfig, semantics keep.RescanSemantics) error {
	newVault, err := vault.NewVaultFromConfig(ctx, target)
	if err != nil {
		return fmt.Errorf("creating target vault: %w", err)
	}

	// The new vault needs the identity file before any encrypted content
	// lands on it; without it a later unlock has nothing to verify against.
	if a.crypto.EncryptionEnabled() {
		identity, err := crypto.LoadIdentity(ctx, a.vault)
		if err != nil {
			return fmt.Errorf("reading identity for transfer: %w", err)
		}
		existing, err := crypto.LoadIdentity(ctx, newVault)
		switch {
		case err == nil:
			// Switching onto a vault that already carries an identity is
			// only safe when it is the same one.
			if existing.ID != identity.ID {
				return fmt.Errorf("target vault belongs to a different identity")
			}
		case errors.Is(err, keep.ErrObjectNotFound):
			if err := crypto.SaveIdentity(ctx, newVault, identity); err != nil {
				return fmt.Errorf("writing identity to target: %w", err)
			}
		default:
			return fmt.Errorf("checking target identity: %w", err)
		}
	}

	for _, eng := range a.engines {
		sw, err := eng.RequestVaultSwitch(ctx, newVault)
		if err != nil {
			return fmt.Errorf("switching %s: %w", eng.ID(), err)
		}
		if err := sw.Commit(ctx, semantics); err != nil {
			sw.Cancel()
			return fmt.Errorf("committing switch for %s: %w", eng.ID(), err)
		}
	}

	a.vault = newVault
	a.mutating = true
	a.logger.Info("vault switched", "type", target.Type, "semantics", string(semantics))
	return nil
}

// Run starts all enabled watcher engines and blocks until ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	if len(a.engines) == 0 {
		return fmt.Errorf("no watchers enabled")
	}
	a.mutating = true

	var wg sync.WaitGroup
	for _, eng := range a.engines {
		wg.Add(1)
		go func(eng *watcher.Engine) {
			defer wg.Done()
			if err := eng.Run(ctx); err != nil {
				a.logger.Error("watcher stopped", "watcher", eng.ID(), "error", err)
			}
		}(eng)
	}
	wg.Wait()
	return nil
}

// Backup runs one scan cycle on every enabled engine and returns the
// per-watcher upload counts.
func (a *App) Backup(ctx context.Context) (map[string]keep.Counters, error) {
	if len(a.engines) == 0 {
		return nil, fmt.Errorf("no watchers enabled")
	}
	a.mutating = true

	results := make(map[string]keep.Counters)
	for _, eng := range a.engines {
		if err := eng.ScanOnce(ctx); err != nil {
			return results, fmt.Errorf("scanning %s: %w", eng.ID(), err)
		}
		results[eng.ID()] = eng.Counters()
	}
	return results, nil
}

// List returns the ledger's view of a logical directory for the restore
// browser. includeHistory adds deleted and superseded entries.
func (a *App) List(watcherID, dir string, includeHistory bool) ([]keep.DirEntry, error) {
	return a.ledger.GetContents(watcherID, dir, includeHistory)
}

// History returns every recorded version of a path, newest first.
func (a *App) History(watcherID, path string) ([]*keep.Entry, error) {
	path = strings.Trim(path, "/")
	parent := ""
	name := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		parent = path[:idx]
		name = path[idx+1:]
	}

	contents, err := a.ledger.GetContents(watcherID, parent, true)
	if err != nil {
		return nil, err
	}
	var versions []*keep.Entry
	for _, de := range contents {
		if de.Entry != nil && de.Name == name {
			versions = append(versions, de.Entry)
		}
	}
	sort.Slice(versions, func(i, j int) bool {
		if (versions[i].State == keep.EntryActive) != (versions[j].State == keep.EntryActive) {
			return versions[i].State == keep.EntryActive
		}
		return versions[i].UpdatedAt.After(versions[j].UpdatedAt)
	})
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", keep.ErrObjectNotFound, path)
	}
	return versions, nil
}

// Restore fetches a path from the vault, decrypts it, and writes it under
// destRoot. A non-empty fingerprint selects a specific historical version.
// Directories restore recursively. Returns the restored file paths.
func (a *App) Restore(ctx context.Context, watcherID, path, fingerprint, destRoot string) ([]string, error) {
	path = strings.Trim(path, "/")

	if fingerprint == "" {
		// A path that lists as a directory restores recursively.
		children, err := a.ledger.GetContents(watcherID, path, false)
		if err == nil && len(children) > 0 {
			return a.restoreDir(ctx, watcherID, path, destRoot)
		}
	}

	entry, err := a.findEntry(watcherID, path, fingerprint)
	if err != nil {
		return nil, err
	}
	dest, err := a.restoreEntry(ctx, entry, destRoot)
	if err != nil {
		return nil, err
	}
	return []string{dest}, nil
}

func (a *App) restoreDir(ctx context.Context, watcherID, dir, destRoot string) ([]string, error) {
	children, err := a.ledger.GetContents(watcherID, dir, false)
	if err != nil {
		return nil, err
	}
	var restored []string
	for _, de := range children {
		if de.IsDir {
			sub := de.Name
			if dir != "" {
				sub = dir + "/" + de.Name
			}
			files, err := a.restoreDir(ctx, watcherID, sub, destRoot)
			if err != nil {
				return restored, err
			}
			restored = append(restored, files...)
			continue
		}
		dest, err := a.restoreEntry(ctx, de.Entry, destRoot)
		if err != nil {
			return restored, err
		}
		restored = append(restored, dest)
	}
	return restored, nil
}

// findEntry locates the entry to restore: the active one by default, or a
// historical version by fingerprint prefix.
func (a *App) findEntry(watcherID, path, fingerprint string) (*keep.Entry, error) {
	if fingerprint == "" {
		entry, err := a.ledger.ActiveEntry(watcherID, path)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, fmt.Errorf("%w: %s", keep.ErrObjectNotFound, path)
		}
		return entry, nil
	}

	versions, err := a.History(watcherID, path)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		if strings.HasPrefix(v.Fingerprint, fingerprint) {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %s@%s", keep.ErrObjectNotFound, path, fingerprint)
}

func (a *App) restoreEntry(ctx context.Context, entry *keep.Entry, destRoot string) (string, error) {
	var buf bytes.Buffer
	if err := a.vault.Get(ctx, entry.VaultKey, &buf); err != nil {
		return "", fmt.Errorf("fetching %s: %w", entry.VaultKey, err)
	}
	content, err := a.crypto.Decrypt(buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("decrypting %s: %w", entry.Path, err)
	}

	dest := filepath.Join(destRoot, filepath.FromSlash(entry.Path))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("creating restore directory: %w", err)
	}
	if err := os.WriteFile(dest, content, 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", dest, err)
	}
	a.logger.Info("restored", "path", entry.Path, "dest", dest, "size", len(content))
	return dest, nil
}

// Prune applies the retention schedule to every snapshot-mode engine and
// returns the pruned snapshot ids per watcher.
func (a *App) Prune(ctx context.Context) (map[string][]string, error) {
	a.mutating = true
	pruned := make(map[string][]string)
	for _, eng := range a.engines {
		if eng.Mode() != keep.ModeSnapshot {
			continue
		}
		ids, err := eng.Prune(ctx)
		if err != nil {
			return pruned, fmt.Errorf("pruning %s: %w", eng.ID(), err)
		}
		pruned[eng.ID()] = ids
	}
	return pruned, nil
}

// Close checkpoints the ledger and, after mutating operations, exports a
// consistent copy to the vault before closing all resources.
func (a *App) Close() error {
	var firstErr error

	if err := a.ledger.Checkpoint(); err != nil {
		firstErr = fmt.Errorf("checkpointing ledger: %w", err)
	}

	if a.mutating && firstErr == nil {
		if err := a.exportLedger(); err != nil {
			firstErr = err
		}
	}

	if err := a.ledger.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing ledger: %w", err)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// exportLedger snapshots the ledger to a temp file and uploads it to the
// vault so a lost host can rebuild its state.
func (a *App) exportLedger() error {
	tmp, err := os.CreateTemp("", "keep-ledger-*.db")
	if err != nil {
		return fmt.Errorf("creating temp file for ledger export: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	os.Remove(tmpPath) // VACUUM INTO requires the target not to exist
	defer os.Remove(tmpPath)

	if err := a.ledger.ExportTo(tmpPath); err != nil {
		return fmt.Errorf("exporting ledger: %w", err)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("opening ledger export: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat ledger export: %w", err)
	}

	key := ledgerKeyPrefix + a.cfg.HostID + ".db"
	if _, err := a.vault.Put(context.Background(), key, f, info.Size()); err != nil {
		return fmt.Errorf("uploading ledger export: %w", err)
	}
	a.logger.Info("ledger exported to vault", "key", key, "size", info.Size())
	return nil
}
