package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"keep/internal/app"
	"keep/internal/config"
	"keep/internal/keep"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer
// app.Close(). operation identifies the CLI command being run.
func newApp(ctx context.Context, operation string) (*app.App, *config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(ctx, cfg, operation)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, cfg, nil
}

// promptPassword reads a passphrase without echoing it.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(pw), nil
}

// unlockIfNeeded prompts for the passphrase when the vault is encrypted
// and still locked.
func unlockIfNeeded(ctx context.Context, a *app.App) error {
	if !a.NeedsUnlock() {
		return nil
	}
	pw, err := promptPassword("Vault passphrase: ")
	if err != nil {
		return err
	}
	return a.Unlock(ctx, pw)
}

var rootCmd = &cobra.Command{
	Use:   "keep",
	Short: "Continuous encrypted backup",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:    %s\n", cfg.HostID)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Vault:      %s (%s)\n", cfg.Vault.Name, cfg.Vault.Type)
		fmt.Printf("Encryption: %s\n", cfg.Encryption.Type)
		for _, w := range []struct {
			name string
			c    config.WatcherConfig
		}{{"drive", cfg.Drive}, {"photos", cfg.Photos}} {
			state := "disabled"
			if w.c.Enabled {
				state = fmt.Sprintf("%s mode, every %s", w.c.Mode, w.c.ScanInterval())
			}
			fmt.Printf("%-10s  %s  %s\n", w.name+":", state, w.c.SourcePath)
		}
		return nil
	},
}

// vault command
var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage the vault",
}

var vaultInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the vault's encryption identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, _, err := newApp(ctx, "vault-init")
		if err != nil {
			return err
		}
		defer a.Close()

		pw, err := promptPassword("New vault passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassword("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if pw != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		identity, err := a.InitVault(ctx, pw)
		if err != nil {
			return fmt.Errorf("initializing vault: %w", err)
		}
		fmt.Printf("Vault identity created: %s (%s)\n", identity.ID, identity.Scheme)
		return nil
	},
}

var vaultCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe vault connectivity and write access",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, _, err := newApp(ctx, "vault-check")
		if err != nil {
			return err
		}
		defer a.Close()

		probe, err := a.CheckVault(ctx)
		if err != nil {
			return fmt.Errorf("probing vault: %w", err)
		}
		if !probe.OK {
			return fmt.Errorf("vault check failed: %v (%s)", probe.Err, probe.Detail)
		}
		fmt.Printf("Vault OK: %s\n", probe.Detail)
		return nil
	},
}

var vaultSwitchCmd = &cobra.Command{
	Use:   "switch CONFIG_FILE",
	Short: "Switch to a new vault backend",
	Long: `Switch to the vault described by CONFIG_FILE (a TOML file with a
[vault] section). Requires an explicit --semantics choice:

  reupload-all    re-upload every tracked file to the new vault
  new-items-only  treat existing content as synced; back up only new changes

The old vault is never modified.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		semanticsFlag, _ := cmd.Flags().GetString("semantics")
		semantics := keep.RescanSemantics(semanticsFlag)
		if semantics != keep.RescanReuploadAll && semantics != keep.RescanNewItemsOnly {
			return fmt.Errorf("--semantics must be %q or %q",
				keep.RescanReuploadAll, keep.RescanNewItemsOnly)
		}

		target, err := config.ReadFromFile(args[0])
		if err != nil {
			return fmt.Errorf("reading target vault config: %w", err)
		}

		a, cfg, err := newApp(ctx, "vault-switch")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.SwitchVault(ctx, target.Vault, semantics); err != nil {
			return err
		}

		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}
		cfg.Vault = target.Vault
		if err := config.Save(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("persisting new vault config: %w", err)
		}

		fmt.Printf("Switched to %s vault %q (%s)\n", target.Vault.Type, target.Vault.Name, semantics)
		return nil
	},
}

// unlock command
var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Verify the vault passphrase",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, _, err := newApp(ctx, "unlock")
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.NeedsUnlock() {
			fmt.Println("Vault is not encrypted.")
			return nil
		}
		pw, err := promptPassword("Vault passphrase: ")
		if err != nil {
			return err
		}
		if err := a.Unlock(ctx, pw); err != nil {
			return fmt.Errorf("unlock failed: %w", err)
		}
		fmt.Println("Passphrase OK.")
		return nil
	},
}

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the watchers until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, cfg, err := newApp(ctx, "run")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := unlockIfNeeded(ctx, a); err != nil {
			return err
		}

		if cfg.Drive.Notify || cfg.Photos.Notify {
			events, cancel := a.Subscribe()
			defer cancel()
			go func() {
				for ev := range events {
					fmt.Printf("[%s] %s\n", ev.Watcher, ev.Status)
				}
			}()
		}

		fmt.Println("Watching. Ctrl-C to stop.")
		return a.Run(ctx)
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run one scan cycle on every watcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, _, err := newApp(ctx, "backup")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := unlockIfNeeded(ctx, a); err != nil {
			return err
		}

		results, err := a.Backup(ctx)
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}

		names := make([]string, 0, len(results))
		for name := range results {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			c := results[name]
			fmt.Printf("%s: scanned %d, uploaded %d, deleted %d, failed %d\n",
				name, c.Scanned, c.Uploaded, c.Deleted, c.Failed)
		}
		return nil
	},
}

// ls command
var lsCmd = &cobra.Command{
	Use:   "ls [PATH]",
	Short: "Browse backed-up content",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		watcherID, _ := cmd.Flags().GetString("watcher")
		showDeleted, _ := cmd.Flags().GetBool("deleted")

		a, _, err := newApp(ctx, "ls")
		if err != nil {
			return err
		}
		defer a.Close()

		dir := ""
		if len(args) > 0 {
			dir = args[0]
		}

		entries, err := a.List(watcherID, dir, showDeleted)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Empty.")
			return nil
		}

		for _, de := range entries {
			if de.IsDir {
				fmt.Printf("%-10s  %s/\n", "", de.Name)
				continue
			}
			e := de.Entry
			marker := ""
			if e.State != keep.EntryActive {
				marker = "  [" + string(e.State) + "]"
			}
			fmt.Printf("%10d  %s  %s%s\n",
				e.Size, e.SourceMTime.Format("2006-01-02 15:04:05"), de.Name, marker)
		}
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore PATH",
	Short: "Restore a file or directory from the vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		watcherID, _ := cmd.Flags().GetString("watcher")
		fingerprint, _ := cmd.Flags().GetString("fingerprint")
		dest, _ := cmd.Flags().GetString("dest")

		a, cfg, err := newApp(ctx, "restore")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := unlockIfNeeded(ctx, a); err != nil {
			return err
		}

		if dest == "" {
			switch watcherID {
			case "photos":
				dest = cfg.Photos.SourcePath
			default:
				dest = cfg.Drive.SourcePath
			}
		}

		restored, err := a.Restore(ctx, watcherID, args[0], fingerprint, dest)
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		for _, p := range restored {
			fmt.Println(p)
		}
		fmt.Printf("Restored %d file(s)\n", len(restored))
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history PATH",
	Short: "View a file's backup history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		watcherID, _ := cmd.Flags().GetString("watcher")

		a, _, err := newApp(ctx, "history")
		if err != nil {
			return err
		}
		defer a.Close()

		versions, err := a.History(watcherID, args[0])
		if err != nil {
			return err
		}

		for _, v := range versions {
			marker := ""
			if v.State == keep.EntryActive {
				marker = "  [current]"
			}
			fmt.Printf("%s  %s  %d  mtime:%s%s\n",
				v.Fingerprint[:12],
				v.UpdatedAt.Format("2006-01-02 15:04:05"),
				v.Size,
				v.SourceMTime.Format("2006-01-02 15:04:05"),
				marker,
			)
		}
		return nil
	},
}

// mode command
var modeCmd = &cobra.Command{
	Use:   "mode MODE",
	Short: "Change a watcher's backup mode",
	Long: `Change a watcher's backup mode (basic, mirror, or snapshot).

Switching to mirror requires an explicit orphan policy:

  --keep-orphans  leave vault objects for files deleted from the source
  --strict        delete vault objects for files deleted from the source`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		watcherID, _ := cmd.Flags().GetString("watcher")
		strict, _ := cmd.Flags().GetBool("strict")
		keepOrphans, _ := cmd.Flags().GetBool("keep-orphans")

		mode, err := keep.ParseBackupMode(args[0])
		if err != nil {
			return err
		}
		if mode == keep.ModeMirror {
			if strict == keepOrphans {
				return fmt.Errorf("mirror mode requires exactly one of --strict or --keep-orphans")
			}
		} else if strict || keepOrphans {
			return fmt.Errorf("orphan policy flags only apply to mirror mode")
		}

		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		var wc *config.WatcherConfig
		switch watcherID {
		case "drive":
			wc = &cfg.Drive
		case "photos":
			wc = &cfg.Photos
		default:
			return fmt.Errorf("unknown watcher: %s", watcherID)
		}
		wc.Mode = string(mode)
		wc.OrphanPolicy = ""
		if mode == keep.ModeMirror {
			wc.OrphanPolicy = string(keep.OrphanKeep)
			if strict {
				wc.OrphanPolicy = string(keep.OrphanStrict)
			}
		}

		if err := config.Save(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("persisting config: %w", err)
		}

		policy := ""
		if mode == keep.ModeMirror {
			policy = " (keep orphans)"
			if strict {
				policy = " (strict)"
			}
		}
		fmt.Printf("%s watcher now in %s mode%s\n", watcherID, mode, policy)
		return nil
	},
}

// prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the snapshot retention schedule now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, _, err := newApp(ctx, "prune")
		if err != nil {
			return err
		}
		defer a.Close()

		pruned, err := a.Prune(ctx)
		if err != nil {
			return err
		}
		total := 0
		for watcherID, ids := range pruned {
			for _, id := range ids {
				fmt.Printf("%s: pruned snapshot %s\n", watcherID, id)
			}
			total += len(ids)
		}
		if total == 0 {
			fmt.Println("Nothing to prune.")
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	vaultCmd.AddCommand(vaultInitCmd)
	vaultCmd.AddCommand(vaultCheckCmd)
	vaultCmd.AddCommand(vaultSwitchCmd)
	vaultSwitchCmd.Flags().String("semantics", "", "reupload-all or new-items-only")

	lsCmd.Flags().String("watcher", "drive", "Watcher namespace (drive or photos)")
	lsCmd.Flags().Bool("deleted", false, "Include deleted and superseded entries")

	restoreCmd.Flags().String("watcher", "drive", "Watcher namespace (drive or photos)")
	restoreCmd.Flags().String("fingerprint", "", "Restore a specific version by fingerprint prefix")
	restoreCmd.Flags().String("dest", "", "Destination root (default: the watcher's source path)")

	historyCmd.Flags().String("watcher", "drive", "Watcher namespace (drive or photos)")

	modeCmd.Flags().String("watcher", "drive", "Watcher to change (drive or photos)")
	modeCmd.Flags().Bool("strict", false, "Mirror: delete vault objects for removed files")
	modeCmd.Flags().Bool("keep-orphans", false, "Mirror: keep vault objects for removed files")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(vaultCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(modeCmd)
	rootCmd.AddCommand(pruneCmd)
}
