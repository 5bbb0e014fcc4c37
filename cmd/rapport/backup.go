package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/rapportapp/rapport/internal/backup"
)

var backupCmd = &cobra.Command{
	Use:     "backup",
	GroupID: "backup",
	Short:   "Write a timestamped backup and prune old ones",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			dir := backupDir()
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create backup directory: %w", err)
			}
			path, err := backup.WriteBackup(a.store, dir, backup.WithRetention(a.cfg.Backup.Retention))
			if err != nil {
				return err
			}
			fmt.Printf("%s Wrote %s\n", renderPass("✓"), path)
			return nil
		})
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		infos, err := backup.List(backupDir())
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println(renderMuted("No backups"))
			return nil
		}
		for _, info := range infos {
			fmt.Printf("%s  %s  %s\n", formatDate(info.ModTime), filepath.Base(info.Path), renderMuted(fmt.Sprintf("%d bytes", info.Size)))
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "backup",
	Short:   "Export all records as JSON",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			if len(args) == 0 {
				return backup.Export(a.store, os.Stdout)
			}
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			if err := backup.Export(a.store, f); err != nil {
				_ = f.Close()
				return err
			}
			return f.Close()
		})
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "backup",
	Short:   "Add the records of a backup that are missing locally",
	Long: `Add the records of a backup or export file that are missing locally.

Records that already exist are never overwritten. Imported records are
pushed on the next sync.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runImport(cmd, args[0])
	},
}

var restoreCmd = &cobra.Command{
	Use:     "restore [file]",
	GroupID: "backup",
	Short:   "Import the newest backup, or the given one",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			dir := backupDir()
			infos, err := backup.List(dir)
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				return fmt.Errorf("no backups in %s", dir)
			}
			path = infos[0].Path
		}

		yes, _ := cmd.Flags().GetBool("yes")
		if !yes && stdinIsTerminal() {
			confirmed := false
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Restore from %s?", filepath.Base(path))).
				Description("Missing records are added; existing ones are kept.").
				Affirmative("Restore").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				return err
			}
			if !confirmed {
				fmt.Println(renderMuted("Cancelled"))
				return nil
			}
		}
		return runImport(cmd, path)
	},
}

func runImport(cmd *cobra.Command, path string) error {
	return withApp(cmd.Context(), func(a *app) error {
		res, err := backup.ImportFile(cmd.Context(), a.store, path)
		if err != nil {
			return err
		}
		fmt.Printf("%s Imported %d record(s), %d already present", renderPass("✓"), res.Added, res.Skipped)
		if res.Invalid > 0 {
			fmt.Printf(", %s", renderWarn(fmt.Sprintf("%d invalid", res.Invalid)))
		}
		fmt.Println()
		return nil
	})
}

func backupDir() string {
	if cfg.Backup.Dir != "" {
		return cfg.Backup.Dir
	}
	return filepath.Join(cfg.DataDir, "backups")
}

func init() {
	restoreCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")

	backupCmd.AddCommand(backupListCmd)
	rootCmd.AddCommand(backupCmd, exportCmd, importCmd, restoreCmd)
}
