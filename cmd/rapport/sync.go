package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rapportapp/rapport/internal/remote"
	"github.com/rapportapp/rapport/internal/syncengine"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Pull remote changes and push local ones",
	Long: `Run one sync cycle against the configured remote.

With --full the saved change cursor is discarded first, so every remote
record is fetched and merged again. Local records newer than their remote
copy are kept.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")
		pullOnly, _ := cmd.Flags().GetBool("pull")
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.requireRemote(); err != nil {
				return err
			}
			start := time.Now()
			var err error
			switch {
			case full:
				err = a.engine.FullResync(cmd.Context())
			case pullOnly:
				err = a.engine.Pull(cmd.Context())
			default:
				err = a.engine.Sync(cmd.Context())
			}
			if err != nil {
				return err
			}
			printCycle(a.engine.Status(), time.Since(start))
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local data and sync state",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			fmt.Println(renderHeader("Local data"))
			fmt.Println(field("Directory", a.store.Dir()))
			fmt.Println(field("People", fmt.Sprint(a.store.People().Len())))
			fmt.Println(field("Meetings", fmt.Sprint(a.store.Meetings().Len())))
			fmt.Println(field("Goals", fmt.Sprint(a.store.Goals().Len())))
			fmt.Println(field("Objectives", objectiveSummary(a.store.ObjectiveProgress())))
			fmt.Println(field("Open items", fmt.Sprint(len(a.store.OpenActionItems()))))
			if q, err := a.store.Quarantined(); err == nil && len(q) > 0 {
				fmt.Println(field("Quarantined", renderWarn(fmt.Sprintf("%d file(s)", len(q)))))
			}

			fmt.Printf("\n%s\n", renderHeader("Sync"))
			if a.engine == nil {
				fmt.Println(field("Remote", renderMuted("none configured")))
				return nil
			}
			fmt.Println(field("Remote", a.cfg.Remote.Kind))
			last := a.store.LastSync()
			if last.IsZero() {
				fmt.Println(field("Last sync", renderWarn("never")))
			} else {
				fmt.Println(field("Last sync", formatDate(last)))
			}
			fmt.Println(field("Pending deletes", fmt.Sprint(len(a.store.PendingDeletes()))))

			check, _ := cmd.Flags().GetBool("check")
			if !check {
				return nil
			}
			status, err := a.backend.AccountStatus(cmd.Context())
			switch {
			case err != nil:
				fmt.Println(field("Account", renderFail(err.Error())))
			case status == remote.StatusAvailable:
				fmt.Println(field("Account", renderPass(string(status))))
			default:
				fmt.Println(field("Account", renderWarn(string(status))))
			}
			return nil
		})
	},
}

func printCycle(st syncengine.Status, took time.Duration) {
	s := st.Last
	switch {
	case st.Account != remote.StatusAvailable:
		fmt.Printf("%s %s\n", renderWarn("!"), st.Message)
		return
	case st.Phase == syncengine.PhaseError:
		fmt.Printf("%s %s: %s\n", renderFail("✗"), st.Message, st.LastError)
		return
	}
	fmt.Printf("%s %s %s\n", renderPass("✓"), st.Message, renderMuted(took.Round(time.Millisecond).String()))
	fmt.Println(field("Pulled", fmt.Sprintf("%d (%d new, %d updated, %d deleted)", s.Pulled, s.Inserted, s.Updated, s.Deleted)))
	fmt.Println(field("Pushed", fmt.Sprintf("%d records, %d deletes", s.Pushed, s.DeletesPushed)))
	if s.PushFailures > 0 || s.DecodeFailures > 0 {
		fmt.Println(field("Skipped", renderWarn(fmt.Sprintf("%d rejected, %d unreadable", s.PushFailures, s.DecodeFailures))))
	}
}

func init() {
	syncCmd.Flags().Bool("full", false, "discard the change cursor and fetch everything")
	syncCmd.Flags().Bool("pull", false, "only pull remote changes")
	statusCmd.Flags().Bool("check", false, "also ask the remote for the account status")

	rootCmd.AddCommand(syncCmd, statusCmd)
}
