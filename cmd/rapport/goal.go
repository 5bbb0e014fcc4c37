package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rapportapp/rapport/internal/model"
)

var goalCmd = &cobra.Command{
	Use:     "goal",
	Aliases: []string{"goals"},
	GroupID: "data",
	Short:   "Manage development goals",
}

var goalAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a goal",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("for")
		due, _ := cmd.Flags().GetString("due")
		desc, _ := cmd.Flags().GetString("description")

		g := model.Goal{
			Title:       strings.Join(args, " "),
			Description: desc,
			Status:      model.GoalNotStarted,
		}
		if due != "" {
			t, err := parseDate(due, time.Now())
			if err != nil {
				return err
			}
			g.DueDate = &t
		}
		return withApp(cmd.Context(), func(a *app) error {
			if owner != "" {
				p, err := findPerson(a, owner)
				if err != nil {
					return err
				}
				g.PersonID = p.ID
			}
			added, err := a.store.Goals().Add(cmd.Context(), g)
			if err != nil {
				return err
			}
			fmt.Printf("%s Added goal %s %s\n", renderPass("✓"), added.Title, renderMuted(added.ID))
			return nil
		})
	},
}

var goalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List goals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("for")
		all, _ := cmd.Flags().GetBool("all")
		return withApp(cmd.Context(), func(a *app) error {
			var personID string
			if owner != "" {
				p, err := findPerson(a, owner)
				if err != nil {
					return err
				}
				personID = p.ID
			}
			goals := a.store.Goals().Filter(func(g model.Goal) bool {
				return (all || g.IsOpen()) && (personID == "" || g.PersonID == personID)
			})
			if len(goals) == 0 {
				fmt.Println(renderMuted("No goals"))
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tPROGRESS\tDUE")
			for _, g := range goals {
				due := "-"
				if g.DueDate != nil {
					due = g.DueDate.Local().Format("2006-01-02")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%s\n", shortID(g.ID), g.Title, g.Status, g.Progress*100, due)
			}
			return w.Flush()
		})
	},
}

var goalProgressCmd = &cobra.Command{
	Use:   "progress <id> <percent>",
	Short: "Set a goal's progress",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var pct float64
		if _, err := fmt.Sscanf(args[1], "%g", &pct); err != nil || pct < 0 || pct > 100 {
			return fmt.Errorf("percent must be a number between 0 and 100")
		}
		return withApp(cmd.Context(), func(a *app) error {
			matches := a.store.Goals().Filter(func(g model.Goal) bool { return strings.HasPrefix(g.ID, args[0]) })
			if len(matches) != 1 {
				return fmt.Errorf("no unique goal matches %q", args[0])
			}
			g := matches[0]
			g.Progress = pct / 100
			switch {
			case pct >= 100:
				g.Status = model.GoalCompleted
			case pct > 0:
				g.Status = model.GoalInProgress
			}
			if _, err := a.store.Goals().Update(cmd.Context(), g); err != nil {
				return err
			}
			fmt.Printf("%s %s is at %.0f%%\n", renderPass("✓"), g.Title, pct)
			return nil
		})
	},
}

func init() {
	goalAddCmd.Flags().String("for", "", "person the goal belongs to")
	goalAddCmd.Flags().String("due", "", "due date")
	goalAddCmd.Flags().String("description", "", "longer description")

	goalListCmd.Flags().String("for", "", "only goals of this person")
	goalListCmd.Flags().Bool("all", false, "include completed and abandoned goals")

	goalCmd.AddCommand(goalAddCmd, goalListCmd, goalProgressCmd)
	rootCmd.AddCommand(goalCmd)
}
