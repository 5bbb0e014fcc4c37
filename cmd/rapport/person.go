package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rapportapp/rapport/internal/model"
)

var personCmd = &cobra.Command{
	Use:     "person",
	Aliases: []string{"people"},
	GroupID: "data",
	Short:   "Manage people",
}

var personAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a person",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		role, _ := flags.GetString("role")
		team, _ := flags.GetString("team")
		email, _ := flags.GetString("email")
		report, _ := flags.GetBool("report")
		tags, _ := flags.GetStringSlice("tag")

		p := model.Person{
			Name:           strings.Join(args, " "),
			Role:           role,
			Team:           team,
			Email:          email,
			IsDirectReport: report,
			Tags:           tags,
		}
		return withApp(cmd.Context(), func(a *app) error {
			added, err := a.store.People().Add(cmd.Context(), p)
			if err != nil {
				return err
			}
			fmt.Printf("%s Added %s %s\n", renderPass("✓"), added.Name, renderMuted(added.ID))
			return nil
		})
	},
}

var personListCmd = &cobra.Command{
	Use:   "list",
	Short: "List people",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reports, _ := cmd.Flags().GetBool("reports")
		return withApp(cmd.Context(), func(a *app) error {
			people := a.store.People().List()
			if reports {
				people = a.store.DirectReports()
			}
			if len(people) == 0 {
				fmt.Println(renderMuted("No people yet"))
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tROLE\tTEAM\tREPORT")
			for _, p := range people {
				report := ""
				if p.IsDirectReport {
					report = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", shortID(p.ID), p.Name, p.Role, p.Team, report)
			}
			return w.Flush()
		})
	},
}

var personShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a person with their meetings and goals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			p, err := findPerson(a, args[0])
			if err != nil {
				return err
			}
			fmt.Println(renderHeader(p.Name))
			fmt.Println(field("ID", p.ID))
			fmt.Println(field("Role", p.Role))
			fmt.Println(field("Team", p.Team))
			fmt.Println(field("Email", p.Email))
			fmt.Println(field("Direct report", fmt.Sprint(p.IsDirectReport)))
			if len(p.Tags) > 0 {
				fmt.Println(field("Tags", strings.Join(p.Tags, ", ")))
			}
			if avg, ok := a.store.SentimentTrend(p.ID, 5); ok {
				fmt.Println(field("Sentiment", fmt.Sprintf("%.1f / %d", avg, model.MaxSentiment)))
			}
			if cp, ok := a.store.CareerProfiles().Get(p.ID); ok {
				fmt.Println(field("Level", fmt.Sprintf("%s → %s", cp.CurrentLevel, cp.TargetLevel)))
			}

			meetings := a.store.MeetingsForPerson(p.ID)
			fmt.Printf("\n%s\n", renderAccent(fmt.Sprintf("Meetings (%d)", len(meetings))))
			for _, m := range meetings {
				fmt.Printf("  %s  %s\n", formatDate(m.Date), m.Title)
			}
			goals := a.store.GoalsForPerson(p.ID)
			fmt.Printf("\n%s\n", renderAccent(fmt.Sprintf("Goals (%d)", len(goals))))
			for _, g := range goals {
				fmt.Printf("  [%s] %s %s\n", g.Status, g.Title, renderMuted(fmt.Sprintf("%.0f%%", g.Progress*100)))
			}
			return nil
		})
	},
}

var personUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a person",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			p, err := findPerson(a, args[0])
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("name") {
				p.Name, _ = flags.GetString("name")
			}
			if flags.Changed("role") {
				p.Role, _ = flags.GetString("role")
			}
			if flags.Changed("team") {
				p.Team, _ = flags.GetString("team")
			}
			if flags.Changed("email") {
				p.Email, _ = flags.GetString("email")
			}
			if flags.Changed("report") {
				p.IsDirectReport, _ = flags.GetBool("report")
			}
			if flags.Changed("notes") {
				p.Notes, _ = flags.GetString("notes")
			}
			if _, err := a.store.People().Update(cmd.Context(), p); err != nil {
				return err
			}
			fmt.Printf("%s Updated %s\n", renderPass("✓"), p.Name)
			return nil
		})
	},
}

var personDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a person and detach them from meetings and goals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			p, err := findPerson(a, args[0])
			if err != nil {
				return err
			}
			if _, err := a.store.Delete(cmd.Context(), model.KindPerson, p.ID); err != nil {
				return err
			}
			fmt.Printf("%s Deleted %s\n", renderPass("✓"), p.Name)
			return nil
		})
	},
}

// findPerson resolves a full ID, a unique ID prefix or an exact name.
func findPerson(a *app, ref string) (model.Person, error) {
	people := a.store.People()
	if p, ok := people.Get(ref); ok {
		return p, nil
	}
	matches := people.Filter(func(p model.Person) bool {
		return strings.HasPrefix(p.ID, ref) || strings.EqualFold(p.Name, ref)
	})
	switch len(matches) {
	case 0:
		return model.Person{}, fmt.Errorf("no person matches %q", ref)
	case 1:
		return matches[0], nil
	default:
		return model.Person{}, errors.New("ambiguous reference " + ref + "; use a longer ID")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	personAddCmd.Flags().String("role", "", "job title")
	personAddCmd.Flags().String("team", "", "team name")
	personAddCmd.Flags().String("email", "", "email address")
	personAddCmd.Flags().Bool("report", false, "person is a direct report")
	personAddCmd.Flags().StringSlice("tag", nil, "tag (repeatable)")

	personListCmd.Flags().Bool("reports", false, "only direct reports")

	personUpdateCmd.Flags().String("name", "", "new name")
	personUpdateCmd.Flags().String("role", "", "job title")
	personUpdateCmd.Flags().String("team", "", "team name")
	personUpdateCmd.Flags().String("email", "", "email address")
	personUpdateCmd.Flags().Bool("report", false, "person is a direct report")
	personUpdateCmd.Flags().String("notes", "", "free-form notes")

	personCmd.AddCommand(personAddCmd, personListCmd, personShowCmd, personUpdateCmd, personDeleteCmd)
	rootCmd.AddCommand(personCmd)
}
