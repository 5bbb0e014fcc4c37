package main

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rapportapp/rapport/internal/model"
)

var meetingCmd = &cobra.Command{
	Use:     "meeting",
	Aliases: []string{"meetings"},
	GroupID: "data",
	Short:   "Manage meetings and action items",
}

var meetingAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Record a meeting",
	Long: `Record a meeting.

The --date flag accepts absolute dates (2025-03-14, 2025-03-14 15:30) or
phrases such as "tomorrow at 3pm" and "last friday".`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		dateText, _ := flags.GetString("date")
		duration, _ := flags.GetInt("duration")
		with, _ := flags.GetStringSlice("with")
		notes, _ := flags.GetString("notes")
		sentiment, _ := flags.GetInt("sentiment")

		date := time.Now()
		if dateText != "" {
			var err error
			if date, err = parseDate(dateText, time.Now()); err != nil {
				return err
			}
		}

		return withApp(cmd.Context(), func(a *app) error {
			m := model.Meeting{
				Title:           strings.Join(args, " "),
				Date:            date,
				DurationMinutes: duration,
				Notes:           notes,
			}
			for _, ref := range with {
				p, err := findPerson(a, ref)
				if err != nil {
					return err
				}
				m.AttendeeIDs = append(m.AttendeeIDs, p.ID)
			}
			added, err := a.store.Meetings().Add(cmd.Context(), m)
			if err != nil {
				return err
			}
			fmt.Printf("%s Added %s on %s %s\n", renderPass("✓"), added.Title, formatDate(added.Date), renderMuted(added.ID))

			if sentiment == 0 {
				return nil
			}
			for _, pid := range added.AttendeeIDs {
				if _, err := a.store.Sentiments().Add(cmd.Context(), model.SentimentEntry{
					PersonID:  pid,
					Score:     sentiment,
					Date:      added.Date,
					MeetingID: added.ID,
				}); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var meetingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List meetings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		upcoming, _ := cmd.Flags().GetBool("upcoming")
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd.Context(), func(a *app) error {
			var meetings []model.Meeting
			if upcoming {
				meetings = a.store.UpcomingMeetings(time.Now(), limit)
			} else {
				meetings = a.store.Meetings().List()
				slices.SortFunc(meetings, func(x, y model.Meeting) int { return y.Date.Compare(x.Date) })
				if limit > 0 && len(meetings) > limit {
					meetings = meetings[:limit]
				}
			}
			if len(meetings) == 0 {
				fmt.Println(renderMuted("No meetings"))
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDATE\tTITLE\tOPEN ITEMS")
			for _, m := range meetings {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", shortID(m.ID), formatDate(m.Date), m.Title, len(m.OpenActionItems()))
			}
			return w.Flush()
		})
	},
}

var actionCmd = &cobra.Command{
	Use:   "action",
	Short: "Manage action items",
}

var actionAddCmd = &cobra.Command{
	Use:   "add <meeting-id> <title>",
	Short: "Add an action item to a meeting",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		return withApp(cmd.Context(), func(a *app) error {
			m, err := findMeeting(a, args[0])
			if err != nil {
				return err
			}
			item := model.ActionItem{ID: model.NewID(), Title: strings.Join(args[1:], " ")}
			if owner != "" {
				p, err := findPerson(a, owner)
				if err != nil {
					return err
				}
				item.OwnerID = p.ID
			}
			m.ActionItems = append(slices.Clone(m.ActionItems), item)
			if _, err := a.store.Meetings().Update(cmd.Context(), m); err != nil {
				return err
			}
			fmt.Printf("%s Added action item %s\n", renderPass("✓"), renderMuted(item.ID))
			return nil
		})
	},
}

var actionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open action items",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			items := a.store.OpenActionItems()
			if len(items) == 0 {
				fmt.Println(renderMuted("Nothing open"))
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tITEM\tMEETING\tDATE")
			for _, it := range items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", shortID(it.Item.ID), it.Item.Title, it.MeetingTitle, formatDate(it.MeetingDate))
			}
			return w.Flush()
		})
	},
}

var actionDoneCmd = &cobra.Command{
	Use:   "done <item-id>",
	Short: "Mark an action item done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			for _, it := range a.store.OpenActionItems() {
				if !strings.HasPrefix(it.Item.ID, args[0]) {
					continue
				}
				m, ok := a.store.Meetings().Get(it.MeetingID)
				if !ok {
					break
				}
				m.ActionItems = slices.Clone(m.ActionItems)
				for i := range m.ActionItems {
					if m.ActionItems[i].ID == it.Item.ID {
						m.ActionItems[i].Done = true
					}
				}
				if _, err := a.store.Meetings().Update(cmd.Context(), m); err != nil {
					return err
				}
				fmt.Printf("%s Done: %s\n", renderPass("✓"), it.Item.Title)
				return nil
			}
			return fmt.Errorf("no open action item matches %q", args[0])
		})
	},
}

func findMeeting(a *app, ref string) (model.Meeting, error) {
	if m, ok := a.store.Meetings().Get(ref); ok {
		return m, nil
	}
	matches := a.store.Meetings().Filter(func(m model.Meeting) bool { return strings.HasPrefix(m.ID, ref) })
	if len(matches) != 1 {
		return model.Meeting{}, fmt.Errorf("no unique meeting matches %q", ref)
	}
	return matches[0], nil
}

func init() {
	meetingAddCmd.Flags().String("date", "", "when the meeting happened or will happen (default now)")
	meetingAddCmd.Flags().Int("duration", 30, "length in minutes")
	meetingAddCmd.Flags().StringSlice("with", nil, "attendee ID or name (repeatable)")
	meetingAddCmd.Flags().String("notes", "", "meeting notes")
	meetingAddCmd.Flags().Int("sentiment", 0, "record a 1-5 sentiment score for each attendee")

	meetingListCmd.Flags().Bool("upcoming", false, "only meetings from now on")
	meetingListCmd.Flags().Int("limit", 20, "maximum meetings to show (0 for all)")

	actionAddCmd.Flags().String("owner", "", "person responsible")

	actionCmd.AddCommand(actionAddCmd, actionListCmd, actionDoneCmd)
	meetingCmd.AddCommand(meetingAddCmd, meetingListCmd, actionCmd)
	rootCmd.AddCommand(meetingCmd)
}
