package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/rapportapp/rapport/internal/model"
	"github.com/rapportapp/rapport/internal/wire"
)

var showCmd = &cobra.Command{
	Use:     "show <id>...",
	GroupID: "data",
	Short:   "Show any record by ID in its synced form",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			recs, err := lookupRecords(a, args)
			if err != nil {
				return err
			}
			for i, rec := range recs {
				if i > 0 {
					fmt.Println()
				}
				fmt.Println(renderHeader(fmt.Sprintf("%s %s", rec.Type, rec.ID)))
				fmt.Println(field("Updated", rec.UpdatedAt.Local().Format("2006-01-02 15:04:05")))
				for _, name := range slices.Sorted(maps.Keys(rec.Fields)) {
					fmt.Println(field(name, rec.Fields[name]))
				}
			}
			return nil
		})
	},
}

// lookupRecords finds every ID in any collection and encodes it the way it
// is sent to the remote.
func lookupRecords(a *app, ids []string) ([]wire.Record, error) {
	entities := make([]model.Entity, 0, len(ids))
	for _, id := range ids {
		e, ok := a.store.Find(id)
		if !ok {
			return nil, fmt.Errorf("no record with ID %q", id)
		}
		entities = append(entities, e)
	}
	return wire.EncodeAll(entities)
}

// objectiveSummary renders the mean key-result completion across objectives.
func objectiveSummary(progress map[string]float64) string {
	if len(progress) == 0 {
		return "none"
	}
	var sum float64
	for _, p := range progress {
		sum += p
	}
	return fmt.Sprintf("%d, %.0f%% complete", len(progress), sum/float64(len(progress))*100)
}

func init() {
	rootCmd.AddCommand(showCmd)
}
