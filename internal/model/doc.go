// Package model defines the entity records tracked by rapport.
//
// # Overview
//
// Every top-level record (Person, Meeting, Goal, Template, Feedback,
// CareerProfile, SentimentEntry, Objective, Recording) embeds Meta, which
// carries the stable ID and the CreatedAt/UpdatedAt timestamps. UpdatedAt is
// the only conflict-resolution signal: the record with the strictly newer
// UpdatedAt wins a merge (last-writer-wins at whole-entity granularity).
//
// Nested sub-records (action items, milestones, key results, template
// sections) have their own IDs but are never synced on their own; they
// travel inside their parent.
//
// Cross-entity references are IDs only. Dangling references are tolerated
// and filtered by consumers.
//
// # Pointer convention
//
// Values implementing Entity that flow between the store, the wire codec and
// the sync engine are always pointers (*Person, *Meeting, ...).
//
// Example:
//
//	p := &model.Person{Name: "Ada Lovelace", Role: "Staff Engineer"}
//	p.Init(time.Now())
//	if err := model.Validate(p); err != nil {
//	    return err
//	}
package model
