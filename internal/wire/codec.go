package wire

import (
	"fmt"

	"github.com/rapportapp/rapport/internal/model"
)

// Encode flattens an entity into a record.
func Encode(e model.Entity) (Record, error) {
	w := newFieldWriter()
	var meta model.Meta

	switch v := e.(type) {
	case *model.Person:
		meta = v.Meta
		w.str("name", v.Name)
		w.str("role", v.Role)
		w.str("team", v.Team)
		w.str("email", v.Email)
		w.bool("is_direct_report", v.IsDirectReport)
		w.timePtr("start_date", v.StartDate)
		w.str("notes", v.Notes)
		w.blob("tags", v.Tags, len(v.Tags) == 0)
	case *model.Meeting:
		meta = v.Meta
		w.str("title", v.Title)
		w.time("date", v.Date)
		w.int("duration_minutes", v.DurationMinutes)
		w.str("location", v.Location)
		w.blob("attendee_ids", v.AttendeeIDs, len(v.AttendeeIDs) == 0)
		w.blob("linked_goal_ids", v.LinkedGoalIDs, len(v.LinkedGoalIDs) == 0)
		w.str("template_id", v.TemplateID)
		w.str("calendar_event_id", v.CalendarEventID)
		w.str("notes", v.Notes)
		w.blob("action_items", v.ActionItems, len(v.ActionItems) == 0)
	case *model.Goal:
		meta = v.Meta
		w.str("person_id", v.PersonID)
		w.str("title", v.Title)
		w.str("description", v.Description)
		w.str("status", string(v.Status))
		w.timePtr("due_date", v.DueDate)
		w.float("progress", v.Progress)
		w.blob("milestones", v.Milestones, len(v.Milestones) == 0)
		w.blob("related_meeting_ids", v.RelatedMeetingIDs, len(v.RelatedMeetingIDs) == 0)
	case *model.Template:
		meta = v.Meta
		w.str("name", v.Name)
		w.blob("sections", v.Sections, len(v.Sections) == 0)
		w.bool("built_in", v.BuiltIn)
	case *model.Feedback:
		meta = v.Meta
		w.str("person_id", v.PersonID)
		w.str("kind", string(v.Kind))
		w.str("content", v.Content)
		w.time("date", v.Date)
		w.bool("shared", v.Shared)
		w.blob("related_meeting_ids", v.RelatedMeetingIDs, len(v.RelatedMeetingIDs) == 0)
	case *model.CareerProfile:
		meta = v.Meta
		w.str("person_id", v.PersonID)
		w.str("current_level", v.CurrentLevel)
		w.str("target_level", v.TargetLevel)
		w.blob("strengths", v.Strengths, len(v.Strengths) == 0)
		w.blob("growth_areas", v.GrowthAreas, len(v.GrowthAreas) == 0)
		w.str("notes", v.Notes)
	case *model.SentimentEntry:
		meta = v.Meta
		w.str("person_id", v.PersonID)
		w.int("score", v.Score)
		w.str("note", v.Note)
		w.time("date", v.Date)
		w.str("meeting_id", v.MeetingID)
	case *model.Objective:
		meta = v.Meta
		w.str("title", v.Title)
		w.str("quarter", v.Quarter)
		w.str("owner_id", v.OwnerID)
		w.blob("key_results", v.KeyResults, len(v.KeyResults) == 0)
		w.blob("linked_goal_ids", v.LinkedGoalIDs, len(v.LinkedGoalIDs) == 0)
	case *model.Recording:
		meta = v.Meta
		w.str("meeting_id", v.MeetingID)
		w.str("file_path", v.FilePath)
		w.int("duration_seconds", v.DurationSeconds)
		w.time("recorded_at", v.RecordedAt)
		w.str("transcript", v.Transcript)
		w.str("summary", v.Summary)
	default:
		return Record{}, fmt.Errorf("unsupported entity type %T", e)
	}
	if w.err != nil {
		return Record{}, fmt.Errorf("failed to encode %s %q: %w", e.EntityKind(), e.EntityID(), w.err)
	}

	w.time("created_at", meta.CreatedAt)
	return Record{
		Type:      e.EntityKind(),
		ID:        meta.ID,
		UpdatedAt: meta.UpdatedAt.UTC(),
		Fields:    w.fields,
	}, nil
}

// Decode rebuilds an entity from a record and validates it. Every failure
// wraps ErrDecode.
func Decode(rec Record) (model.Entity, error) {
	if rec.ID == "" {
		return nil, decodeErr(rec, "id", fmt.Errorf("missing"))
	}
	r := &fieldReader{fields: rec.Fields}
	meta := model.Meta{ID: rec.ID, CreatedAt: r.time("created_at"), UpdatedAt: rec.UpdatedAt}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = rec.UpdatedAt
	}

	var e model.Entity
	switch rec.Type {
	case model.KindPerson:
		v := &model.Person{Meta: meta}
		v.Name = r.str("name")
		v.Role = r.str("role")
		v.Team = r.str("team")
		v.Email = r.str("email")
		v.IsDirectReport = r.bool("is_direct_report")
		v.StartDate = r.timePtr("start_date")
		v.Notes = r.str("notes")
		r.blob("tags", &v.Tags)
		e = v
	case model.KindMeeting:
		v := &model.Meeting{Meta: meta}
		v.Title = r.str("title")
		v.Date = r.time("date")
		v.DurationMinutes = r.int("duration_minutes")
		v.Location = r.str("location")
		r.blob("attendee_ids", &v.AttendeeIDs)
		r.blob("linked_goal_ids", &v.LinkedGoalIDs)
		v.TemplateID = r.str("template_id")
		v.CalendarEventID = r.str("calendar_event_id")
		v.Notes = r.str("notes")
		r.blob("action_items", &v.ActionItems)
		e = v
	case model.KindGoal:
		v := &model.Goal{Meta: meta}
		v.PersonID = r.str("person_id")
		v.Title = r.str("title")
		v.Description = r.str("description")
		v.Status = model.GoalStatus(r.str("status"))
		v.DueDate = r.timePtr("due_date")
		v.Progress = r.float("progress")
		r.blob("milestones", &v.Milestones)
		r.blob("related_meeting_ids", &v.RelatedMeetingIDs)
		e = v
	case model.KindTemplate:
		v := &model.Template{Meta: meta}
		v.Name = r.str("name")
		r.blob("sections", &v.Sections)
		v.BuiltIn = r.bool("built_in")
		e = v
	case model.KindFeedback:
		v := &model.Feedback{Meta: meta}
		v.PersonID = r.str("person_id")
		v.Kind = model.FeedbackKind(r.str("kind"))
		v.Content = r.str("content")
		v.Date = r.time("date")
		v.Shared = r.bool("shared")
		r.blob("related_meeting_ids", &v.RelatedMeetingIDs)
		e = v
	case model.KindCareerProfile:
		v := &model.CareerProfile{Meta: meta}
		v.PersonID = r.str("person_id")
		v.CurrentLevel = r.str("current_level")
		v.TargetLevel = r.str("target_level")
		r.blob("strengths", &v.Strengths)
		r.blob("growth_areas", &v.GrowthAreas)
		v.Notes = r.str("notes")
		e = v
	case model.KindSentiment:
		v := &model.SentimentEntry{Meta: meta}
		v.PersonID = r.str("person_id")
		v.Score = r.int("score")
		v.Note = r.str("note")
		v.Date = r.time("date")
		v.MeetingID = r.str("meeting_id")
		e = v
	case model.KindObjective:
		v := &model.Objective{Meta: meta}
		v.Title = r.str("title")
		v.Quarter = r.str("quarter")
		v.OwnerID = r.str("owner_id")
		r.blob("key_results", &v.KeyResults)
		r.blob("linked_goal_ids", &v.LinkedGoalIDs)
		e = v
	case model.KindRecording:
		v := &model.Recording{Meta: meta}
		v.MeetingID = r.str("meeting_id")
		v.FilePath = r.str("file_path")
		v.DurationSeconds = r.int("duration_seconds")
		v.RecordedAt = r.time("recorded_at")
		v.Transcript = r.str("transcript")
		v.Summary = r.str("summary")
		e = v
	default:
		return nil, decodeErr(rec, "type", fmt.Errorf("unknown type %q", rec.Type))
	}

	if r.err != nil {
		return nil, decodeErr(rec, r.field, r.err)
	}
	if err := model.Validate(e); err != nil {
		return nil, decodeErr(rec, "", err)
	}
	return e, nil
}

// EncodeAll encodes a batch, stopping at the first failure.
func EncodeAll(entities []model.Entity) ([]Record, error) {
	recs := make([]Record, 0, len(entities))
	for _, e := range entities {
		rec, err := Encode(e)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
