package model

import (
	"slices"
	"time"
)

// Meeting is a 1:1 or group meeting.
type Meeting struct {
	Meta

	Title           string    `json:"title" validate:"required"`
	Date            time.Time `json:"date" validate:"required"`
	DurationMinutes int       `json:"duration_minutes,omitempty" validate:"min=0"`
	Location        string    `json:"location,omitempty"`

	// ===== References =====
	AttendeeIDs     []string `json:"attendee_ids,omitempty"`
	LinkedGoalIDs   []string `json:"linked_goal_ids,omitempty"`
	TemplateID      string   `json:"template_id,omitempty"`
	CalendarEventID string   `json:"calendar_event_id,omitempty"`

	Notes       string       `json:"notes,omitempty"`
	ActionItems []ActionItem `json:"action_items,omitempty" validate:"dive"`
}

// ActionItem is a follow-up captured during a meeting.
type ActionItem struct {
	ID      string     `json:"id" validate:"required"`
	Title   string     `json:"title" validate:"required"`
	Done    bool       `json:"done"`
	OwnerID string     `json:"owner_id,omitempty"`
	DueDate *time.Time `json:"due_date,omitempty"`
}

// EntityKind implements Entity.
func (Meeting) EntityKind() Kind { return KindMeeting }

// HasAttendee reports whether personID attended.
func (m Meeting) HasAttendee(personID string) bool {
	return slices.Contains(m.AttendeeIDs, personID)
}

// OpenActionItems returns the items not yet done.
func (m Meeting) OpenActionItems() []ActionItem {
	var open []ActionItem
	for _, item := range m.ActionItems {
		if !item.Done {
			open = append(open, item)
		}
	}
	return open
}

// DropReference implements Referrer.
func (m *Meeting) DropReference(id string) bool {
	var changed, c bool
	m.AttendeeIDs, c = without(m.AttendeeIDs, id)
	changed = changed || c
	m.LinkedGoalIDs, c = without(m.LinkedGoalIDs, id)
	changed = changed || c
	if m.TemplateID == id {
		m.TemplateID = ""
		changed = true
	}

	owned := slices.ContainsFunc(m.ActionItems, func(a ActionItem) bool { return a.OwnerID == id })
	if owned {
		items := slices.Clone(m.ActionItems)
		for i := range items {
			if items[i].OwnerID == id {
				items[i].OwnerID = ""
			}
		}
		m.ActionItems = items
		changed = true
	}
	return changed
}

// Template is a reusable meeting agenda.
type Template struct {
	Meta

	Name     string    `json:"name" validate:"required"`
	Sections []Section `json:"sections,omitempty" validate:"dive"`

	// BuiltIn templates ship with the app and are never synced or exported.
	BuiltIn bool `json:"built_in,omitempty"`
}

// Section is one heading of a template.
type Section struct {
	ID      string `json:"id" validate:"required"`
	Heading string `json:"heading" validate:"required"`
	Prompt  string `json:"prompt,omitempty"`
}

// EntityKind implements Entity.
func (Template) EntityKind() Kind { return KindTemplate }

// Recording is an audio capture attached to a meeting. Transcript and
// Summary are produced by external tools and stored as plain text.
type Recording struct {
	Meta

	MeetingID       string    `json:"meeting_id,omitempty"`
	FilePath        string    `json:"file_path,omitempty"`
	DurationSeconds int       `json:"duration_seconds,omitempty" validate:"min=0"`
	RecordedAt      time.Time `json:"recorded_at"`
	Transcript      string    `json:"transcript,omitempty"`
	Summary         string    `json:"summary,omitempty"`
}

// EntityKind implements Entity.
func (Recording) EntityKind() Kind { return KindRecording }

// DropReference clears MeetingID when it points at id.
func (r *Recording) DropReference(id string) bool {
	if r.MeetingID != "" && r.MeetingID == id {
		r.MeetingID = ""
		return true
	}
	return false
}
