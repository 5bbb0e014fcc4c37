package model

import (
	"time"
)

// Person is someone the manager works with.
type Person struct {
	Meta

	// ===== Identity =====
	Name  string `json:"name" validate:"required"`
	Role  string `json:"role,omitempty"`
	Team  string `json:"team,omitempty"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`

	// ===== Relationship =====
	IsDirectReport bool       `json:"is_direct_report"`
	StartDate      *time.Time `json:"start_date,omitempty"`

	Notes string   `json:"notes,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// EntityKind implements Entity.
func (Person) EntityKind() Kind { return KindPerson }

// CareerProfile tracks one person's growth plan. There is at most one per
// person; the store keys profiles by PersonID.
type CareerProfile struct {
	Meta

	PersonID     string   `json:"person_id" validate:"required"`
	CurrentLevel string   `json:"current_level,omitempty"`
	TargetLevel  string   `json:"target_level,omitempty"`
	Strengths    []string `json:"strengths,omitempty"`
	GrowthAreas  []string `json:"growth_areas,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

// EntityKind implements Entity.
func (CareerProfile) EntityKind() Kind { return KindCareerProfile }

// Sentiment scores range from 1 (very negative) to 5 (very positive).
const (
	MinSentiment = 1
	MaxSentiment = 5
)

// SentimentEntry is one observation of how a person is doing. The store
// keeps a list of entries per person.
type SentimentEntry struct {
	Meta

	PersonID  string    `json:"person_id" validate:"required"`
	Score     int       `json:"score" validate:"min=1,max=5"`
	Note      string    `json:"note,omitempty"`
	Date      time.Time `json:"date"`
	MeetingID string    `json:"meeting_id,omitempty"`
}

// EntityKind implements Entity.
func (SentimentEntry) EntityKind() Kind { return KindSentiment }

// DropReference clears MeetingID when it points at id.
func (s *SentimentEntry) DropReference(id string) bool {
	if s.MeetingID != "" && s.MeetingID == id {
		s.MeetingID = ""
		return true
	}
	return false
}
