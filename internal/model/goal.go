package model

import (
	"time"
)

// GoalStatus is the lifecycle state of a goal.
type GoalStatus string

const (
	GoalNotStarted GoalStatus = "not_started"
	GoalInProgress GoalStatus = "in_progress"
	GoalCompleted  GoalStatus = "completed"
	GoalAbandoned  GoalStatus = "abandoned"
)

// Goal is a development goal for a person.
type Goal struct {
	Meta

	PersonID    string     `json:"person_id,omitempty"`
	Title       string     `json:"title" validate:"required"`
	Description string     `json:"description,omitempty"`
	Status      GoalStatus `json:"status" validate:"omitempty,oneof=not_started in_progress completed abandoned"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Progress    float64    `json:"progress" validate:"min=0,max=1"`

	Milestones        []Milestone `json:"milestones,omitempty" validate:"dive"`
	RelatedMeetingIDs []string    `json:"related_meeting_ids,omitempty"`
}

// Milestone is a checkpoint inside a goal.
type Milestone struct {
	ID      string     `json:"id" validate:"required"`
	Title   string     `json:"title" validate:"required"`
	Done    bool       `json:"done"`
	DueDate *time.Time `json:"due_date,omitempty"`
}

// EntityKind implements Entity.
func (Goal) EntityKind() Kind { return KindGoal }

// IsOpen reports whether the goal is still being worked on.
func (g Goal) IsOpen() bool {
	return g.Status != GoalCompleted && g.Status != GoalAbandoned
}

// DropReference implements Referrer.
func (g *Goal) DropReference(id string) bool {
	var changed bool
	g.RelatedMeetingIDs, changed = without(g.RelatedMeetingIDs, id)
	if g.PersonID != "" && g.PersonID == id {
		g.PersonID = ""
		changed = true
	}
	return changed
}

// FeedbackKind classifies feedback.
type FeedbackKind string

const (
	FeedbackPraise       FeedbackKind = "praise"
	FeedbackConstructive FeedbackKind = "constructive"
	FeedbackNote         FeedbackKind = "note"
)

// Feedback is a piece of feedback about a person.
type Feedback struct {
	Meta

	PersonID          string       `json:"person_id" validate:"required"`
	Kind              FeedbackKind `json:"kind" validate:"omitempty,oneof=praise constructive note"`
	Content           string       `json:"content,omitempty"`
	Date              time.Time    `json:"date"`
	Shared            bool         `json:"shared"`
	RelatedMeetingIDs []string     `json:"related_meeting_ids,omitempty"`
}

// EntityKind implements Entity.
func (Feedback) EntityKind() Kind { return KindFeedback }

// DropReference implements Referrer.
func (f *Feedback) DropReference(id string) bool {
	var changed bool
	f.RelatedMeetingIDs, changed = without(f.RelatedMeetingIDs, id)
	return changed
}

// Objective is an OKR objective.
type Objective struct {
	Meta

	Title         string      `json:"title" validate:"required"`
	Quarter       string      `json:"quarter,omitempty"`
	OwnerID       string      `json:"owner_id,omitempty"`
	KeyResults    []KeyResult `json:"key_results,omitempty" validate:"dive"`
	LinkedGoalIDs []string    `json:"linked_goal_ids,omitempty"`
}

// KeyResult is a measurable outcome of an objective.
type KeyResult struct {
	ID      string  `json:"id" validate:"required"`
	Title   string  `json:"title" validate:"required"`
	Target  float64 `json:"target"`
	Current float64 `json:"current"`
	Unit    string  `json:"unit,omitempty"`
}

// EntityKind implements Entity.
func (Objective) EntityKind() Kind { return KindObjective }

// Progress returns the mean completion ratio of the key results, each
// clamped to [0, 1]. An objective without key results has zero progress.
func (o Objective) Progress() float64 {
	if len(o.KeyResults) == 0 {
		return 0
	}
	var sum float64
	for _, kr := range o.KeyResults {
		if kr.Target <= 0 {
			continue
		}
		ratio := kr.Current / kr.Target
		if ratio > 1 {
			ratio = 1
		}
		if ratio > 0 {
			sum += ratio
		}
	}
	return sum / float64(len(o.KeyResults))
}

// DropReference implements Referrer.
func (o *Objective) DropReference(id string) bool {
	var changed bool
	o.LinkedGoalIDs, changed = without(o.LinkedGoalIDs, id)
	if o.OwnerID != "" && o.OwnerID == id {
		o.OwnerID = ""
		changed = true
	}
	return changed
}
