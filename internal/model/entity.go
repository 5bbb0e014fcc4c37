package model

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Kind names an entity collection.
type Kind string

const (
	KindPerson        Kind = "person"
	KindMeeting       Kind = "meeting"
	KindGoal          Kind = "goal"
	KindTemplate      Kind = "template"
	KindFeedback      Kind = "feedback"
	KindCareerProfile Kind = "career_profile"
	KindSentiment     Kind = "sentiment"
	KindObjective     Kind = "objective"
	KindRecording     Kind = "recording"
)

// AllKinds lists every entity kind in load order.
var AllKinds = []Kind{
	KindPerson,
	KindMeeting,
	KindGoal,
	KindTemplate,
	KindFeedback,
	KindCareerProfile,
	KindSentiment,
	KindObjective,
	KindRecording,
}

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	return slices.Contains(AllKinds, k)
}

// Entity is implemented by every top-level record.
type Entity interface {
	EntityID() string
	EntityKind() Kind
	Modified() time.Time
}

// Referrer is implemented by records holding ID references to other
// records. DropReference removes id from every reference field and reports
// whether anything changed.
type Referrer interface {
	DropReference(id string) bool
}

// Meta holds the identity and timestamps shared by all entities.
type Meta struct {
	ID        string    `json:"id" validate:"required"`
	CreatedAt time.Time `json:"created_at" validate:"required"`
	UpdatedAt time.Time `json:"updated_at" validate:"required"`
}

// EntityID returns the record ID.
func (m Meta) EntityID() string { return m.ID }

// Modified returns the last-modified timestamp.
func (m Meta) Modified() time.Time { return m.UpdatedAt }

// Created returns the creation timestamp.
func (m Meta) Created() time.Time { return m.CreatedAt }

// Init assigns a new ID and CreatedAt when they are missing.
func (m *Meta) Init(now time.Time) {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
}

// Stamp sets UpdatedAt. Only the store calls this.
func (m *Meta) Stamp(now time.Time) {
	m.UpdatedAt = now
}

// NewID returns a fresh globally unique identifier.
func NewID() string {
	return uuid.NewString()
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validate checks the struct tags of an entity.
func Validate(e Entity) error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid %s %q: %w", e.EntityKind(), e.EntityID(), err)
	}
	return nil
}

// without returns ids minus id, allocating a new slice when id is present.
func without(ids []string, id string) ([]string, bool) {
	if !slices.Contains(ids, id) {
		return ids, false
	}
	out := make([]string, 0, len(ids)-1)
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out, true
}
