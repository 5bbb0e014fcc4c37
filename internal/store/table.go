package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rapportapp/rapport/internal/model"
)

// Table is the typed CRUD view of one flat collection. Values returned by
// Get, List and Filter are copies of the records; nested slices are shared
// with the store and must be copied before they are modified.
type Table[T any, P entityPtr[T]] struct {
	s    *Store
	kind model.Kind
}

// Add inserts v. A missing ID or CreatedAt is assigned and UpdatedAt is
// stamped. The stored value is returned.
func (t Table[T, P]) Add(ctx context.Context, v T) (T, error) {
	var zero T
	p := P(&v)
	err := t.s.mutate(ctx, OriginLocal, func(tx *txn) error {
		p.Init(tx.now)
		p.Stamp(tx.now)
		if err := model.Validate(p); err != nil {
			return err
		}
		if _, exists := tx.view(t.kind).lookup(p.EntityID()); exists {
			return fmt.Errorf("%s %q: %w", t.kind, p.EntityID(), ErrExists)
		}
		return tx.edit(t.kind).put(p)
	})
	if err != nil {
		return zero, fmt.Errorf("failed to add %s: %w", t.kind, err)
	}
	return v, nil
}

// Update replaces the record with v's ID and stamps UpdatedAt. An unknown ID
// is not an error; Update reports false.
func (t Table[T, P]) Update(ctx context.Context, v T) (bool, error) {
	p := P(&v)
	found := false
	err := t.s.mutate(ctx, OriginLocal, func(tx *txn) error {
		cur, ok := tx.view(t.kind).lookup(p.EntityID())
		if !ok {
			return nil
		}
		found = true
		restamp(p, cur.(P), tx.now)
		if err := model.Validate(p); err != nil {
			return err
		}
		return tx.edit(t.kind).put(p)
	})
	if err != nil {
		return found, fmt.Errorf("failed to update %s %q: %w", t.kind, p.EntityID(), err)
	}
	return found, nil
}

// Delete removes the record and every reference to it.
func (t Table[T, P]) Delete(ctx context.Context, id string) (bool, error) {
	return t.s.Delete(ctx, t.kind, id)
}

// Get returns the record with id.
func (t Table[T, P]) Get(id string) (T, bool) {
	var zero T
	e, ok := t.s.view(t.kind).lookup(id)
	if !ok {
		return zero, false
	}
	return *e.(P), true
}

// List returns every record. Order is not meaningful.
func (t Table[T, P]) List() []T {
	return t.Filter(nil)
}

// Filter returns the records for which keep reports true. A nil keep
// matches everything.
func (t Table[T, P]) Filter(keep func(T) bool) []T {
	entities := t.s.view(t.kind).entities()
	out := make([]T, 0, len(entities))
	for _, e := range entities {
		v := *e.(P)
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// Len returns the number of records.
func (t Table[T, P]) Len() int {
	return t.s.view(t.kind).len()
}

type stamper interface {
	model.Entity
	Init(now time.Time)
	Stamp(now time.Time)
	Created() time.Time
}

// restamp carries CreatedAt of cur over to p when p has none and advances
// UpdatedAt past cur's so an update always wins a last-writer-wins
// comparison, even when the wall clock stepped backwards.
func restamp(p stamper, cur stamper, now time.Time) {
	if p.Created().IsZero() {
		p.Init(cur.Created())
	}
	if prev := cur.Modified(); !now.After(prev) {
		now = prev.Add(time.Millisecond)
	}
	p.Stamp(now)
}

// CareerTable manages the single career profile of each person.
type CareerTable struct {
	s *Store
}

// Set creates or replaces the profile of p.PersonID. An existing profile
// keeps its ID and CreatedAt.
func (t CareerTable) Set(ctx context.Context, p model.CareerProfile) (model.CareerProfile, error) {
	err := t.s.mutate(ctx, OriginLocal, func(tx *txn) error {
		cur, ok := tx.view(model.KindCareerProfile).current(&p)
		if ok {
			existing := cur.(*model.CareerProfile)
			p.ID = existing.ID
			p.CreatedAt = existing.CreatedAt
			restamp(&p, existing, tx.now)
		} else {
			p.Init(tx.now)
			p.Stamp(tx.now)
		}
		if err := model.Validate(&p); err != nil {
			return err
		}
		return tx.edit(model.KindCareerProfile).put(&p)
	})
	if err != nil {
		return model.CareerProfile{}, fmt.Errorf("failed to set career profile: %w", err)
	}
	return p, nil
}

// Get returns the profile of personID.
func (t CareerTable) Get(personID string) (model.CareerProfile, bool) {
	c := t.s.view(model.KindCareerProfile).(*careerCollection)
	p, ok := c.byPerson[personID]
	if !ok {
		return model.CareerProfile{}, false
	}
	return *p, true
}

// Delete removes the profile of personID.
func (t CareerTable) Delete(ctx context.Context, personID string) (bool, error) {
	p, ok := t.Get(personID)
	if !ok {
		return false, nil
	}
	return t.s.Delete(ctx, model.KindCareerProfile, p.ID)
}

// All returns every profile keyed by person ID.
func (t CareerTable) All() map[string]model.CareerProfile {
	c := t.s.view(model.KindCareerProfile).(*careerCollection)
	out := make(map[string]model.CareerProfile, len(c.byPerson))
	for k, p := range c.byPerson {
		out[k] = *p
	}
	return out
}

// SentimentTable manages per-person sentiment history.
type SentimentTable struct {
	s *Store
}

// Add records a new entry.
func (t SentimentTable) Add(ctx context.Context, e model.SentimentEntry) (model.SentimentEntry, error) {
	return Table[model.SentimentEntry, *model.SentimentEntry]{s: t.s, kind: model.KindSentiment}.Add(ctx, e)
}

// Update replaces an entry by ID.
func (t SentimentTable) Update(ctx context.Context, e model.SentimentEntry) (bool, error) {
	return Table[model.SentimentEntry, *model.SentimentEntry]{s: t.s, kind: model.KindSentiment}.Update(ctx, e)
}

// Delete removes an entry by ID.
func (t SentimentTable) Delete(ctx context.Context, id string) (bool, error) {
	return t.s.Delete(ctx, model.KindSentiment, id)
}

// ForPerson returns the entries of personID, oldest first.
func (t SentimentTable) ForPerson(personID string) []model.SentimentEntry {
	c := t.s.view(model.KindSentiment).(*sentimentCollection)
	list := c.byPerson[personID]
	out := make([]model.SentimentEntry, len(list))
	for i, e := range list {
		out[i] = *e
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// All returns every entry keyed by person ID.
func (t SentimentTable) All() map[string][]model.SentimentEntry {
	c := t.s.view(model.KindSentiment).(*sentimentCollection)
	out := make(map[string][]model.SentimentEntry, len(c.byPerson))
	for k, list := range c.byPerson {
		entries := make([]model.SentimentEntry, len(list))
		for i, e := range list {
			entries[i] = *e
		}
		out[k] = entries
	}
	return out
}
