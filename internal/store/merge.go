package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rapportapp/rapport/internal/model"
)

// MergeResult counts what a remote merge did.
type MergeResult struct {
	Inserted int
	Updated  int
	Deleted  int
	// Skipped counts incoming records that lost the last-writer-wins
	// comparison or were deleted locally.
	Skipped int
	Kinds   []model.Kind
}

// Changed reports whether the merge modified any collection.
func (r MergeResult) Changed() bool {
	return r.Inserted+r.Updated+r.Deleted > 0
}

// ApplyRemote merges a pulled batch. A changed record is inserted when
// absent and replaces the local one only if its UpdatedAt is strictly newer.
// Deleted IDs are removed from whichever collection holds them; unknown IDs
// are ignored. Records also listed as deleted, or waiting in the local
// delete outbox, are not reinserted. Every affected collection is written
// once and no push is requested.
func (s *Store) ApplyRemote(ctx context.Context, changed []model.Entity, deleted []string) (MergeResult, error) {
	var res MergeResult

	gone := make(map[string]bool, len(deleted))
	for _, id := range deleted {
		gone[id] = true
	}
	pending := make(map[string]bool)
	for _, id := range s.PendingDeletes() {
		pending[id] = true
	}

	err := s.mutate(ctx, OriginRemote, func(tx *txn) error {
		for _, e := range changed {
			id := e.EntityID()
			if gone[id] || pending[id] {
				res.Skipped++
				continue
			}
			kind := e.EntityKind()
			cur, exists := tx.view(kind).current(e)
			if exists && !e.Modified().After(cur.Modified()) {
				res.Skipped++
				continue
			}

			col := tx.edit(kind)
			if exists && cur.EntityID() != id {
				col.remove(cur.EntityID())
			}
			if err := col.put(e); err != nil {
				return err
			}
			if exists {
				res.Updated++
			} else {
				res.Inserted++
			}
		}

		for _, id := range deleted {
			for _, kind := range model.AllKinds {
				if _, ok := tx.view(kind).lookup(id); ok {
					tx.edit(kind).remove(id)
					res.Deleted++
				}
			}
			if pending[id] {
				tx.outboxRemove = append(tx.outboxRemove, id)
			}
		}

		for _, kind := range model.AllKinds {
			if _, ok := tx.touched[kind]; ok {
				res.Kinds = append(res.Kinds, kind)
			}
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("failed to merge remote changes: %w", err)
	}

	if res.Changed() || res.Skipped > 0 {
		s.logger.Debug("merged remote changes",
			zap.Int("inserted", res.Inserted),
			zap.Int("updated", res.Updated),
			zap.Int("deleted", res.Deleted),
			zap.Int("skipped", res.Skipped))
	}
	return res, nil
}

// PushableEntities returns every record that is mirrored to the remote:
// everything except built-in templates.
func (s *Store) PushableEntities() []model.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Entity
	for _, kind := range model.AllKinds {
		for _, e := range s.cols[kind].entities() {
			if t, ok := e.(*model.Template); ok && t.BuiltIn {
				continue
			}
			out = append(out, e)
		}
	}
	return out
}

// Contents is a value copy of every collection.
type Contents struct {
	People         []model.Person
	Meetings       []model.Meeting
	Goals          []model.Goal
	Templates      []model.Template
	Feedback       []model.Feedback
	Objectives     []model.Objective
	Recordings     []model.Recording
	CareerProfiles map[string]model.CareerProfile
	Sentiments     map[string][]model.SentimentEntry
}

// Contents returns a copy of every collection.
func (s *Store) Contents() Contents {
	return Contents{
		People:         s.People().List(),
		Meetings:       s.Meetings().List(),
		Goals:          s.Goals().List(),
		Templates:      s.Templates().List(),
		Feedback:       s.Feedback().List(),
		Objectives:     s.Objectives().List(),
		Recordings:     s.Recordings().List(),
		CareerProfiles: s.CareerProfiles().All(),
		Sentiments:     s.Sentiments().All(),
	}
}

// Entities flattens c into pointers, one per record.
func (c Contents) Entities() []model.Entity {
	var out []model.Entity
	for i := range c.People {
		out = append(out, &c.People[i])
	}
	for i := range c.Meetings {
		out = append(out, &c.Meetings[i])
	}
	for i := range c.Goals {
		out = append(out, &c.Goals[i])
	}
	for i := range c.Templates {
		out = append(out, &c.Templates[i])
	}
	for i := range c.Feedback {
		out = append(out, &c.Feedback[i])
	}
	for i := range c.Objectives {
		out = append(out, &c.Objectives[i])
	}
	for i := range c.Recordings {
		out = append(out, &c.Recordings[i])
	}
	for k, p := range c.CareerProfiles {
		if p.PersonID == "" {
			p.PersonID = k
		}
		out = append(out, &p)
	}
	for k, list := range c.Sentiments {
		for _, e := range list {
			if e.PersonID == "" {
				e.PersonID = k
			}
			out = append(out, &e)
		}
	}
	return out
}

// ImportResult counts what an import did.
type ImportResult struct {
	Added   int
	Skipped int
	Invalid int
}

// ImportSnapshot adds the records of c whose IDs are absent locally. Records
// already present are left untouched, whatever their timestamps. Records
// deleted locally but not yet deleted remotely are skipped. Imported records
// keep their timestamps.
func (s *Store) ImportSnapshot(ctx context.Context, c Contents) (ImportResult, error) {
	var res ImportResult
	pending := make(map[string]bool)
	for _, id := range s.PendingDeletes() {
		pending[id] = true
	}

	err := s.mutate(ctx, OriginImport, func(tx *txn) error {
		for _, e := range c.Entities() {
			if err := model.Validate(e); err != nil {
				s.logger.Warn("skipping invalid record", zap.Error(err))
				res.Invalid++
				continue
			}
			kind := e.EntityKind()
			if pending[e.EntityID()] {
				res.Skipped++
				continue
			}
			if _, exists := tx.view(kind).current(e); exists {
				res.Skipped++
				continue
			}
			if err := tx.edit(kind).put(e); err != nil {
				return err
			}
			res.Added++
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("failed to import: %w", err)
	}
	return res, nil
}

// EnsureDefaultTemplates adds any built-in template that is missing.
func (s *Store) EnsureDefaultTemplates(ctx context.Context) error {
	defaults := model.DefaultTemplates()
	return s.mutate(ctx, OriginLocal, func(tx *txn) error {
		for i := range defaults {
			t := &defaults[i]
			if _, ok := tx.view(model.KindTemplate).lookup(t.ID); ok {
				continue
			}
			if err := tx.edit(model.KindTemplate).put(t); err != nil {
				return err
			}
		}
		return nil
	})
}
