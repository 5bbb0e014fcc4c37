package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rapportapp/rapport/internal/model"
)

var (
	// ErrExists is returned by Add when a record with the same ID exists.
	ErrExists = errors.New("record already exists")

	// ErrClosed is returned for mutations after Close.
	ErrClosed = errors.New("store is closed")
)

// Origin identifies who caused a change.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
	OriginImport Origin = "import"
)

// Change is delivered to subscribers after a mutation has been persisted.
// Subscribers re-read the store on receipt; the change does not carry data.
type Change struct {
	Kinds  []model.Kind
	Origin Origin
}

// Has reports whether the change touched kind.
func (c Change) Has(kind model.Kind) bool {
	for _, k := range c.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// PushRequester is notified after every local mutation.
type PushRequester interface {
	SchedulePush()
}

const subscriberBuffer = 16

// Store holds every collection in memory and on disk.
type Store struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	cols   map[model.Kind]collection
	state  syncState
	closed bool

	hookMu sync.RWMutex
	pusher PushRequester

	subMu   sync.Mutex
	subs    map[int]chan Change
	nextSub int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPushRequester sets the push requester at construction time.
func WithPushRequester(p PushRequester) Option {
	return func(s *Store) { s.pusher = p }
}

// Open loads (or creates) a store rooted at dir.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:    dir,
		logger: zap.NewNop(),
		now:    time.Now,
		cols:   make(map[model.Kind]collection, len(model.AllKinds)),
		subs:   make(map[int]chan Change),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("store")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	for _, kind := range model.AllKinds {
		s.cols[kind] = s.loadCollection(kind)
	}
	s.state = s.loadState()

	s.logger.Debug("store opened", zap.String("dir", dir), zap.Int("entities", s.count()))
	return s, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string { return s.dir }

// SetPushRequester replaces the push requester. Wiring code calls this
// once the scheduler exists.
func (s *Store) SetPushRequester(p PushRequester) {
	s.hookMu.Lock()
	s.pusher = p
	s.hookMu.Unlock()
}

func (s *Store) requestPush() {
	s.hookMu.RLock()
	p := s.pusher
	s.hookMu.RUnlock()
	if p != nil {
		p.SchedulePush()
	}
}

// Close closes every subscription. The store rejects mutations afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
	return nil
}

// Subscribe returns a channel of changes and a function that ends the
// subscription. Delivery never blocks a mutation: when the buffer is full the
// change is dropped.
func (s *Store) Subscribe() (<-chan Change, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Change, subscriberBuffer)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if c, ok := s.subs[id]; ok {
				close(c)
				delete(s.subs, id)
			}
		})
	}
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- c:
		default:
			s.logger.Warn("subscriber full, dropping change", zap.Int("subscriber", id))
		}
	}
}

func (s *Store) view(kind model.Kind) collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cols[kind]
}

func (s *Store) count() int {
	n := 0
	for _, c := range s.cols {
		n += c.len()
	}
	return n
}

// txn is one mutation in progress. Collections are copied on first write so
// the committed ones stay untouched until the new versions are on disk.
type txn struct {
	base    map[model.Kind]collection
	touched map[model.Kind]collection
	now     time.Time

	// outbox additions are tied to the kind whose removal produced them so
	// a failed save does not queue a delete for a record that still exists.
	outboxAdd    map[model.Kind][]string
	outboxRemove []string
}

func (tx *txn) view(kind model.Kind) collection {
	if c, ok := tx.touched[kind]; ok {
		return c
	}
	return tx.base[kind]
}

func (tx *txn) edit(kind model.Kind) collection {
	if c, ok := tx.touched[kind]; ok {
		return c
	}
	c := tx.base[kind].clone()
	tx.touched[kind] = c
	return c
}

// editIf applies fn to a copy of kind and keeps the copy only if fn reports
// a change.
func (tx *txn) editIf(kind model.Kind, fn func(c collection) bool) {
	c := tx.view(kind).clone()
	if fn(c) {
		tx.touched[kind] = c
	}
}

func (tx *txn) queueDelete(kind model.Kind, ids ...string) {
	if len(ids) > 0 {
		tx.outboxAdd[kind] = append(tx.outboxAdd[kind], ids...)
	}
}

// mutate runs fn against copies of the collections, persists every touched
// collection and swaps in the ones that were written. Failed writes are
// joined into the returned error and leave the old collection in place.
func (s *Store) mutate(ctx context.Context, origin Origin, fn func(tx *txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	tx := &txn{
		base:      s.cols,
		touched:   make(map[model.Kind]collection),
		now:       s.now().UTC(),
		outboxAdd: make(map[model.Kind][]string),
	}
	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return err
	}

	var errs []error
	var saved []model.Kind
	for _, kind := range model.AllKinds {
		c, ok := tx.touched[kind]
		if !ok {
			continue
		}
		if err := s.saveCollection(c); err != nil {
			errs = append(errs, err)
			continue
		}
		s.cols[kind] = c
		saved = append(saved, kind)
	}

	var queued []string
	for _, kind := range saved {
		queued = append(queued, tx.outboxAdd[kind]...)
	}
	if len(queued) > 0 || len(tx.outboxRemove) > 0 {
		next := s.state
		next.PendingDeletes = mergeOutbox(s.state.PendingDeletes, queued, tx.outboxRemove)
		if err := s.saveState(next); err != nil {
			errs = append(errs, err)
		} else {
			s.state = next
		}
	}
	s.mu.Unlock()

	if len(saved) > 0 {
		s.notify(Change{Kinds: saved, Origin: origin})
		if origin != OriginRemote {
			s.requestPush()
		}
	}
	return errors.Join(errs...)
}

// Delete removes the record with id from kind and removes every reference to
// it from the other collections. It reports whether the record existed.
func (s *Store) Delete(ctx context.Context, kind model.Kind, id string) (bool, error) {
	found := false
	err := s.mutate(ctx, OriginLocal, func(tx *txn) error {
		if _, ok := tx.view(kind).lookup(id); !ok {
			return nil
		}
		found = true
		tx.edit(kind).remove(id)
		tx.queueDelete(kind, id)

		for _, k := range model.AllKinds {
			tx.editIf(k, func(c collection) bool {
				changed, removed := c.cascade(id, tx.now)
				tx.queueDelete(k, removed...)
				return changed
			})
		}
		return nil
	})
	if err != nil {
		return found, fmt.Errorf("failed to delete %s %q: %w", kind, id, err)
	}
	if found {
		s.logger.Debug("deleted", zap.String("kind", string(kind)), zap.String("id", id))
	}
	return found, nil
}

// Find looks up a record of any kind by ID.
func (s *Store) Find(id string) (model.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, kind := range model.AllKinds {
		if e, ok := s.cols[kind].lookup(id); ok {
			return e, true
		}
	}
	return nil, false
}

// Count returns the number of records of kind.
func (s *Store) Count(kind model.Kind) int {
	return s.view(kind).len()
}

// People returns the person table.
func (s *Store) People() Table[model.Person, *model.Person] {
	return Table[model.Person, *model.Person]{s: s, kind: model.KindPerson}
}

// Meetings returns the meeting table.
func (s *Store) Meetings() Table[model.Meeting, *model.Meeting] {
	return Table[model.Meeting, *model.Meeting]{s: s, kind: model.KindMeeting}
}

// Goals returns the goal table.
func (s *Store) Goals() Table[model.Goal, *model.Goal] {
	return Table[model.Goal, *model.Goal]{s: s, kind: model.KindGoal}
}

// Templates returns the template table.
func (s *Store) Templates() Table[model.Template, *model.Template] {
	return Table[model.Template, *model.Template]{s: s, kind: model.KindTemplate}
}

// Feedback returns the feedback table.
func (s *Store) Feedback() Table[model.Feedback, *model.Feedback] {
	return Table[model.Feedback, *model.Feedback]{s: s, kind: model.KindFeedback}
}

// Objectives returns the objective table.
func (s *Store) Objectives() Table[model.Objective, *model.Objective] {
	return Table[model.Objective, *model.Objective]{s: s, kind: model.KindObjective}
}

// Recordings returns the recording table.
func (s *Store) Recordings() Table[model.Recording, *model.Recording] {
	return Table[model.Recording, *model.Recording]{s: s, kind: model.KindRecording}
}

// CareerProfiles returns the per-person career profile table.
func (s *Store) CareerProfiles() CareerTable {
	return CareerTable{s: s}
}

// Sentiments returns the per-person sentiment table.
func (s *Store) Sentiments() SentimentTable {
	return SentimentTable{s: s}
}
