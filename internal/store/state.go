package store

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

const (
	stateFile          = "sync_state.toml"
	stateFormatVersion = 1
)

// syncState is the persisted sync bookkeeping.
type syncState struct {
	FormatVersion  int       `toml:"format_version"`
	Cursor         string    `toml:"cursor"`
	LastSync       time.Time `toml:"last_sync"`
	PendingDeletes []string  `toml:"pending_deletes"`
}

func (s *Store) loadState() syncState {
	path := s.path(stateFile)
	st := syncState{FormatVersion: stateFormatVersion}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return st
	}
	if _, err := toml.DecodeFile(path, &st); err != nil {
		s.quarantine(path, err)
		return syncState{FormatVersion: stateFormatVersion}
	}
	if st.FormatVersion > stateFormatVersion {
		s.logger.Warn("sync state written by a newer version, resetting cursor",
			zap.Int("format_version", st.FormatVersion))
		st.Cursor = ""
		st.FormatVersion = stateFormatVersion
	}
	return st
}

// saveState must be called with s.mu held.
func (s *Store) saveState(st syncState) error {
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(st); err != nil {
		return fmt.Errorf("failed to encode sync state: %w", err)
	}
	if err := WriteFileAtomic(s.path(stateFile), []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

func (s *Store) updateState(fn func(st *syncState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state
	next.PendingDeletes = slices.Clone(s.state.PendingDeletes)
	fn(&next)
	if err := s.saveState(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

// Cursor returns the last committed change-feed cursor. An empty cursor
// means the next pull is a full fetch.
func (s *Store) Cursor() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Cursor
}

// LastSync returns the time of the last committed pull.
func (s *Store) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.LastSync
}

// CommitCursor persists cursor. Callers commit only after the data it covers
// has been merged and saved.
func (s *Store) CommitCursor(cursor string, at time.Time) error {
	return s.updateState(func(st *syncState) {
		st.Cursor = cursor
		st.LastSync = at.UTC()
	})
}

// ResetCursor discards the cursor so the next pull fetches everything.
func (s *Store) ResetCursor() error {
	return s.updateState(func(st *syncState) {
		st.Cursor = ""
	})
}

// PendingDeletes returns the IDs deleted locally that have not yet been
// deleted remotely.
func (s *Store) PendingDeletes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.state.PendingDeletes)
}

// ConfirmDeletes removes ids from the remote-delete outbox.
func (s *Store) ConfirmDeletes(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.updateState(func(st *syncState) {
		st.PendingDeletes = mergeOutbox(st.PendingDeletes, nil, ids)
	})
}

// mergeOutbox returns current plus add minus remove, without duplicates and
// in first-queued order.
func mergeOutbox(current, add, remove []string) []string {
	out := make([]string, 0, len(current)+len(add))
	seen := make(map[string]bool, len(current)+len(add))
	for _, id := range remove {
		seen[id] = true
	}
	for _, id := range slices.Concat(current, add) {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
