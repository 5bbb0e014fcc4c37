// Package store is the authoritative local copy of every entity collection.
//
// Each collection is persisted to its own JSON file in the data directory
// and loads independently: a missing file is an empty collection, and a
// corrupt file is moved aside to "<name>.corrupt-<timestamp>" without
// affecting the other collections. Every mutation writes the complete
// affected collection atomically (temp file + rename). When a write fails
// the in-memory collection keeps its previous value so memory always
// mirrors disk.
//
// Mutations come from three origins. Local edits stamp UpdatedAt, notify
// subscribers and ask the push requester for a push. Remote merges
// (ApplyRemote) and imports never stamp; remote merges also never request a
// push, which keeps pulled data from echoing back to the remote.
//
// Sync bookkeeping lives in sync_state.toml next to the collections: the
// change-feed cursor, the time of the last successful sync and the outbox of
// IDs deleted locally that still need a remote delete.
//
// Usage:
//
//	s, err := store.Open(dir, store.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	p, err := s.People().Add(ctx, model.Person{Name: "Ada"})
//	...
//	ch, cancel := s.Subscribe()
//	defer cancel()
package store
