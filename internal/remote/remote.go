// Package remote defines the change-feed backend the sync engine talks to.
//
// A backend stores one flat wire.Record per entity and exposes an ordered
// change feed. Clients read the feed from an opaque cursor and page through
// it; deletions appear in the feed as bare IDs. Every write is judged per
// record: a write older than the stored version is refused with
// ErrStaleRecord and a write to a deleted ID with ErrRecordDeleted.
package remote

import (
	"context"
	"errors"

	"github.com/rapportapp/rapport/internal/wire"
)

var (
	// ErrUnavailable means the backend cannot be reached or refused service.
	ErrUnavailable = errors.New("remote unavailable")

	// ErrCursorExpired means the cursor no longer identifies a feed
	// position. The client must discard it and fetch everything.
	ErrCursorExpired = errors.New("change cursor expired")

	// ErrStaleRecord is reported for a write whose UpdatedAt is older than
	// the stored version.
	ErrStaleRecord = errors.New("record is older than the stored version")

	// ErrRecordDeleted is reported for a write to an ID that was deleted.
	ErrRecordDeleted = errors.New("record was deleted")

	// ErrNotFound is returned for lookups of unknown IDs.
	ErrNotFound = errors.New("record not found")

	// ErrUnauthorized means the remote rejected the client's credentials.
	ErrUnauthorized = errors.New("remote rejected the credentials")
)

// AccountStatus describes whether sync can run at all.
type AccountStatus string

const (
	StatusAvailable              AccountStatus = "available"
	StatusNoAccount              AccountStatus = "no_account"
	StatusRestricted             AccountStatus = "restricted"
	StatusTemporarilyUnavailable AccountStatus = "temporarily_unavailable"
	StatusCouldNotDetermine      AccountStatus = "could_not_determine"
)

// FetchRequest selects one page of the change feed.
type FetchRequest struct {
	// Cursor is the position returned by the last completed fetch. Empty
	// means from the beginning.
	Cursor string
	// PageToken continues a fetch that reported MoreComing.
	PageToken string
	Limit     int
}

// ChangePage is one page of the change feed.
type ChangePage struct {
	Changed       []wire.Record
	Deleted       []string
	NextPageToken string
	MoreComing    bool
	// Cursor is the position to resume from once every page is applied.
	// Only meaningful on the last page.
	Cursor string
}

// RecordResult is the outcome of one record of an Upsert.
type RecordResult struct {
	ID  string
	Err error
}

// Backend is a remote change feed.
type Backend interface {
	AccountStatus(ctx context.Context) (AccountStatus, error)
	FetchChanges(ctx context.Context, req FetchRequest) (ChangePage, error)
	// Upsert writes records. The returned slice has one result per record,
	// in order; a non-nil error means the whole call failed.
	Upsert(ctx context.Context, records []wire.Record) ([]RecordResult, error)
	// Delete removes id. Deleting an unknown ID is not an error.
	Delete(ctx context.Context, id string) error
	// Subscribe returns a channel signalled whenever the feed may have
	// changed. The channel is closed when ctx ends or the backend closes.
	Subscribe(ctx context.Context) (<-chan struct{}, error)
	Close() error
}

// DefaultPageSize is used when a FetchRequest has no limit.
const DefaultPageSize = 200

// CheckWrite applies the write rules shared by every backend. existing is
// the stored version, if any; tombstoned reports whether id was deleted.
func CheckWrite(rec wire.Record, existing *wire.Record, tombstoned bool) error {
	if tombstoned {
		return ErrRecordDeleted
	}
	if existing != nil && rec.UpdatedAt.Before(existing.UpdatedAt) {
		return ErrStaleRecord
	}
	return nil
}

// Unchanged reports whether writing rec over existing would be a no-op.
// Backends skip such writes so that identical pushes do not grow the feed.
func Unchanged(rec wire.Record, existing *wire.Record) bool {
	return existing != nil && existing.Equal(rec)
}
