// Package remotetest holds behaviour tests shared by every remote.Backend
// implementation.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapportapp/rapport/internal/model"
	"github.com/rapportapp/rapport/internal/remote"
	"github.com/rapportapp/rapport/internal/wire"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) remote.Backend

var epoch = time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)

// Rec builds a person record updated at epoch+offset.
func Rec(id string, offset time.Duration) wire.Record {
	return wire.Record{
		Type:      model.KindPerson,
		ID:        id,
		UpdatedAt: epoch.Add(offset),
		Fields: map[string]string{
			"name":       "Person " + id,
			"created_at": epoch.Format(time.RFC3339Nano),
		},
	}
}

// Run executes the shared suite.
func Run(t *testing.T, newBackend Factory) {
	t.Run("AccountAvailable", func(t *testing.T) { testAccountAvailable(t, newBackend) })
	t.Run("PagedFetch", func(t *testing.T) { testPagedFetch(t, newBackend) })
	t.Run("IncrementalFetch", func(t *testing.T) { testIncrementalFetch(t, newBackend) })
	t.Run("WriteRules", func(t *testing.T) { testWriteRules(t, newBackend) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newBackend) })
	t.Run("Subscribe", func(t *testing.T) { testSubscribe(t, newBackend) })
}

func open(t *testing.T, newBackend Factory) remote.Backend {
	t.Helper()
	b := newBackend(t)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func upsertOK(t *testing.T, b remote.Backend, recs ...wire.Record) {
	t.Helper()
	results, err := b.Upsert(context.Background(), recs)
	require.NoError(t, err)
	require.Len(t, results, len(recs))
	for _, r := range results {
		require.NoError(t, r.Err, r.ID)
	}
}

// FetchAll pages through the feed from cursor and returns everything seen
// plus the final cursor.
func FetchAll(t *testing.T, b remote.Backend, cursor string, limit int) ([]wire.Record, []string, string) {
	t.Helper()
	var changed []wire.Record
	var deleted []string
	token := ""
	for i := 0; i < 1000; i++ {
		page, err := b.FetchChanges(context.Background(), remote.FetchRequest{Cursor: cursor, PageToken: token, Limit: limit})
		require.NoError(t, err)
		changed = append(changed, page.Changed...)
		deleted = append(deleted, page.Deleted...)
		if !page.MoreComing {
			return changed, deleted, page.Cursor
		}
		require.NotEmpty(t, page.NextPageToken)
		token = page.NextPageToken
	}
	t.Fatal("fetch did not terminate")
	return nil, nil, ""
}

func ids(recs []wire.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func testAccountAvailable(t *testing.T, newBackend Factory) {
	b := open(t, newBackend)
	status, err := b.AccountStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, remote.StatusAvailable, status)
}

func testPagedFetch(t *testing.T, newBackend Factory) {
	b := open(t, newBackend)
	var recs []wire.Record
	for i := 0; i < 5; i++ {
		recs = append(recs, Rec(fmt.Sprintf("p%d", i), time.Duration(i)*time.Second))
	}
	upsertOK(t, b, recs...)

	first, err := b.FetchChanges(context.Background(), remote.FetchRequest{Limit: 2})
	require.NoError(t, err)
	assert.True(t, first.MoreComing)
	assert.Len(t, first.Changed, 2)

	changed, _, cursor := FetchAll(t, b, "", 2)
	assert.ElementsMatch(t, ids(recs), ids(changed))
	assert.NotEmpty(t, cursor)

	for _, got := range changed {
		var want wire.Record
		for _, r := range recs {
			if r.ID == got.ID {
				want = r
			}
		}
		assert.True(t, want.Equal(got), "record %s round-trips", got.ID)
	}
}

func testIncrementalFetch(t *testing.T, newBackend Factory) {
	b := open(t, newBackend)
	upsertOK(t, b, Rec("a", 0), Rec("b", 0))
	_, _, cursor := FetchAll(t, b, "", 10)

	changed, deleted, same := FetchAll(t, b, cursor, 10)
	assert.Empty(t, changed)
	assert.Empty(t, deleted)
	assert.Equal(t, cursor, same, "an empty fetch keeps the cursor")

	upsertOK(t, b, Rec("b", time.Minute))
	changed, _, next := FetchAll(t, b, cursor, 10)
	assert.Equal(t, []string{"b"}, ids(changed))
	assert.NotEqual(t, cursor, next)
}

func testWriteRules(t *testing.T, newBackend Factory) {
	b := open(t, newBackend)
	upsertOK(t, b, Rec("a", time.Minute))

	results, err := b.Upsert(context.Background(), []wire.Record{
		Rec("a", 0),
		Rec("a", time.Minute),
		Rec("fresh", 0),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, errors.Is(results[0].Err, remote.ErrStaleRecord), "older write is refused: %v", results[0].Err)
	assert.NoError(t, results[1].Err, "same timestamp is accepted")
	assert.NoError(t, results[2].Err, "other records are independent")
}

func testDelete(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	b := open(t, newBackend)
	upsertOK(t, b, Rec("a", 0), Rec("b", 0))
	_, _, cursor := FetchAll(t, b, "", 10)

	require.NoError(t, b.Delete(ctx, "a"))
	require.NoError(t, b.Delete(ctx, "a"), "delete is idempotent")
	require.NoError(t, b.Delete(ctx, "never-written"))

	changed, deleted, _ := FetchAll(t, b, cursor, 10)
	assert.Empty(t, changed)
	assert.Equal(t, []string{"a"}, deleted)

	results, err := b.Upsert(ctx, []wire.Record{Rec("a", time.Hour)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, errors.Is(results[0].Err, remote.ErrRecordDeleted), "write to deleted id: %v", results[0].Err)
}

func testSubscribe(t *testing.T, newBackend Factory) {
	b := open(t, newBackend)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx)
	require.NoError(t, err)

	upsertOK(t, b, Rec("a", 0))

	select {
	case _, ok := <-ch:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("no change signal")
	}
}
