package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapportapp/rapport/internal/remote"
	"github.com/rapportapp/rapport/internal/remote/remotetest"
	"github.com/rapportapp/rapport/internal/wire"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "feed.db")
}

func openTestBackend(t *testing.T, path string) *Backend {
	t.Helper()
	b, err := Open(context.Background(), path)
	require.NoError(t, err)
	return b
}

func TestBackendSuite(t *testing.T) {
	remotetest.Run(t, func(t *testing.T) remote.Backend {
		return openTestBackend(t, testDBPath(t))
	})
}

func TestOpen_SchemaIdempotent(t *testing.T) {
	path := testDBPath(t)
	b := openTestBackend(t, path)
	require.NoError(t, b.initSchema(context.Background()))

	for _, table := range []string{"records", "feed_meta"} {
		var count int
		err := b.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, table)
	}
	require.NoError(t, b.Close())
}

func TestData_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := testDBPath(t)

	b := openTestBackend(t, path)
	_, err := b.Upsert(ctx, []wire.Record{remotetest.Rec("a", 0)})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b = openTestBackend(t, path)
	defer b.Close()
	changed, _, _ := remotetest.FetchAll(t, b, "", 10)
	require.Len(t, changed, 1)
	assert.Equal(t, "a", changed[0].ID)
}

func TestCompact_KeepsTombstones(t *testing.T) {
	ctx := context.Background()
	b := openTestBackend(t, testDBPath(t))
	defer b.Close()

	_, err := b.Upsert(ctx, []wire.Record{remotetest.Rec("a", 0), remotetest.Rec("b", 0)})
	require.NoError(t, err)
	_, _, before := remotetest.FetchAll(t, b, "", 10)
	require.NoError(t, b.Delete(ctx, "a"))

	res, err := b.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Tombstones)
	assert.Positive(t, res.SizeAfter)

	_, deleted, _ := remotetest.FetchAll(t, b, before, 10)
	assert.Equal(t, []string{"a"}, deleted, "old cursors stay valid")

	changed, deleted, _ := remotetest.FetchAll(t, b, "", 10)
	require.Len(t, changed, 1)
	assert.Equal(t, "b", changed[0].ID)
	assert.Equal(t, []string{"a"}, deleted, "a full fetch still reports the deletion")

	results, err := b.Upsert(ctx, []wire.Record{remotetest.Rec("a", time.Hour)})
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, remote.ErrRecordDeleted)
}

func TestFetch_CursorAheadOfFeedExpires(t *testing.T) {
	b := openTestBackend(t, testDBPath(t))
	defer b.Close()

	_, err := b.FetchChanges(context.Background(), remote.FetchRequest{Cursor: "42"})
	assert.ErrorIs(t, err, remote.ErrCursorExpired)
}

func TestSubscribe_SeesOtherHandle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	path := testDBPath(t)

	reader := openTestBackend(t, path)
	defer reader.Close()
	writer := openTestBackend(t, path)
	defer writer.Close()

	ch, err := reader.Subscribe(ctx)
	require.NoError(t, err)

	_, err = writer.Upsert(ctx, []wire.Record{remotetest.Rec("a", 0)})
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("write through another handle was not observed")
	}
}
