package syncengine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapportapp/rapport/internal/model"
	"github.com/rapportapp/rapport/internal/remote"
	"github.com/rapportapp/rapport/internal/remote/memory"
	"github.com/rapportapp/rapport/internal/remote/sqlite"
	"github.com/rapportapp/rapport/internal/store"
	"github.com/rapportapp/rapport/internal/wire"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type countingPusher struct {
	n atomic.Int32
}

func (p *countingPusher) SchedulePush() { p.n.Add(1) }

// device is one store plus its engine, sharing a backend with others.
type device struct {
	store  *store.Store
	engine *Engine
	pusher *countingPusher
}

func setupTestDevice(t *testing.T, backend remote.Backend, start time.Time, opts ...Option) *device {
	t.Helper()
	clock := &testClock{now: start}
	pusher := &countingPusher{}
	st, err := store.Open(t.TempDir(), store.WithClock(clock.Now), store.WithPushRequester(pusher))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return &device{
		store:  st,
		engine: New(st, backend, append([]Option{WithClock(clock.Now)}, opts...)...),
		pusher: pusher,
	}
}

var day = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func personRecord(t *testing.T, id, name string, at time.Time) wire.Record {
	t.Helper()
	rec, err := wire.Encode(&model.Person{
		Meta: model.Meta{ID: id, CreatedAt: at, UpdatedAt: at},
		Name: name,
	})
	require.NoError(t, err)
	return rec
}

func TestTwoDevices(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	a := setupTestDevice(t, backend, day)
	b := setupTestDevice(t, backend, day.Add(time.Hour))

	p, err := a.store.People().Add(ctx, model.Person{Name: "Priya"})
	require.NoError(t, err)
	require.NoError(t, a.engine.Sync(ctx))

	require.NoError(t, b.engine.Sync(ctx))
	got, ok := b.store.People().Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, "Priya", got.Name)
	assert.True(t, got.UpdatedAt.Equal(p.UpdatedAt))

	got.Name = "Priya S."
	_, err = b.store.People().Update(ctx, got)
	require.NoError(t, err)
	require.NoError(t, b.engine.Sync(ctx))

	require.NoError(t, a.engine.Sync(ctx))
	got, ok = a.store.People().Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, "Priya S.", got.Name, "the newer edit wins")

	_, err = a.store.People().Delete(ctx, p.ID)
	require.NoError(t, err)
	assert.Contains(t, a.store.PendingDeletes(), p.ID)
	require.NoError(t, a.engine.Sync(ctx))
	assert.Empty(t, a.store.PendingDeletes())
	_, ok = backend.Record(p.ID)
	assert.False(t, ok, "the delete reached the remote")
	assert.Equal(t, 1, a.engine.Status().Last.DeletesPushed)

	require.NoError(t, b.engine.Sync(ctx))
	_, ok = b.store.People().Get(p.ID)
	assert.False(t, ok, "the other device applies the delete")
	assert.Equal(t, 1, b.engine.Status().Last.Deleted)
}

func TestPullDoesNotRequestPush(t *testing.T) {
	backend := memory.New()
	backend.Put(personRecord(t, "p1", "Ana", day))
	d := setupTestDevice(t, backend, day)

	require.NoError(t, d.engine.Pull(context.Background()))
	assert.Equal(t, 1, d.store.People().Len())
	assert.Zero(t, d.pusher.n.Load())
}

func TestAvailability(t *testing.T) {
	tests := []struct {
		name    string
		status  remote.AccountStatus
		err     error
		message string
		account remote.AccountStatus
	}{
		{"no account", remote.StatusNoAccount, nil, "No remote account", remote.StatusNoAccount},
		{"restricted", remote.StatusRestricted, nil, "Remote account restricted", remote.StatusRestricted},
		{"temporarily unavailable", remote.StatusTemporarilyUnavailable, nil, "Remote temporarily unavailable", remote.StatusTemporarilyUnavailable},
		{"unreachable", "", remote.ErrUnavailable, "Remote temporarily unavailable", remote.StatusTemporarilyUnavailable},
		{"unknown failure", "", errors.New("odd response"), "Could not determine remote account status", remote.StatusCouldNotDetermine},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := memory.New()
			backend.SetAccountStatus(tt.status, tt.err)
			d := setupTestDevice(t, backend, day)
			_, err := d.store.People().Add(context.Background(), model.Person{Name: "Ana"})
			require.NoError(t, err)

			require.NoError(t, d.engine.Sync(context.Background()), "unavailability is not an error")

			st := d.engine.Status()
			assert.Equal(t, PhaseIdle, st.Phase)
			assert.Equal(t, tt.message, st.Message)
			assert.Equal(t, tt.account, st.Account)
			assert.Zero(t, backend.Calls(memory.OpFetch))
			assert.Zero(t, backend.Calls(memory.OpUpsert))
		})
	}
}

func TestBreakerOpens(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	d := setupTestDevice(t, backend, day, WithBreaker(BreakerSettings{MaxFailures: 2, Timeout: time.Hour}))

	for i := 0; i < 2; i++ {
		backend.FailNext(memory.OpAccountStatus, remote.ErrUnavailable)
		require.NoError(t, d.engine.Sync(ctx))
	}
	assert.Equal(t, "open", d.engine.Status().Breaker)

	require.NoError(t, d.engine.Sync(ctx))
	assert.Equal(t, 2, backend.Calls(memory.OpAccountStatus), "an open breaker keeps calls away from the remote")
	assert.Equal(t, remote.StatusTemporarilyUnavailable, d.engine.Status().Account)
}

// failingFetch fails every fetch after the first n.
type failingFetch struct {
	*memory.Backend
	n     atomic.Int32
	after int32
}

func (f *failingFetch) FetchChanges(ctx context.Context, req remote.FetchRequest) (remote.ChangePage, error) {
	if f.n.Add(1) > f.after {
		return remote.ChangePage{}, errors.New("connection dropped")
	}
	return f.Backend.FetchChanges(ctx, req)
}

func TestFailedPullKeepsCursor(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	mem.Put(personRecord(t, "p1", "Ana", day))
	d := setupTestDevice(t, mem, day, WithPageSize(1))
	require.NoError(t, d.engine.Sync(ctx))
	cursor := d.store.Cursor()
	require.NotEmpty(t, cursor)

	mem.Put(personRecord(t, "p2", "Ben", day))
	mem.Put(personRecord(t, "p3", "Cy", day))

	flaky := &failingFetch{Backend: mem, after: 1}
	engine := New(d.store, flaky, WithPageSize(1))
	err := engine.Sync(ctx)
	require.Error(t, err)

	st := engine.Status()
	assert.Equal(t, PhaseError, st.Phase)
	assert.Contains(t, st.LastError, "connection dropped")
	assert.Equal(t, cursor, d.store.Cursor(), "no partial cursor advance")
	assert.Equal(t, 1, d.store.People().Len(), "nothing merged from the aborted pull")

	require.NoError(t, d.engine.Sync(ctx), "the next cycle starts over")
	assert.Equal(t, 3, d.store.People().Len())
	assert.Equal(t, PhaseIdle, d.engine.Status().Phase)
}

func TestRepeatedPullIsIdempotent(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	backend.Put(personRecord(t, "p1", "Ana", day))
	backend.Put(personRecord(t, "p2", "Ben", day))
	d := setupTestDevice(t, backend, day)

	require.NoError(t, d.engine.Pull(ctx))
	first := d.store.Contents()

	// As if the process died between merge and cursor commit.
	require.NoError(t, d.engine.ResetCursor())
	require.NoError(t, d.engine.Pull(ctx))

	assert.Equal(t, first, d.store.Contents())
	last := d.engine.Status().Last
	assert.Zero(t, last.Inserted)
	assert.Zero(t, last.Updated)
	assert.Equal(t, 2, last.Pulled)
}

func TestPullAfterFailedCursorCommit(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	backend.Put(personRecord(t, "p1", "Ana", day))
	backend.Put(personRecord(t, "p2", "Ben", day))
	d := setupTestDevice(t, backend, day)

	require.NoError(t, d.engine.Pull(ctx))
	cursor := d.store.Cursor()
	require.NotEmpty(t, cursor)

	backend.Put(personRecord(t, "p1", "Ana K.", day.Add(time.Hour)))
	backend.Put(personRecord(t, "p3", "Cai", day))

	// A directory in place of the state file makes the cursor commit fail
	// after the merge has been saved.
	statePath := filepath.Join(d.store.Dir(), "sync_state.toml")
	require.NoError(t, os.Remove(statePath))
	require.NoError(t, os.MkdirAll(filepath.Join(statePath, "x"), 0o755))

	err := d.engine.Pull(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to commit cursor")
	assert.Equal(t, cursor, d.store.Cursor())
	merged := d.store.Contents()
	require.Equal(t, 3, d.store.People().Len())

	require.NoError(t, os.RemoveAll(statePath))
	require.NoError(t, d.engine.Pull(ctx))

	assert.Equal(t, merged, d.store.Contents(), "the same batch merges to the same state")
	assert.Equal(t, 3, d.store.People().Len())
	last := d.engine.Status().Last
	assert.Equal(t, 2, last.Pulled, "refetched from the old cursor")
	assert.Zero(t, last.Inserted)
	assert.Zero(t, last.Updated)
	assert.NotEqual(t, cursor, d.store.Cursor())
}

func TestDeleteSurvivesSQLiteCompaction(t *testing.T) {
	ctx := context.Background()
	backend, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "feed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	a := setupTestDevice(t, backend, day)
	b := setupTestDevice(t, backend, day.Add(time.Hour))

	p, err := a.store.People().Add(ctx, model.Person{Name: "Priya"})
	require.NoError(t, err)
	require.NoError(t, a.engine.Sync(ctx))
	require.NoError(t, b.engine.Sync(ctx))
	_, ok := b.store.People().Get(p.ID)
	require.True(t, ok)

	_, err = a.store.People().Delete(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, a.engine.Sync(ctx))

	res, err := backend.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Tombstones)

	// A full refetch must still carry the deletion.
	require.NoError(t, b.engine.FullResync(ctx))
	_, ok = b.store.People().Get(p.ID)
	assert.False(t, ok, "deleted on the other device")

	require.NoError(t, b.engine.Sync(ctx))
	require.NoError(t, a.engine.Sync(ctx))
	_, ok = a.store.People().Get(p.ID)
	assert.False(t, ok, "not recreated on the deleting device")
}

func TestExpiredCursorRefetches(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	backend.Put(personRecord(t, "p1", "Ana", day))
	d := setupTestDevice(t, backend, day)
	require.NoError(t, d.engine.Sync(ctx))
	old := d.store.Cursor()

	backend.Put(personRecord(t, "p2", "Ben", day))
	backend.ExpireCursors()

	require.NoError(t, d.engine.Sync(ctx))
	assert.Equal(t, 2, d.store.People().Len())
	assert.NotEqual(t, old, d.store.Cursor())
}

func TestUndecodableRecordsAreSkipped(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	backend.Put(personRecord(t, "p1", "Ana", day))
	broken := personRecord(t, "p2", "", day)
	backend.Put(broken)
	d := setupTestDevice(t, backend, day)

	require.NoError(t, d.engine.Pull(ctx))
	assert.Equal(t, 1, d.store.People().Len())
	assert.Equal(t, 1, d.engine.Status().Last.DecodeFailures)
	assert.NotEmpty(t, d.store.Cursor(), "the cursor still advances")
}

func TestPushRules(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	d := setupTestDevice(t, backend, day, WithPushBatchSize(2))
	require.NoError(t, d.store.EnsureDefaultTemplates(ctx))

	var ids []string
	for _, name := range []string{"Ana", "Ben", "Cy"} {
		p, err := d.store.People().Add(ctx, model.Person{Name: name})
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	backend.RejectRecord(ids[1], errors.New("quota"))

	require.NoError(t, d.engine.Push(ctx), "per-record failures are not fatal")
	assert.Equal(t, 2, backend.Len(), "built-in templates stay local")
	assert.Equal(t, 2, backend.Calls(memory.OpUpsert), "three records in batches of two")
	last := d.engine.Status().Last
	assert.Equal(t, 2, last.Pushed)
	assert.Equal(t, 1, last.PushFailures)
}

func TestFailedDeleteStaysQueued(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	d := setupTestDevice(t, backend, day)
	p, err := d.store.People().Add(ctx, model.Person{Name: "Ana"})
	require.NoError(t, err)
	require.NoError(t, d.engine.Sync(ctx))
	_, err = d.store.People().Delete(ctx, p.ID)
	require.NoError(t, err)

	backend.FailNext(memory.OpDelete, remote.ErrUnavailable)
	require.Error(t, d.engine.Sync(ctx))
	assert.Equal(t, []string{p.ID}, d.store.PendingDeletes())

	require.NoError(t, d.engine.Sync(ctx))
	assert.Empty(t, d.store.PendingDeletes())
	assert.Zero(t, backend.Len())
}

// blockingBackend parks AccountStatus until released.
type blockingBackend struct {
	*memory.Backend
	entered chan struct{}
	release chan struct{}
}

func (b *blockingBackend) AccountStatus(ctx context.Context) (remote.AccountStatus, error) {
	close(b.entered)
	<-b.release
	return b.Backend.AccountStatus(ctx)
}

func TestConcurrentSyncRejected(t *testing.T) {
	ctx := context.Background()
	backend := &blockingBackend{
		Backend: memory.New(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	d := setupTestDevice(t, backend, day)

	done := make(chan error, 1)
	go func() { done <- d.engine.Sync(ctx) }()

	<-backend.entered
	assert.True(t, d.engine.Running())
	assert.ErrorIs(t, d.engine.Sync(ctx), ErrSyncInProgress)
	assert.ErrorIs(t, d.engine.ResetCursor(), ErrSyncInProgress)

	close(backend.release)
	require.NoError(t, <-done)
	assert.False(t, d.engine.Running())
}

func TestFullResync(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	backend.Put(personRecord(t, "p1", "Ana", day))
	d := setupTestDevice(t, backend, day)
	require.NoError(t, d.engine.Sync(ctx))

	_, err := d.store.Delete(ctx, model.KindPerson, "p1")
	require.NoError(t, err)
	require.NoError(t, d.store.ConfirmDeletes("p1"))
	require.Equal(t, 0, d.store.People().Len())

	require.NoError(t, d.engine.FullResync(ctx))
	assert.Equal(t, 1, d.store.People().Len(), "a full resync restores what the remote still has")
}
