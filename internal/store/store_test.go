package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapportapp/rapport/internal/model"
)

// testClock returns strictly increasing times, one second apart.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type countingPusher struct {
	n atomic.Int32
}

func (p *countingPusher) SchedulePush() { p.n.Add(1) }

func setupTestStore(t *testing.T) (*Store, *testClock, *countingPusher) {
	t.Helper()
	clock := newTestClock()
	pusher := &countingPusher{}
	s, err := Open(t.TempDir(), WithClock(clock.Now), WithPushRequester(pusher))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock, pusher
}

func TestOpen_EmptyDirectory(t *testing.T) {
	s, _, _ := setupTestStore(t)
	for _, kind := range model.AllKinds {
		assert.Zero(t, s.Count(kind), kind)
	}
	assert.Empty(t, s.Cursor())
	assert.Empty(t, s.PendingDeletes())
}

func TestTable_AddUpdatePersist(t *testing.T) {
	ctx := context.Background()
	s, _, pusher := setupTestStore(t)

	p, err := s.People().Add(ctx, model.Person{Name: "Ada", Role: "Engineer"})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
	assert.False(t, p.CreatedAt.IsZero())
	assert.Equal(t, int32(1), pusher.n.Load())

	before := p.UpdatedAt
	p.Role = "Staff Engineer"
	found, err := s.People().Update(ctx, p)
	require.NoError(t, err)
	assert.True(t, found)

	got, ok := s.People().Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, "Staff Engineer", got.Role)
	assert.True(t, got.UpdatedAt.After(before))

	// A fresh store over the same directory sees the same data.
	reopened, err := Open(s.Dir())
	require.NoError(t, err)
	got, ok = reopened.People().Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, "Staff Engineer", got.Role)
	assert.True(t, got.CreatedAt.Equal(p.CreatedAt))
}

func TestTable_AddRejectsInvalidAndDuplicate(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setupTestStore(t)

	_, err := s.People().Add(ctx, model.Person{})
	assert.Error(t, err)

	p, err := s.People().Add(ctx, model.Person{Name: "Ada"})
	require.NoError(t, err)
	_, err = s.People().Add(ctx, model.Person{Meta: model.Meta{ID: p.ID}, Name: "Other"})
	assert.ErrorIs(t, err, ErrExists)
	assert.Equal(t, 1, s.People().Len())
}

func TestTable_UpdateUnknownIsSilent(t *testing.T) {
	s, _, pusher := setupTestStore(t)

	found, err := s.Goals().Update(context.Background(), model.Goal{Meta: model.Meta{ID: "missing"}, Title: "x"})
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, pusher.n.Load())
}

func TestTable_UpdateAdvancesPastClockSkew(t *testing.T) {
	ctx := context.Background()
	s, clock, _ := setupTestStore(t)

	g, err := s.Goals().Add(ctx, model.Goal{Title: "Ship"})
	require.NoError(t, err)

	clock.Set(g.UpdatedAt.Add(-time.Hour))
	g.Title = "Ship v2"
	_, err = s.Goals().Update(ctx, g)
	require.NoError(t, err)

	got, _ := s.Goals().Get(g.ID)
	assert.True(t, got.UpdatedAt.After(g.UpdatedAt))
}

func TestDelete_CascadesPerson(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setupTestStore(t)

	ada, err := s.People().Add(ctx, model.Person{Name: "Ada"})
	require.NoError(t, err)
	bob, err := s.People().Add(ctx, model.Person{Name: "Bob"})
	require.NoError(t, err)

	m, err := s.Meetings().Add(ctx, model.Meeting{
		Title:       "Sync",
		Date:        time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC),
		AttendeeIDs: []string{ada.ID, bob.ID},
		ActionItems: []model.ActionItem{{ID: "a1", Title: "Follow up", OwnerID: ada.ID}},
	})
	require.NoError(t, err)
	profile, err := s.CareerProfiles().Set(ctx, model.CareerProfile{PersonID: ada.ID, CurrentLevel: "L4"})
	require.NoError(t, err)
	entry, err := s.Sentiments().Add(ctx, model.SentimentEntry{PersonID: ada.ID, Score: 4})
	require.NoError(t, err)

	found, err := s.People().Delete(ctx, ada.ID)
	require.NoError(t, err)
	require.True(t, found)

	_, ok := s.People().Get(ada.ID)
	assert.False(t, ok)

	got, ok := s.Meetings().Get(m.ID)
	require.True(t, ok)
	assert.Equal(t, []string{bob.ID}, got.AttendeeIDs)
	assert.Empty(t, got.ActionItems[0].OwnerID)
	assert.True(t, got.UpdatedAt.After(m.UpdatedAt), "cascade must stamp touched records")

	_, ok = s.CareerProfiles().Get(ada.ID)
	assert.False(t, ok)
	assert.Empty(t, s.Sentiments().ForPerson(ada.ID))

	assert.ElementsMatch(t, []string{ada.ID, profile.ID, entry.ID}, s.PendingDeletes())

	// Deleting again is a no-op.
	found, err = s.People().Delete(ctx, ada.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDelete_MeetingClearsRecordingAndGoalLinks(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setupTestStore(t)

	m, err := s.Meetings().Add(ctx, model.Meeting{Title: "Sync", Date: time.Now()})
	require.NoError(t, err)
	r, err := s.Recordings().Add(ctx, model.Recording{MeetingID: m.ID, FilePath: "/tmp/a.m4a"})
	require.NoError(t, err)
	g, err := s.Goals().Add(ctx, model.Goal{Title: "Grow", RelatedMeetingIDs: []string{m.ID}})
	require.NoError(t, err)

	_, err = s.Meetings().Delete(ctx, m.ID)
	require.NoError(t, err)

	gotRec, _ := s.Recordings().Get(r.ID)
	assert.Empty(t, gotRec.MeetingID)
	gotGoal, _ := s.Goals().Get(g.ID)
	assert.Empty(t, gotGoal.RelatedMeetingIDs)
}

func TestOpen_QuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "people.json"), []byte("{not json"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "goals.json"),
		[]byte(`[{"id":"g1","title":"Keep","created_at":"2025-01-01T00:00:00Z","updated_at":"2025-01-01T00:00:00Z"}]`), 0o600))

	s, err := Open(dir)
	require.NoError(t, err)

	assert.Zero(t, s.People().Len())
	assert.Equal(t, 1, s.Goals().Len(), "other collections still load")

	quarantined, err := s.Quarantined()
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	assert.Contains(t, filepath.Base(quarantined[0]), "people.json.corrupt-")

	_, err = os.Stat(filepath.Join(dir, "people.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestMutate_SaveFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setupTestStore(t)

	// A directory in place of the collection file makes the rename fail.
	blocker := filepath.Join(s.Dir(), "people.json")
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "x"), 0o755))

	_, err := s.People().Add(ctx, model.Person{Name: "Ada"})
	require.Error(t, err)
	assert.Zero(t, s.People().Len(), "memory must mirror disk")

	_, err = s.Goals().Add(ctx, model.Goal{Title: "Unaffected"})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Goals().Len())
}

func TestCursor_PersistsAcrossReopen(t *testing.T) {
	s, _, _ := setupTestStore(t)
	at := time.Date(2025, 3, 3, 3, 3, 3, 0, time.UTC)

	require.NoError(t, s.CommitCursor("42", at))

	reopened, err := Open(s.Dir())
	require.NoError(t, err)
	assert.Equal(t, "42", reopened.Cursor())
	assert.True(t, reopened.LastSync().Equal(at))

	require.NoError(t, reopened.ResetCursor())
	assert.Empty(t, reopened.Cursor())
}

func TestSubscribe_ReceivesOrigin(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setupTestStore(t)

	ch, cancel := s.Subscribe()
	defer cancel()

	_, err := s.Objectives().Add(ctx, model.Objective{Title: "Grow team"})
	require.NoError(t, err)

	select {
	case c := <-ch:
		assert.Equal(t, OriginLocal, c.Origin)
		assert.True(t, c.Has(model.KindObjective))
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}

	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestCareerProfiles_SetKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setupTestStore(t)

	first, err := s.CareerProfiles().Set(ctx, model.CareerProfile{PersonID: "p1", CurrentLevel: "L3"})
	require.NoError(t, err)
	second, err := s.CareerProfiles().Set(ctx, model.CareerProfile{PersonID: "p1", CurrentLevel: "L4"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, s.CareerProfiles().All(), 1)
	got, ok := s.CareerProfiles().Get("p1")
	require.True(t, ok)
	assert.Equal(t, "L4", got.CurrentLevel)

	found, err := s.CareerProfiles().Delete(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{first.ID}, s.PendingDeletes())
}

func TestEnsureDefaultTemplates(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setupTestStore(t)

	require.NoError(t, s.EnsureDefaultTemplates(ctx))
	require.NoError(t, s.EnsureDefaultTemplates(ctx))
	assert.Equal(t, len(model.DefaultTemplates()), s.Templates().Len())

	for _, e := range s.PushableEntities() {
		assert.NotEqual(t, model.KindTemplate, e.EntityKind(), "built-in templates are never pushed")
	}
}

func TestFind_SearchesEveryKind(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setupTestStore(t)

	p, err := s.People().Add(ctx, model.Person{Name: "Ada"})
	require.NoError(t, err)
	o, err := s.Objectives().Add(ctx, model.Objective{Title: "Grow"})
	require.NoError(t, err)

	got, ok := s.Find(p.ID)
	require.True(t, ok)
	assert.Equal(t, model.KindPerson, got.EntityKind())

	got, ok = s.Find(o.ID)
	require.True(t, ok)
	assert.Equal(t, model.KindObjective, got.EntityKind())

	_, ok = s.Find("missing")
	assert.False(t, ok)
}

func TestObjectiveProgress(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setupTestStore(t)

	half, err := s.Objectives().Add(ctx, model.Objective{Title: "Hire", KeyResults: []model.KeyResult{
		{ID: "k1", Title: "Engineers", Target: 4, Current: 2},
	}})
	require.NoError(t, err)
	empty, err := s.Objectives().Add(ctx, model.Objective{Title: "Later"})
	require.NoError(t, err)

	progress := s.ObjectiveProgress()
	assert.Len(t, progress, 2)
	assert.InDelta(t, 0.5, progress[half.ID], 1e-9)
	assert.Zero(t, progress[empty.ID])
}
