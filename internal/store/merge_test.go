package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapportapp/rapport/internal/model"
)

func remotePerson(id, name string, updated time.Time) *model.Person {
	return &model.Person{
		Meta: model.Meta{ID: id, CreatedAt: updated, UpdatedAt: updated},
		Name: name,
	}
}

func TestApplyRemote_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	s, _, pusher := setupTestStore(t)
	t0 := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

	res, err := s.ApplyRemote(ctx, []model.Entity{remotePerson("p1", "Ada", t0)}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, []model.Kind{model.KindPerson}, res.Kinds)

	tests := []struct {
		name     string
		incoming *model.Person
		wantName string
		skipped  bool
	}{
		{"older loses", remotePerson("p1", "Older", t0.Add(-time.Minute)), "Ada", true},
		{"equal timestamp keeps local", remotePerson("p1", "Tie", t0), "Ada", true},
		{"newer wins", remotePerson("p1", "Newer", t0.Add(time.Minute)), "Newer", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.ApplyRemote(ctx, []model.Entity{tt.incoming}, nil)
			require.NoError(t, err)
			if tt.skipped {
				assert.Equal(t, 1, res.Skipped)
			} else {
				assert.Equal(t, 1, res.Updated)
			}
			got, ok := s.People().Get("p1")
			require.True(t, ok)
			assert.Equal(t, tt.wantName, got.Name)
		})
	}

	assert.Zero(t, pusher.n.Load(), "remote merges never request a push")
}

func TestApplyRemote_Idempotent(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setupTestStore(t)
	t0 := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

	batch := []model.Entity{
		remotePerson("p1", "Ada", t0),
		&model.Goal{Meta: model.Meta{ID: "g1", CreatedAt: t0, UpdatedAt: t0}, Title: "Ship"},
	}
	_, err := s.ApplyRemote(ctx, batch, []string{"unknown"})
	require.NoError(t, err)
	first := s.Contents()

	res, err := s.ApplyRemote(ctx, batch, []string{"unknown"})
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Equal(t, first, s.Contents())
}

func TestApplyRemote_DeletesAcrossCollections(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setupTestStore(t)

	p, err := s.People().Add(ctx, model.Person{Name: "Ada"})
	require.NoError(t, err)
	o, err := s.Objectives().Add(ctx, model.Objective{Title: "Grow"})
	require.NoError(t, err)
	e, err := s.Sentiments().Add(ctx, model.SentimentEntry{PersonID: p.ID, Score: 3})
	require.NoError(t, err)

	ch, cancel := s.Subscribe()
	defer cancel()

	res, err := s.ApplyRemote(ctx, nil, []string{o.ID, e.ID, "never-existed"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Deleted)

	_, ok := s.Objectives().Get(o.ID)
	assert.False(t, ok)
	assert.Empty(t, s.Sentiments().ForPerson(p.ID))
	_, ok = s.People().Get(p.ID)
	assert.True(t, ok)

	c := <-ch
	assert.Equal(t, OriginRemote, c.Origin)
	assert.Empty(t, s.PendingDeletes(), "remote deletions are not queued for push")
}

func TestApplyRemote_DoesNotResurrectPendingDeletes(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setupTestStore(t)

	p, err := s.People().Add(ctx, model.Person{Name: "Ada"})
	require.NoError(t, err)
	_, err = s.People().Delete(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, []string{p.ID}, s.PendingDeletes())

	stale := remotePerson(p.ID, "Ada", p.UpdatedAt.Add(time.Hour))
	res, err := s.ApplyRemote(ctx, []model.Entity{stale}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	_, ok := s.People().Get(p.ID)
	assert.False(t, ok)

	// The remote reports the delete itself: the outbox entry is settled.
	_, err = s.ApplyRemote(ctx, nil, []string{p.ID})
	require.NoError(t, err)
	assert.Empty(t, s.PendingDeletes())
}

func TestApplyRemote_CareerProfileKeyedByPerson(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setupTestStore(t)

	local, err := s.CareerProfiles().Set(ctx, model.CareerProfile{PersonID: "p1", CurrentLevel: "L3"})
	require.NoError(t, err)

	later := local.UpdatedAt.Add(time.Hour)
	incoming := &model.CareerProfile{
		Meta:         model.Meta{ID: "other-device-id", CreatedAt: later, UpdatedAt: later},
		PersonID:     "p1",
		CurrentLevel: "L5",
	}
	_, err = s.ApplyRemote(ctx, []model.Entity{incoming}, nil)
	require.NoError(t, err)

	all := s.CareerProfiles().All()
	require.Len(t, all, 1)
	assert.Equal(t, "other-device-id", all["p1"].ID)
	assert.Equal(t, "L5", all["p1"].CurrentLevel)
}

func TestImportSnapshot_NonDestructive(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setupTestStore(t)

	p, err := s.People().Add(ctx, model.Person{Name: "Local Ada"})
	require.NoError(t, err)

	t0 := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	snapshot := Contents{
		People: []model.Person{
			*remotePerson(p.ID, "Imported Ada", t0),
			*remotePerson("p2", "Bob", t0),
		},
		Goals: []model.Goal{{Title: "missing meta"}},
		Sentiments: map[string][]model.SentimentEntry{
			"p2": {{Meta: model.Meta{ID: "s1", CreatedAt: t0, UpdatedAt: t0}, Score: 5}},
		},
	}

	res, err := s.ImportSnapshot(ctx, snapshot)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Invalid)

	got, _ := s.People().Get(p.ID)
	assert.Equal(t, "Local Ada", got.Name, "existing records are never overwritten")
	bob, ok := s.People().Get("p2")
	require.True(t, ok)
	assert.True(t, bob.UpdatedAt.Equal(t0), "imported records keep their timestamps")
	assert.Len(t, s.Sentiments().ForPerson("p2"), 1)
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	s, _, _ := setupTestStore(t)
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	ada, _ := s.People().Add(ctx, model.Person{Name: "Ada", IsDirectReport: true})
	_, _ = s.People().Add(ctx, model.Person{Name: "Zed"})
	for i := 0; i < 3; i++ {
		_, err := s.Meetings().Add(ctx, model.Meeting{
			Title:       "1:1",
			Date:        base.AddDate(0, 0, 7*i),
			AttendeeIDs: []string{ada.ID},
			ActionItems: []model.ActionItem{{ID: model.NewID(), Title: "task", Done: i == 0}},
		})
		require.NoError(t, err)
	}
	for _, score := range []int{1, 3, 5} {
		_, err := s.Sentiments().Add(ctx, model.SentimentEntry{PersonID: ada.ID, Score: score, Date: base.AddDate(0, 0, score)})
		require.NoError(t, err)
	}

	reports := s.DirectReports()
	require.Len(t, reports, 1)
	assert.Equal(t, "Ada", reports[0].Name)

	meetings := s.MeetingsForPerson(ada.ID)
	require.Len(t, meetings, 3)
	assert.True(t, meetings[0].Date.After(meetings[2].Date))

	upcoming := s.UpcomingMeetings(base.AddDate(0, 0, 1), 1)
	require.Len(t, upcoming, 1)
	assert.True(t, upcoming[0].Date.Equal(base.AddDate(0, 0, 7)))

	assert.Len(t, s.OpenActionItems(), 2)

	trend, ok := s.SentimentTrend(ada.ID, 2)
	require.True(t, ok)
	assert.InDelta(t, 4.0, trend, 1e-9)
	_, ok = s.SentimentTrend("nobody", 2)
	assert.False(t, ok)
}
