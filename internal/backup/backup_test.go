package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapportapp/rapport/internal/model"
	"github.com/rapportapp/rapport/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// populate adds one record of most kinds and returns the person.
func populate(t *testing.T, st *store.Store) model.Person {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.EnsureDefaultTemplates(ctx))

	p, err := st.People().Add(ctx, model.Person{Name: "Ana", IsDirectReport: true})
	require.NoError(t, err)
	m, err := st.Meetings().Add(ctx, model.Meeting{
		Title:       "1:1",
		Date:        time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC),
		AttendeeIDs: []string{p.ID},
		ActionItems: []model.ActionItem{{ID: "ai1", Title: "Write plan", OwnerID: p.ID}},
	})
	require.NoError(t, err)
	_, err = st.Goals().Add(ctx, model.Goal{PersonID: p.ID, Title: "Lead a project", Status: model.GoalInProgress})
	require.NoError(t, err)
	_, err = st.CareerProfiles().Set(ctx, model.CareerProfile{PersonID: p.ID, CurrentLevel: "L4"})
	require.NoError(t, err)
	_, err = st.Sentiments().Add(ctx, model.SentimentEntry{PersonID: p.ID, Score: 4, MeetingID: m.ID})
	require.NoError(t, err)
	return p
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := setupTestStore(t)
	populate(t, src)

	var buf bytes.Buffer
	require.NoError(t, Export(src, &buf))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &raw))
	assert.Equal(t, FormatVersion, raw["version"])
	assert.NotContains(t, buf.String(), "builtin-weekly-1on1", "built-in templates are not exported")

	dst := setupTestStore(t)
	res, err := Import(ctx, dst, &buf)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Added)
	assert.Zero(t, res.Skipped)

	assert.Equal(t, src.People().List(), dst.People().List())
	assert.Equal(t, src.Meetings().List(), dst.Meetings().List())
	assert.Equal(t, src.CareerProfiles().All(), dst.CareerProfiles().All())
	assert.Equal(t, src.Sentiments().All(), dst.Sentiments().All())
}

func TestImportNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	p := populate(t, st)

	var buf bytes.Buffer
	require.NoError(t, Export(st, &buf))

	p.Name = "Ana (edited)"
	_, err := st.People().Update(ctx, p)
	require.NoError(t, err)

	res, err := Import(ctx, st, &buf)
	require.NoError(t, err)
	assert.Zero(t, res.Added)
	assert.Equal(t, 5, res.Skipped)

	got, ok := st.People().Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, "Ana (edited)", got.Name)
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		version string
		wantErr bool
	}{
		{FormatVersion, false},
		{"v1.0.0", false},
		{"1.5.3", false},
		{"v0.9.0", false},
		{"v2.0.0", true},
		{"", true},
		{"latest", true},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			err := CheckVersion(tt.version)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrIncompatibleVersion)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestImportRefusesNewerMajor(t *testing.T) {
	st := setupTestStore(t)
	_, err := Import(context.Background(), st, strings.NewReader(`{"version":"v3.0.0","people":[{"id":"p1","name":"X"}]}`))
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
	assert.Zero(t, st.People().Len())
}

func TestWriteBackupRetention(t *testing.T) {
	st := setupTestStore(t)
	populate(t, st)
	dir := t.TempDir()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var paths []string
	for i := 0; i < 13; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		path, err := WriteBackup(st, dir, WithClock(func() time.Time { return at }), WithRetention(0))
		require.NoError(t, err)
		require.NoError(t, os.Chtimes(path, at, at))
		paths = append(paths, path)
	}
	assert.Equal(t, "rapport-backup-20250601-120000.000.json", filepath.Base(paths[0]))

	removed, err := Cleanup(dir, DefaultRetention)
	require.NoError(t, err)
	assert.ElementsMatch(t, paths[:3], removed)

	list, err := List(dir)
	require.NoError(t, err)
	require.Len(t, list, DefaultRetention)
	assert.Equal(t, paths[12], list[0].Path, "newest first")

	res, err := ImportFile(context.Background(), setupTestStore(t), list[0].Path)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Added)
}

func TestWriteBackupSameInstant(t *testing.T) {
	st := setupTestStore(t)
	populate(t, st)
	dir := t.TempDir()
	clock := WithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 250e6, time.UTC) })

	first, err := WriteBackup(st, dir, clock)
	require.NoError(t, err)
	second, err := WriteBackup(st, dir, clock)
	require.NoError(t, err)

	assert.Equal(t, "rapport-backup-20250601-120000.250.json", filepath.Base(first))
	assert.Equal(t, "rapport-backup-20250601-120000.250-1.json", filepath.Base(second))
	list, err := List(dir)
	require.NoError(t, err)
	assert.Len(t, list, 2, "neither backup overwrote the other")

	later, err := WriteBackup(st, dir, WithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 251e6, time.UTC) }))
	require.NoError(t, err)
	assert.Equal(t, "rapport-backup-20250601-120000.251.json", filepath.Base(later), "milliseconds tell backups apart")
}

func TestListMissingDir(t *testing.T) {
	list, err := List(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMirror(t *testing.T) {
	st := setupTestStore(t)
	path := filepath.Join(t.TempDir(), "mirror.json")
	m := NewMirror(st, path, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err := st.People().Add(context.Background(), model.Person{Name: "Mirrored"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && strings.Contains(string(data), "Mirrored")
	}, 2*time.Second, 10*time.Millisecond)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o444), fi.Mode().Perm())

	cancel()
	require.NoError(t, <-done)
}
