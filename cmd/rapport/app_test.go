package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rapportapp/rapport/internal/config"
	"github.com/rapportapp/rapport/internal/model"
	"github.com/rapportapp/rapport/internal/remote"
	"github.com/rapportapp/rapport/internal/remote/sqlite"
)

func setupTestConfig(t *testing.T, kind string) {
	t.Helper()
	dir := t.TempDir()
	c := config.DefaultConfig()
	c.DataDir = filepath.Join(dir, "data")
	c.Backup.Dir = filepath.Join(dir, "backups")
	c.Remote.Kind = kind
	c.Remote.Path = filepath.Join(dir, "remote.db")

	prevCfg, prevLogger, prevNoSync := cfg, logger, noSync
	cfg, logger, noSync = c, zap.NewNop(), false
	t.Cleanup(func() { cfg, logger, noSync = prevCfg, prevLogger, prevNoSync })
}

func TestOpenBackend_None(t *testing.T) {
	setupTestConfig(t, config.RemoteNone)
	b, err := openBackend(context.Background(), cfg, logger)
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestOpenBackend_Unknown(t *testing.T) {
	setupTestConfig(t, "carrier-pigeon")
	_, err := openBackend(context.Background(), cfg, logger)
	assert.Error(t, err)
}

func TestOpenApp_LocalOnly(t *testing.T) {
	setupTestConfig(t, config.RemoteNone)
	ctx := context.Background()

	a, err := openApp(ctx)
	require.NoError(t, err)
	assert.Error(t, a.requireRemote())
	assert.NotZero(t, a.store.Templates().Len(), "default templates are seeded")

	_, err = a.store.People().Add(ctx, model.Person{Name: "Ada"})
	require.NoError(t, err)
	require.NoError(t, a.Close())
}

func TestApp_CloseFlushesToRemote(t *testing.T) {
	setupTestConfig(t, config.RemoteSQLite)
	ctx := context.Background()

	err := withApp(ctx, func(a *app) error {
		require.NoError(t, a.requireRemote())
		_, err := a.store.People().Add(ctx, model.Person{Name: "Grace"})
		return err
	})
	require.NoError(t, err)

	b, err := sqlite.Open(ctx, cfg.Remote.Path)
	require.NoError(t, err)
	defer b.Close()
	st, err := b.AccountStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, remote.StatusAvailable, st)

	page, err := b.FetchChanges(ctx, remote.FetchRequest{Limit: 1000})
	require.NoError(t, err)
	var people []string
	for _, rec := range page.Changed {
		if rec.Type == model.KindPerson {
			people = append(people, rec.ID)
		}
	}
	assert.Len(t, people, 1)
}

func TestFindPerson(t *testing.T) {
	setupTestConfig(t, config.RemoteNone)
	ctx := context.Background()

	require.NoError(t, withApp(ctx, func(a *app) error {
		ada, err := a.store.People().Add(ctx, model.Person{Meta: model.Meta{ID: "aaaa1111"}, Name: "Ada"})
		require.NoError(t, err)
		_, err = a.store.People().Add(ctx, model.Person{Meta: model.Meta{ID: "aaaa2222"}, Name: "Alan"})
		require.NoError(t, err)

		p, err := findPerson(a, "ada")
		require.NoError(t, err)
		assert.Equal(t, ada.ID, p.ID)

		p, err = findPerson(a, "aaaa2")
		require.NoError(t, err)
		assert.Equal(t, "Alan", p.Name)

		_, err = findPerson(a, "aaaa")
		assert.Error(t, err, "ambiguous prefix")
		_, err = findPerson(a, "nobody")
		assert.Error(t, err)
		return nil
	}))
}

func TestLookupRecords(t *testing.T) {
	setupTestConfig(t, config.RemoteNone)
	ctx := context.Background()

	require.NoError(t, withApp(ctx, func(a *app) error {
		p, err := a.store.People().Add(ctx, model.Person{Name: "Ada", Role: "Engineer"})
		require.NoError(t, err)
		g, err := a.store.Goals().Add(ctx, model.Goal{Title: "Ship", PersonID: p.ID})
		require.NoError(t, err)

		recs, err := lookupRecords(a, []string{g.ID, p.ID})
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, model.KindGoal, recs[0].Type)
		assert.Equal(t, "Engineer", recs[1].Fields["role"])

		_, err = lookupRecords(a, []string{p.ID, "missing"})
		assert.ErrorContains(t, err, `"missing"`)
		return nil
	}))
}

func TestObjectiveSummary(t *testing.T) {
	assert.Equal(t, "none", objectiveSummary(nil))
	assert.Equal(t, "2, 25% complete", objectiveSummary(map[string]float64{"a": 0.5, "b": 0}))
}
