package syncengine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rapportapp/rapport/internal/model"
	"github.com/rapportapp/rapport/internal/remote"
	"github.com/rapportapp/rapport/internal/wire"
)

// maxPages stops a feed that never reports its last page.
const maxPages = 10000

type fetched struct {
	changed []wire.Record
	deleted []string
	cursor  string
}

func (e *Engine) pull(ctx context.Context, stats *Stats) error {
	e.setPhase(PhasePulling, "Fetching remote changes")

	cursor := e.store.Cursor()
	batch, err := e.fetchAll(ctx, cursor)
	if errors.Is(err, remote.ErrCursorExpired) && cursor != "" {
		// The committed cursor stays until the full fetch is merged.
		e.logger.Warn("cursor expired, fetching the whole feed", zap.String("cursor", cursor))
		batch, err = e.fetchAll(ctx, "")
	}
	if err != nil {
		return fmt.Errorf("failed to fetch changes: %w", err)
	}

	e.setPhase(PhaseMerging, "Merging remote changes")

	entities := make([]model.Entity, 0, len(batch.changed))
	for _, rec := range batch.changed {
		ent, err := wire.Decode(rec)
		if err != nil {
			stats.DecodeFailures++
			e.logger.Warn("skipping undecodable record",
				zap.String("id", rec.ID),
				zap.String("type", string(rec.Type)),
				zap.Error(err))
			continue
		}
		entities = append(entities, ent)
	}
	stats.Pulled = len(batch.changed)
	e.cfg.metrics.AddPulled(len(batch.changed) + len(batch.deleted))
	e.cfg.metrics.AddFailed("decode", stats.DecodeFailures)

	res, err := e.store.ApplyRemote(ctx, entities, batch.deleted)
	if err != nil {
		return fmt.Errorf("failed to merge remote changes: %w", err)
	}
	stats.Inserted = res.Inserted
	stats.Updated = res.Updated
	stats.Deleted = res.Deleted

	// Only after the merge is on disk.
	if err := e.store.CommitCursor(batch.cursor, e.cfg.now()); err != nil {
		return fmt.Errorf("failed to commit cursor: %w", err)
	}

	e.logger.Debug("pull merged",
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("deleted", res.Deleted),
		zap.Int("skipped", res.Skipped),
		zap.String("cursor", batch.cursor))
	return nil
}

// fetchAll pages through the feed starting at cursor.
func (e *Engine) fetchAll(ctx context.Context, cursor string) (fetched, error) {
	var out fetched
	req := remote.FetchRequest{Cursor: cursor, Limit: e.cfg.pageSize}

	for i := 0; i < maxPages; i++ {
		var page remote.ChangePage
		err := e.call(ctx, func(ctx context.Context) error {
			var err error
			page, err = e.backend.FetchChanges(ctx, req)
			return err
		})
		if err != nil {
			return fetched{}, err
		}

		out.changed = append(out.changed, page.Changed...)
		out.deleted = append(out.deleted, page.Deleted...)

		if !page.MoreComing {
			out.cursor = page.Cursor
			return out, nil
		}
		if page.NextPageToken == "" {
			return fetched{}, errors.New("remote reported more changes without a page token")
		}
		req.PageToken = page.NextPageToken
	}
	return fetched{}, fmt.Errorf("change feed did not end after %d pages", maxPages)
}
