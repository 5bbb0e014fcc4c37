package syncengine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rapportapp/rapport/internal/remote"
	"github.com/rapportapp/rapport/internal/wire"
)

func (e *Engine) push(ctx context.Context, stats *Stats) error {
	e.setPhase(PhasePushing, "Uploading local changes")

	if err := e.pushDeletes(ctx, stats); err != nil {
		return err
	}

	var records []wire.Record
	for _, ent := range e.store.PushableEntities() {
		rec, err := wire.Encode(ent)
		if err != nil {
			stats.PushFailures++
			e.logger.Warn("skipping unencodable entity", zap.String("id", ent.EntityID()), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}

	for start := 0; start < len(records); start += e.cfg.batchSize {
		end := min(start+e.cfg.batchSize, len(records))
		chunk := records[start:end]

		var results []remote.RecordResult
		err := e.call(ctx, func(ctx context.Context) error {
			var err error
			results, err = e.backend.Upsert(ctx, chunk)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to upload records: %w", err)
		}

		for _, r := range results {
			if r.Err == nil {
				stats.Pushed++
				continue
			}
			stats.PushFailures++
			switch {
			case errors.Is(r.Err, remote.ErrStaleRecord):
				e.logger.Debug("remote holds a newer version", zap.String("id", r.ID))
			case errors.Is(r.Err, remote.ErrRecordDeleted):
				e.logger.Info("record was deleted remotely", zap.String("id", r.ID))
			default:
				e.logger.Warn("record rejected", zap.String("id", r.ID), zap.Error(r.Err))
			}
		}
	}

	e.cfg.metrics.AddPushed(stats.Pushed)
	e.cfg.metrics.AddFailed("push", stats.PushFailures)
	return nil
}

// pushDeletes drains the delete outbox. An ID leaves the outbox once the
// remote confirms it; individual failures keep it for the next cycle.
func (e *Engine) pushDeletes(ctx context.Context, stats *Stats) error {
	pending := e.store.PendingDeletes()
	if len(pending) == 0 {
		return nil
	}

	var confirmed []string
	var abort error
	for _, id := range pending {
		err := e.call(ctx, func(ctx context.Context) error {
			return e.backend.Delete(ctx, id)
		})
		if err == nil || errors.Is(err, remote.ErrNotFound) {
			confirmed = append(confirmed, id)
			continue
		}
		if unavailable(err) || ctx.Err() != nil {
			abort = fmt.Errorf("failed to delete %s: %w", id, err)
			break
		}
		e.logger.Warn("remote delete failed", zap.String("id", id), zap.Error(err))
	}

	if len(confirmed) > 0 {
		if err := e.store.ConfirmDeletes(confirmed...); err != nil {
			return fmt.Errorf("failed to update delete outbox: %w", err)
		}
		stats.DeletesPushed = len(confirmed)
		e.cfg.metrics.AddDeletes(len(confirmed))
	}
	return abort
}
