// Package sqlite is a change feed stored in an embedded SQLite database.
//
// Every record is one row of the records table. Each write takes the next
// value of a monotonic sequence and the cursor handed to clients is the
// highest sequence they have seen. Deletions leave id-only tombstone rows
// that are never removed: a full fetch still reports the deletion, and a
// later write to the same id is refused.
//
// Several processes may share one database file. Subscribers are signalled
// for writes made through this handle and, through fsnotify, for writes
// made by other processes.
//
// Layout:
//
//	records(id, type, updated_at, fields, deleted, seq)
//	feed_meta(key, value)  -- "seq"
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/rapportapp/rapport/internal/model"
	"github.com/rapportapp/rapport/internal/remote"
	"github.com/rapportapp/rapport/internal/wire"
)

// Backend is a remote.Backend over a SQLite file.
type Backend struct {
	conn   *sql.DB
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	watcher *changeWatcher
	subs    map[int]chan struct{}
	nextSub int
	closed  bool
}

var _ remote.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// Open opens (creating if needed) the feed database at path and initializes
// its schema.
//
// Example:
//
//	b, err := sqlite.Open("/srv/rapport/feed.db")
//	if err != nil {
//	    return err
//	}
//	defer b.Close()
func Open(ctx context.Context, path string, opts ...Option) (*Backend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so that every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	b := &Backend{
		conn:   conn,
		path:   path,
		logger: zap.NewNop(),
		subs:   make(map[int]chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("sqlite")

	if err := b.initSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		updated_at INTEGER NOT NULL,  -- unix nanoseconds
		fields TEXT NOT NULL DEFAULT '{}',  -- JSON object
		deleted INTEGER NOT NULL DEFAULT 0,
		seq INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_seq ON records(seq);

	CREATE TABLE IF NOT EXISTS feed_meta (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	INSERT OR IGNORE INTO feed_meta (key, value) VALUES ('seq', 0);
	`
	if _, err := b.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (b *Backend) Path() string { return b.path }

// AccountStatus reports available while the database answers.
func (b *Backend) AccountStatus(ctx context.Context) (remote.AccountStatus, error) {
	if err := b.conn.PingContext(ctx); err != nil {
		return remote.StatusTemporarilyUnavailable, nil
	}
	return remote.StatusAvailable, nil
}

func parsePosition(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func (b *Backend) metaValue(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, key string) (int64, error) {
	var v int64
	if err := q.QueryRowContext(ctx, `SELECT value FROM feed_meta WHERE key = ?`, key).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v, nil
}

// FetchChanges returns the rows written after the cursor, in sequence
// order.
func (b *Backend) FetchChanges(ctx context.Context, req remote.FetchRequest) (remote.ChangePage, error) {
	cursor, err := parsePosition(req.Cursor)
	if err != nil {
		return remote.ChangePage{}, fmt.Errorf("invalid cursor %q: %w", req.Cursor, remote.ErrCursorExpired)
	}
	if req.Cursor != "" {
		head, err := b.metaValue(ctx, b.conn, "seq")
		if err != nil {
			return remote.ChangePage{}, err
		}
		// Ahead of the feed: the database was replaced by an older copy.
		if cursor > head {
			return remote.ChangePage{}, remote.ErrCursorExpired
		}
	}

	start := cursor
	if req.PageToken != "" {
		if start, err = parsePosition(req.PageToken); err != nil {
			return remote.ChangePage{}, fmt.Errorf("invalid page token %q: %w", req.PageToken, err)
		}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = remote.DefaultPageSize
	}

	rows, err := b.conn.QueryContext(ctx, `
		SELECT id, type, updated_at, fields, deleted, seq
		FROM records
		WHERE seq > ?
		ORDER BY seq
		LIMIT ?`, start, limit+1)
	if err != nil {
		return remote.ChangePage{}, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	page := remote.ChangePage{}
	last := start
	n := 0
	for rows.Next() {
		if n == limit {
			page.MoreComing = true
			break
		}
		var (
			rec     wire.Record
			updated int64
			fields  string
			deleted bool
			seq     int64
		)
		if err := rows.Scan(&rec.ID, &rec.Type, &updated, &fields, &deleted, &seq); err != nil {
			return remote.ChangePage{}, fmt.Errorf("failed to scan change: %w", err)
		}
		n++
		last = seq
		if deleted {
			page.Deleted = append(page.Deleted, rec.ID)
			continue
		}
		rec.UpdatedAt = time.Unix(0, updated).UTC()
		if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
			return remote.ChangePage{}, fmt.Errorf("failed to decode fields of %s: %w", rec.ID, err)
		}
		page.Changed = append(page.Changed, rec)
	}
	if err := rows.Err(); err != nil {
		return remote.ChangePage{}, fmt.Errorf("failed to iterate changes: %w", err)
	}

	pos := strconv.FormatInt(last, 10)
	if page.MoreComing {
		page.NextPageToken = pos
	} else {
		page.Cursor = pos
	}
	return page, nil
}

type storedRow struct {
	rec     wire.Record
	deleted bool
}

func loadRow(ctx context.Context, tx *sql.Tx, id string) (*storedRow, error) {
	var (
		row     storedRow
		typ     string
		updated int64
		fields  string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT type, updated_at, fields, deleted FROM records WHERE id = ?`, id,
	).Scan(&typ, &updated, &fields, &row.deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", id, err)
	}
	row.rec = wire.Record{Type: model.Kind(typ), ID: id, UpdatedAt: time.Unix(0, updated).UTC()}
	if err := json.Unmarshal([]byte(fields), &row.rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields of %s: %w", id, err)
	}
	return &row, nil
}

func nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`UPDATE feed_meta SET value = value + 1 WHERE key = 'seq' RETURNING value`,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", err)
	}
	return seq, nil
}

// Upsert writes records in one transaction. Per-record rule violations are
// reported in the results and do not abort the others.
func (b *Backend) Upsert(ctx context.Context, records []wire.Record) ([]remote.RecordResult, error) {
	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	results := make([]remote.RecordResult, len(records))
	wrote := false
	for i, rec := range records {
		results[i].ID = rec.ID

		row, err := loadRow(ctx, tx, rec.ID)
		if err != nil {
			return nil, err
		}
		var existing *wire.Record
		if row != nil && !row.deleted {
			existing = &row.rec
		}
		if err := remote.CheckWrite(rec, existing, row != nil && row.deleted); err != nil {
			results[i].Err = err
			continue
		}
		if remote.Unchanged(rec, existing) {
			continue
		}

		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			results[i].Err = fmt.Errorf("failed to encode fields: %w", err)
			continue
		}
		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (id, type, updated_at, fields, deleted, seq)
			VALUES (?, ?, ?, ?, 0, ?)
			ON CONFLICT(id) DO UPDATE SET
				type = excluded.type,
				updated_at = excluded.updated_at,
				fields = excluded.fields,
				deleted = 0,
				seq = excluded.seq`,
			rec.ID, string(rec.Type), rec.UpdatedAt.UnixNano(), string(fields), seq)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert %s: %w", rec.ID, err)
		}
		wrote = true
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	if wrote {
		b.signal()
	}
	return results, nil
}

// Delete turns the row into a tombstone. Unknown IDs are ignored.
func (b *Backend) Delete(ctx context.Context, id string) error {
	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row, err := loadRow(ctx, tx, id)
	if err != nil {
		return err
	}
	if row == nil || row.deleted {
		return nil
	}
	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET deleted = 1, fields = '{}', seq = ? WHERE id = ?`, seq, id); err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	b.signal()
	return nil
}

// CompactResult describes what Compact did.
type CompactResult struct {
	Tombstones int
	SizeBefore int64
	SizeAfter  int64
}

// Compact checkpoints the WAL and rebuilds the database file to reclaim
// space. Tombstones hold only an id and are kept.
func (b *Backend) Compact(ctx context.Context) (CompactResult, error) {
	var res CompactResult
	if err := b.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE deleted = 1`).Scan(&res.Tombstones); err != nil {
		return res, fmt.Errorf("failed to count tombstones: %w", err)
	}
	res.SizeBefore = b.fileSize()

	if _, err := b.conn.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return res, fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	if _, err := b.conn.ExecContext(ctx, `VACUUM`); err != nil {
		return res, fmt.Errorf("failed to vacuum: %w", err)
	}

	res.SizeAfter = b.fileSize()
	b.logger.Info("compacted database",
		zap.Int("tombstones", res.Tombstones),
		zap.Int64("size_before", res.SizeBefore),
		zap.Int64("size_after", res.SizeAfter))
	return res, nil
}

// fileSize returns the size of the database file plus its WAL.
func (b *Backend) fileSize() int64 {
	var total int64
	for _, p := range []string{b.path, b.path + "-wal"} {
		if fi, err := os.Stat(p); err == nil {
			total += fi.Size()
		}
	}
	return total
}

// Subscribe signals on every write to the database file, from this process
// or another.
func (b *Backend) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("backend closed: %w", remote.ErrUnavailable)
	}
	if b.watcher == nil {
		w, err := newChangeWatcher(b.path, b.signal, b.logger)
		if err != nil {
			return nil, err
		}
		b.watcher = w
	}

	id := b.nextSub
	b.nextSub++
	ch := make(chan struct{}, 1)
	b.subs[id] = ch

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			close(c)
			delete(b.subs, id)
		}
	}()
	return ch, nil
}

func (b *Backend) signal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close stops the watcher, ends subscriptions and checkpoints the WAL.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	w := b.watcher
	b.watcher = nil
	b.mu.Unlock()

	if w != nil {
		if err := w.stop(); err != nil {
			b.logger.Warn("failed to stop watcher", zap.Error(err))
		}
	}

	if _, err := b.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		b.logger.Warn("failed to checkpoint WAL", zap.Error(err))
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
