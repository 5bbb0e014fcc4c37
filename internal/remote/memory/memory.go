// Package memory is an in-process change feed. It backs tests and
// single-device setups, and exposes hooks to simulate outages, rejected
// records and expired cursors.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/rapportapp/rapport/internal/remote"
	"github.com/rapportapp/rapport/internal/wire"
)

// Op names a backend operation for fault injection.
type Op string

const (
	OpAccountStatus Op = "account_status"
	OpFetch         Op = "fetch"
	OpUpsert        Op = "upsert"
	OpDelete        Op = "delete"
)

type entry struct {
	rec     wire.Record
	deleted bool
	seq     int64
}

// Backend is an in-memory remote.Backend. It is safe for concurrent use and
// may be shared by several engines to simulate several devices.
type Backend struct {
	mu        sync.Mutex
	entries   map[string]*entry
	seq       int64
	minCursor int64

	status    remote.AccountStatus
	statusErr error
	failNext  map[Op]error
	rejects   map[string]error
	calls     map[Op]int

	subs   map[int]chan struct{}
	nextID int
	closed bool
}

var _ remote.Backend = (*Backend)(nil)

// New returns an empty, available backend.
func New() *Backend {
	return &Backend{
		entries:  make(map[string]*entry),
		status:   remote.StatusAvailable,
		failNext: make(map[Op]error),
		rejects:  make(map[string]error),
		calls:    make(map[Op]int),
		subs:     make(map[int]chan struct{}),
	}
}

// SetAccountStatus fixes the result of AccountStatus.
func (b *Backend) SetAccountStatus(status remote.AccountStatus, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
	b.statusErr = err
}

// FailNext makes the next call of op return err.
func (b *Backend) FailNext(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext[op] = err
}

// RejectRecord makes every write of id fail with err. A nil err clears it.
func (b *Backend) RejectRecord(id string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.rejects, id)
		return
	}
	b.rejects[id] = err
}

// ExpireCursors invalidates every cursor handed out so far.
func (b *Backend) ExpireCursors() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.minCursor = b.seq
}

// Calls returns how many times op was invoked.
func (b *Backend) Calls(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Record returns the live record stored for id.
func (b *Backend) Record(id string) (wire.Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok || e.deleted {
		return wire.Record{}, false
	}
	return e.rec, true
}

// Len returns the number of live records.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.entries {
		if !e.deleted {
			n++
		}
	}
	return n
}

// Put stores rec as if another device had written it.
func (b *Backend) Put(rec wire.Record) {
	b.mu.Lock()
	b.seq++
	b.entries[rec.ID] = &entry{rec: rec, seq: b.seq}
	b.mu.Unlock()
	b.signal()
}

// begin records a call and returns any injected failure. b.mu must be held.
func (b *Backend) begin(op Op) error {
	b.calls[op]++
	if b.closed {
		return fmt.Errorf("backend closed: %w", remote.ErrUnavailable)
	}
	if err, ok := b.failNext[op]; ok {
		delete(b.failNext, op)
		return err
	}
	return nil
}

func (b *Backend) AccountStatus(ctx context.Context) (remote.AccountStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpAccountStatus); err != nil {
		return "", err
	}
	return b.status, b.statusErr
}

func parsePosition(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func (b *Backend) FetchChanges(ctx context.Context, req remote.FetchRequest) (remote.ChangePage, error) {
	if err := ctx.Err(); err != nil {
		return remote.ChangePage{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpFetch); err != nil {
		return remote.ChangePage{}, err
	}

	cursor, err := parsePosition(req.Cursor)
	if err != nil {
		return remote.ChangePage{}, fmt.Errorf("invalid cursor %q: %w", req.Cursor, remote.ErrCursorExpired)
	}
	if req.Cursor != "" && cursor < b.minCursor {
		return remote.ChangePage{}, remote.ErrCursorExpired
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

	var pending []*entry
	for _, e := range b.entries {
		if e.seq > start {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })

	page := remote.ChangePage{}
	last := start
	for i, e := range pending {
		if i == limit {
			page.MoreComing = true
			break
		}
		if e.deleted {
			page.Deleted = append(page.Deleted, e.rec.ID)
		} else {
			page.Changed = append(page.Changed, e.rec)
		}
		last = e.seq
	}

	if page.MoreComing {
		page.NextPageToken = strconv.FormatInt(last, 10)
	} else {
		page.Cursor = strconv.FormatInt(b.seq, 10)
	}
	return page, nil
}

func (b *Backend) Upsert(ctx context.Context, records []wire.Record) ([]remote.RecordResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if err := b.begin(OpUpsert); err != nil {
		b.mu.Unlock()
		return nil, err
	}

	results := make([]remote.RecordResult, len(records))
	wrote := false
	for i, rec := range records {
		results[i].ID = rec.ID
		if err, ok := b.rejects[rec.ID]; ok {
			results[i].Err = err
			continue
		}

		var existing *wire.Record
		e, ok := b.entries[rec.ID]
		if ok && !e.deleted {
			existing = &e.rec
		}
		if err := remote.CheckWrite(rec, existing, ok && e.deleted); err != nil {
			results[i].Err = err
			continue
		}
		if remote.Unchanged(rec, existing) {
			continue
		}
		b.seq++
		b.entries[rec.ID] = &entry{rec: rec, seq: b.seq}
		wrote = true
	}
	b.mu.Unlock()

	if wrote {
		b.signal()
	}
	return results, nil
}

func (b *Backend) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if err := b.begin(OpDelete); err != nil {
		b.mu.Unlock()
		return err
	}
	e, ok := b.entries[id]
	if !ok || e.deleted {
		b.mu.Unlock()
		return nil
	}
	b.seq++
	b.entries[id] = &entry{rec: wire.Record{Type: e.rec.Type, ID: id}, deleted: true, seq: b.seq}
	b.mu.Unlock()

	b.signal()
	return nil
}

func (b *Backend) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("backend closed: %w", remote.ErrUnavailable)
	}

	id := b.nextID
	b.nextID++
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

// Close ends every subscription; later calls fail with ErrUnavailable.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	return nil
}
