package backup

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rapportapp/rapport/internal/store"
)

// Mirror keeps a read-only snapshot file in step with the store, for
// tools that want to read the data without opening the store.
type Mirror struct {
	store  *store.Store
	path   string
	logger *zap.Logger
}

// NewMirror creates a mirror writing to path.
func NewMirror(st *store.Store, path string, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{store: st, path: path, logger: logger.Named("mirror")}
}

// Path returns the mirror file location.
func (m *Mirror) Path() string { return m.path }

// Write rewrites the mirror file.
func (m *Mirror) Write() error {
	var buf bytes.Buffer
	if err := encode(Take(m.store, time.Now()), &buf); err != nil {
		return err
	}
	if err := store.WriteFileAtomic(m.path, buf.Bytes(), 0o444); err != nil {
		return fmt.Errorf("failed to write mirror: %w", err)
	}
	return nil
}

// Run writes the mirror once and again after every store change until ctx
// is done.
func (m *Mirror) Run(ctx context.Context) error {
	changes, unsubscribe := m.store.Subscribe()
	defer unsubscribe()

	if err := m.Write(); err != nil {
		m.logger.Warn("mirror write failed", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			if err := m.Write(); err != nil {
				m.logger.Warn("mirror write failed", zap.Error(err))
				continue
			}
			m.logger.Debug("mirror refreshed", zap.String("origin", string(c.Origin)))
		}
	}
}
