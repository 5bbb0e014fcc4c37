package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/rapportapp/rapport/internal/model"
)

// WriteFileAtomic writes data to path through a temp file and rename so a
// crash leaves either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// loadCollection reads one collection file. It never fails: unreadable or
// corrupt files produce an empty collection so the other kinds still load.
func (s *Store) loadCollection(kind model.Kind) collection {
	c := newCollection(kind)
	path := s.path(c.fileName())

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c
	}
	if err != nil {
		s.logger.Error("failed to read collection, starting empty",
			zap.String("kind", string(kind)), zap.String("path", path), zap.Error(err))
		return c
	}

	if err := c.unmarshal(data); err != nil {
		s.quarantine(path, err)
		return newCollection(kind)
	}
	return c
}

func (s *Store) saveCollection(c collection) error {
	data, err := c.marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", c.kind(), err)
	}
	if err := WriteFileAtomic(s.path(c.fileName()), data, 0o600); err != nil {
		return fmt.Errorf("failed to save %s: %w", c.kind(), err)
	}
	return nil
}

// quarantine moves a corrupt file aside so it is kept for inspection and
// not overwritten by the next save.
func (s *Store) quarantine(path string, cause error) {
	dest := fmt.Sprintf("%s.corrupt-%s", path, s.now().UTC().Format("20060102-150405"))
	if err := os.Rename(path, dest); err != nil {
		s.logger.Error("failed to quarantine corrupt file",
			zap.String("path", path), zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	s.logger.Warn("corrupt file moved aside",
		zap.String("path", path), zap.String("quarantine", dest), zap.Error(cause))
}

// Quarantined lists corrupt files moved aside in the data directory.
func (s *Store) Quarantined() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.corrupt-*"))
	if err != nil {
		return nil, fmt.Errorf("failed to list quarantined files: %w", err)
	}
	return matches, nil
}

