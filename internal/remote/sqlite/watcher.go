package sqlite

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// changeWatcher watches the directory holding the database and calls
// onChange for writes to the database file or its WAL and journal.
type changeWatcher struct {
	watcher  *fsnotify.Watcher
	base     string
	onChange func()
	logger   *zap.Logger
	done     chan struct{}
	wg       sync.WaitGroup
}

func newChangeWatcher(dbPath string, onChange func(), logger *zap.Logger) (*changeWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(dbPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	cw := &changeWatcher{
		watcher:  w,
		base:     filepath.Base(dbPath),
		onChange: onChange,
		logger:   logger,
		done:     make(chan struct{}),
	}
	cw.wg.Add(1)
	go cw.processEvents()
	return cw, nil
}

func (cw *changeWatcher) processEvents() {
	defer cw.wg.Done()
	for {
		select {
		case <-cw.done:
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if cw.relevant(event) {
				cw.onChange()
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn("watch error", zap.Error(err))
		}
	}
}

// relevant reports whether event is a write to the database, "-wal" or
// "-journal" file.
func (cw *changeWatcher) relevant(event fsnotify.Event) bool {
	name := filepath.Base(event.Name)
	if !strings.HasPrefix(name, cw.base) {
		return false
	}
	switch strings.TrimPrefix(name, cw.base) {
	case "", "-wal", "-journal":
	default:
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create)
}

func (cw *changeWatcher) stop() error {
	close(cw.done)
	err := cw.watcher.Close()
	cw.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}
