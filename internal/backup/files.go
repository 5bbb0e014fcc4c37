package backup

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rapportapp/rapport/internal/store"
)

const (
	filePrefix = "rapport-backup-"
	fileSuffix = ".json"
	timeLayout = "20060102-150405.000"

	// DefaultRetention is how many backups Cleanup keeps.
	DefaultRetention = 10
)

// Info describes a backup file.
type Info struct {
	Path    string
	ModTime time.Time
	Size    int64
}

type options struct {
	now       func() time.Time
	retention int
}

// Option configures WriteBackup.
type Option func(*options)

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRetention sets how many backups to keep. Zero or less keeps all.
func WithRetention(n int) Option {
	return func(o *options) { o.retention = n }
}

// FileName returns the backup file name for t.
func FileName(t time.Time) string {
	return filePrefix + t.Format(timeLayout) + fileSuffix
}

// freePath returns a backup path for t that no existing file uses.
func freePath(dir string, t time.Time) string {
	path := filepath.Join(dir, FileName(t))
	base := strings.TrimSuffix(path, fileSuffix)
	for n := 1; ; n++ {
		if _, err := os.Lstat(path); os.IsNotExist(err) {
			return path
		}
		path = fmt.Sprintf("%s-%d%s", base, n, fileSuffix)
	}
}

// WriteBackup writes a timestamped snapshot into dir and prunes old
// backups. It returns the new file's path.
func WriteBackup(st *store.Store, dir string, opts ...Option) (string, error) {
	o := options{now: time.Now, retention: DefaultRetention}
	for _, opt := range opts {
		opt(&o)
	}

	now := o.now()
	var buf bytes.Buffer
	if err := encode(Take(st, now), &buf); err != nil {
		return "", err
	}

	path := freePath(dir, now)
	if err := store.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	if o.retention > 0 {
		if _, err := Cleanup(dir, o.retention); err != nil {
			return path, err
		}
	}
	return path, nil
}

// List returns the backups in dir, newest first.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var out []Info
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{
			Path:    filepath.Join(dir, name),
			ModTime: fi.ModTime(),
			Size:    fi.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Path > out[j].Path
	})
	return out, nil
}

// Cleanup deletes all but the keep newest backups in dir and returns the
// removed paths.
func Cleanup(dir string, keep int) ([]string, error) {
	backups, err := List(dir)
	if err != nil {
		return nil, err
	}
	if len(backups) <= keep {
		return nil, nil
	}

	var removed []string
	for _, b := range backups[keep:] {
		if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove old backup: %w", err)
		}
		removed = append(removed, b.Path)
	}
	return removed, nil
}
