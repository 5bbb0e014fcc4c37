// Package backup exports and imports whole-store snapshots.
//
// A snapshot is one JSON document holding every collection, the format
// version and the export time. Import is additive: a record is added only
// when its ID is absent locally, so restoring an old backup never
// overwrites newer local edits.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/rapportapp/rapport/internal/model"
	"github.com/rapportapp/rapport/internal/store"
)

// FormatVersion is written into every snapshot.
const FormatVersion = "v1.2.0"

// ErrIncompatibleVersion is returned for snapshots this build cannot read.
var ErrIncompatibleVersion = errors.New("incompatible snapshot version")

// Snapshot is the backup document.
type Snapshot struct {
	Version    string    `json:"version"`
	ExportedAt time.Time `json:"exported_at"`

	People         []model.Person                    `json:"people"`
	Meetings       []model.Meeting                   `json:"meetings"`
	Goals          []model.Goal                      `json:"goals"`
	Templates      []model.Template                  `json:"templates"`
	Feedback       []model.Feedback                  `json:"feedback"`
	Objectives     []model.Objective                 `json:"objectives"`
	Recordings     []model.Recording                 `json:"recordings"`
	CareerProfiles map[string]model.CareerProfile    `json:"career_profiles"`
	Sentiments     map[string][]model.SentimentEntry `json:"sentiments"`
}

// Count returns the number of records in the snapshot.
func (s *Snapshot) Count() int {
	n := len(s.People) + len(s.Meetings) + len(s.Goals) + len(s.Templates) +
		len(s.Feedback) + len(s.Objectives) + len(s.Recordings) + len(s.CareerProfiles)
	for _, list := range s.Sentiments {
		n += len(list)
	}
	return n
}

func (s *Snapshot) contents() store.Contents {
	return store.Contents{
		People:         s.People,
		Meetings:       s.Meetings,
		Goals:          s.Goals,
		Templates:      s.Templates,
		Feedback:       s.Feedback,
		Objectives:     s.Objectives,
		Recordings:     s.Recordings,
		CareerProfiles: s.CareerProfiles,
		Sentiments:     s.Sentiments,
	}
}

// Take builds a snapshot of st. Built-in templates are left out.
func Take(st *store.Store, at time.Time) *Snapshot {
	c := st.Contents()
	templates := make([]model.Template, 0, len(c.Templates))
	for _, t := range c.Templates {
		if !t.BuiltIn {
			templates = append(templates, t)
		}
	}
	return &Snapshot{
		Version:        FormatVersion,
		ExportedAt:     at.UTC(),
		People:         c.People,
		Meetings:       c.Meetings,
		Goals:          c.Goals,
		Templates:      templates,
		Feedback:       c.Feedback,
		Objectives:     c.Objectives,
		Recordings:     c.Recordings,
		CareerProfiles: c.CareerProfiles,
		Sentiments:     c.Sentiments,
	}
}

// Export writes a snapshot of st to w.
func Export(st *store.Store, w io.Writer) error {
	return encode(Take(st, time.Now()), w)
}

func encode(snap *Snapshot, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return nil
}

// Read decodes a snapshot and checks that its version is readable.
func Read(r io.Reader) (*Snapshot, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if err := CheckVersion(snap.Version); err != nil {
		return nil, err
	}
	return &snap, nil
}

// CheckVersion accepts any version with the same or an older major
// version than FormatVersion.
func CheckVersion(v string) error {
	if v == "" {
		return fmt.Errorf("%w: missing version", ErrIncompatibleVersion)
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("%w: %q is not a semantic version", ErrIncompatibleVersion, v)
	}
	if semver.Compare(semver.Major(v), semver.Major(FormatVersion)) > 0 {
		return fmt.Errorf("%w: %s is newer than supported %s", ErrIncompatibleVersion, v, FormatVersion)
	}
	return nil
}

// Import reads a snapshot from r and adds every record whose ID is not
// already present.
func Import(ctx context.Context, st *store.Store, r io.Reader) (store.ImportResult, error) {
	snap, err := Read(r)
	if err != nil {
		return store.ImportResult{}, err
	}
	return st.ImportSnapshot(ctx, snap.contents())
}

// ImportFile imports the snapshot stored at path.
func ImportFile(ctx context.Context, st *store.Store, path string) (store.ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return store.ImportResult{}, fmt.Errorf("failed to open backup: %w", err)
	}
	defer f.Close()
	return Import(ctx, st, f)
}
