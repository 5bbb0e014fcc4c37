// Package wire converts entities to and from the flat records exchanged with
// a remote change feed.
//
// A Record carries the entity kind, its ID, its UpdatedAt and a flat
// string-to-string field map. Scalars are stored as strings (RFC 3339 times,
// decimal numbers, "true"/"false"); lists and nested sub-records such as
// action items, milestones, key results and template sections are stored as
// JSON blobs under a single field.
package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/rapportapp/rapport/internal/model"
)

// ErrDecode is returned when a record cannot be turned into a valid entity.
var ErrDecode = errors.New("record decode failed")

// Record is the remote representation of one entity.
type Record struct {
	Type      model.Kind        `json:"type"`
	ID        string            `json:"id"`
	UpdatedAt time.Time         `json:"updated_at"`
	Fields    map[string]string `json:"fields"`
}

// Equal reports whether two records carry the same content.
func (r Record) Equal(o Record) bool {
	if r.Type != o.Type || r.ID != o.ID || !r.UpdatedAt.Equal(o.UpdatedAt) || len(r.Fields) != len(o.Fields) {
		return false
	}
	for k, v := range r.Fields {
		if ov, ok := o.Fields[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func decodeErr(rec Record, field string, err error) error {
	if field == "" {
		return fmt.Errorf("%w: %s %q: %v", ErrDecode, rec.Type, rec.ID, err)
	}
	return fmt.Errorf("%w: %s %q field %s: %v", ErrDecode, rec.Type, rec.ID, field, err)
}
