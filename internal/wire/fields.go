package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// fieldWriter builds the flat field map of a record. Empty values are
// omitted so that records stay small.
type fieldWriter struct {
	fields map[string]string
	err    error
}

func newFieldWriter() *fieldWriter {
	return &fieldWriter{fields: make(map[string]string)}
}

func (w *fieldWriter) str(key, v string) {
	if v != "" {
		w.fields[key] = v
	}
}

func (w *fieldWriter) int(key string, v int) {
	if v != 0 {
		w.fields[key] = strconv.Itoa(v)
	}
}

func (w *fieldWriter) float(key string, v float64) {
	if v != 0 {
		w.fields[key] = strconv.FormatFloat(v, 'g', -1, 64)
	}
}

func (w *fieldWriter) bool(key string, v bool) {
	w.fields[key] = strconv.FormatBool(v)
}

func (w *fieldWriter) time(key string, v time.Time) {
	if !v.IsZero() {
		w.fields[key] = v.UTC().Format(time.RFC3339Nano)
	}
}

func (w *fieldWriter) timePtr(key string, v *time.Time) {
	if v != nil {
		w.time(key, *v)
	}
}

// blob stores a list or nested structure as JSON. Nil and empty slices are
// omitted.
func (w *fieldWriter) blob(key string, v any, empty bool) {
	if empty || w.err != nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		w.err = fmt.Errorf("failed to encode %s: %w", key, err)
		return
	}
	w.fields[key] = string(data)
}

// fieldReader reads typed values from a flat field map. The first failure
// is kept and later reads become no-ops.
type fieldReader struct {
	fields map[string]string
	field  string
	err    error
}

func (r *fieldReader) fail(key string, err error) {
	if r.err == nil {
		r.field = key
		r.err = err
	}
}

func (r *fieldReader) str(key string) string {
	return r.fields[key]
}

func (r *fieldReader) int(key string) int {
	v, ok := r.fields[key]
	if !ok || v == "" || r.err != nil {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, err)
	}
	return n
}

func (r *fieldReader) float(key string) float64 {
	v, ok := r.fields[key]
	if !ok || v == "" || r.err != nil {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, err)
	}
	return f
}

func (r *fieldReader) bool(key string) bool {
	v, ok := r.fields[key]
	if !ok || v == "" || r.err != nil {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, err)
	}
	return b
}

func (r *fieldReader) time(key string) time.Time {
	v, ok := r.fields[key]
	if !ok || v == "" || r.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		r.fail(key, err)
	}
	return t
}

func (r *fieldReader) timePtr(key string) *time.Time {
	if _, ok := r.fields[key]; !ok {
		return nil
	}
	t := r.time(key)
	if t.IsZero() {
		return nil
	}
	return &t
}

func (r *fieldReader) blob(key string, dst any) {
	v, ok := r.fields[key]
	if !ok || v == "" || r.err != nil {
		return
	}
	if err := json.Unmarshal([]byte(v), dst); err != nil {
		r.fail(key, err)
	}
}
