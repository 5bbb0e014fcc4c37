package remote

import "errors"

// Error codes carry the sentinel errors across process boundaries.
const (
	CodeUnavailable   = "unavailable"
	CodeCursorExpired = "cursor_expired"
	CodeStale         = "stale"
	CodeDeleted       = "deleted"
	CodeNotFound      = "not_found"
	CodeUnauthorized  = "unauthorized"
	CodeInternal      = "internal"
)

var codeErrors = map[string]error{
	CodeUnavailable:   ErrUnavailable,
	CodeCursorExpired: ErrCursorExpired,
	CodeStale:         ErrStaleRecord,
	CodeDeleted:       ErrRecordDeleted,
	CodeNotFound:      ErrNotFound,
	CodeUnauthorized:  ErrUnauthorized,
}

// ErrorCode maps err to its wire code. Unknown errors map to CodeInternal
// and nil to the empty string.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// ErrorFromCode returns the sentinel for code. Unknown codes produce a
// generic error carrying msg.
func ErrorFromCode(code, msg string) error {
	if code == "" {
		return nil
	}
	if err, ok := codeErrors[code]; ok {
		return err
	}
	if msg == "" {
		msg = code
	}
	return errors.New(msg)
}
