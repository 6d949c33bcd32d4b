package ipc

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// MaxSessionIDLen bounds a session id in bytes.
const MaxSessionIDLen = 128

// ErrInvalidSessionID is wrapped by ValidateSessionID failures.
var ErrInvalidSessionID = errors.New("invalid session id")

// ValidateSessionID reports whether id can name a session. Ids become
// directory names under the workspace and log roots, so they must be a
// single path element.
func ValidateSessionID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	case len(id) > MaxSessionIDLen:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidSessionID, MaxSessionIDLen)
	case id == "." || id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidSessionID, id)
	case strings.ContainsFunc(id, unicode.IsControl):
		return fmt.Errorf("%w: %q contains a control character", ErrInvalidSessionID, id)
	}
	return nil
}
