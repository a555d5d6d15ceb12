package codec

import (
	"errors"
	"fmt"
)

// ErrMalformed is matched by every decode or encode failure of a Structure.
var ErrMalformed = errors.New("codec: malformed structure")

// MalformedError describes which field of which structure could not be
// encoded or decoded.
type MalformedError struct {
	Structure string
	Field     string
	Reason    string
}

func (e *MalformedError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("codec: malformed %s: %s", e.Structure, e.Reason)
	}
	return fmt.Sprintf("codec: malformed %s.%s: %s", e.Structure, e.Field, e.Reason)
}

func (e *MalformedError) Unwrap() error {
	return ErrMalformed
}

func malformed(structure, field, format string, args ...any) error {
	return &MalformedError{
		Structure: structure,
		Field:     field,
		Reason:    fmt.Sprintf(format, args...),
	}
}
