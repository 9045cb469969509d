package fix

import (
	"errors"
	"fmt"
)

// ErrIncomplete signals that the buffer does not yet contain a full frame.
// The caller should read more bytes and retry; it is never fatal.
var ErrIncomplete = errors.New("fix: incomplete frame")

// FramingError reports bytes that cannot be trusted as a FIX frame:
// checksum mismatch, broken tag=value structure, or an impossible length.
// The connection cannot be recovered after one of these.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("fix: framing error: %s", e.Reason)
}

func framingErrf(format string, args ...interface{}) error {
	return &FramingError{Reason: fmt.Sprintf(format, args...)}
}

// MalformedMessageError reports an encode attempt on a message missing a
// required session-layer field.
type MalformedMessageError struct {
	Missing Tag
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("fix: malformed message: missing tag %d", e.Missing)
}

// FieldConversionError reports a field whose value does not match the form
// requested by a typed accessor.
type FieldConversionError struct {
	Tag   Tag
	Value string
	Want  string
}

func (e *FieldConversionError) Error() string {
	return fmt.Sprintf("fix: tag %d value %q is not a valid %s", e.Tag, e.Value, e.Want)
}
