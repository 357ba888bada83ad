package base

import (
	"errors"
	"fmt"
)

// Sentinel errors for BASE parsing and stream resolution. Callers
// distinguish failure modes with errors.Is.
var (
	ErrNotAnnouncement   = errors.New("base: not a basic audio announcement")
	ErrDuplicateBIS      = errors.New("base: duplicate BIS index")
	ErrInvalidBISIndex   = errors.New("base: BIS index out of range")
	ErrEmptyLevel        = errors.New("base: level with zero entries")
	ErrNoCompatibleCodec = errors.New("base: no compatible codec")
	ErrNoMatch           = errors.New("base: no subgroup satisfies the request")
	ErrTooManyStreams    = errors.New("base: more BIS requested than can be decoded")
)

// ParseError indicates a failure to parse a BASE field. It records which
// field was being read and wraps the underlying cause.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("base: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
