package domain

import (
	"errors"
	"fmt"
)

// ErrorKind separates problems in user-authored configuration from bugs in
// the automatic assignment logic.
type ErrorKind int

const (
	ErrKindInternal ErrorKind = iota
	ErrKindConfig
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindConfig:
		return "config"
	case ErrKindInternal:
		return "internal"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Sentinels matched by *Error through errors.Is.
var (
	ErrConfig   = errors.New("configuration error")
	ErrInternal = errors.New("internal error")
)

// Error is returned by every allocator operation that fails.
type Error struct {
	Kind ErrorKind
	Msg  string
	// Err optionally names the condition (for example an exhaustion
	// sentinel) so callers can test for it with errors.Is.
	Err error
}

func (e *Error) Error() string {
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrConfig:
		return e.Kind == ErrKindConfig
	case ErrInternal:
		return e.Kind == ErrKindInternal
	}
	return false
}

// KindFor picks the error kind for an address that either came from
// configuration or was generated automatically.
func KindFor(fromConfig bool) ErrorKind {
	if fromConfig {
		return ErrKindConfig
	}
	return ErrKindInternal
}

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapErrorf builds an *Error of the given kind that also matches cause.
func WrapErrorf(kind ErrorKind, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// ConfigErrorf is shorthand for Errorf(ErrKindConfig, ...).
func ConfigErrorf(format string, args ...any) error {
	return Errorf(ErrKindConfig, format, args...)
}

// InternalErrorf is shorthand for Errorf(ErrKindInternal, ...).
func InternalErrorf(format string, args ...any) error {
	return Errorf(ErrKindInternal, format, args...)
}

// IsConfigError reports whether err (or anything it wraps) is a
// configuration error.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfig)
}
