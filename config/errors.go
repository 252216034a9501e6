package config

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingConfiguration means a required directive is absent.
	ErrMissingConfiguration = errors.New("missing configuration")
	// ErrUnsupportedConfiguration means the profile asks for something this
	// client cannot honor. Parsing fails closed rather than ignoring it.
	ErrUnsupportedConfiguration = errors.New("unsupported configuration")
	// ErrCompLZOWithoutArgument is returned as a warning, not a failure.
	ErrCompLZOWithoutArgument = errors.New("comp-lzo without argument, assuming framing only")
)

// ParseError locates a failure in the profile.
type ParseError struct {
	Line      int
	Directive string
	Err       error
}

func (e ParseError) Error() string {
	if e.Directive == "" {
		return fmt.Sprintf("line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("line %d: %s: %v", e.Line, e.Directive, e.Err)
}

func (e ParseError) Unwrap() error {
	return e.Err
}

func unsupported(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedConfiguration, fmt.Sprintf(format, args...))
}

func missing(what string) error {
	return fmt.Errorf("%w: %s", ErrMissingConfiguration, what)
}
