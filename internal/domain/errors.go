package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrFormat marks malformed textual input (dates, timestamps, bounds).
	ErrFormat = errors.New("format error")
	// ErrBadAmount is returned by strict amount parsing.
	ErrBadAmount = errors.New("bad amount")
)

// FormatError reports a value that could not be parsed.
type FormatError struct {
	Value string
	Msg   string
}

func (e *FormatError) Error() string {
	if e.Value == "" {
		return "format error: " + e.Msg
	}
	return fmt.Sprintf("format error: %s: %q", e.Msg, e.Value)
}

func (e *FormatError) Is(target error) bool { return target == ErrFormat }

// ConfigError is a missing or malformed run parameter. It is raised before
// any I/O happens.
type ConfigError struct {
	Param string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Param, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// SourceFetchError means the source collaborator failed after its own
// retries. Nothing is loaded when it occurs.
type SourceFetchError struct {
	Source string
	Err    error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *SourceFetchError) Unwrap() error { return e.Err }

// StoreError means the load transaction failed and was rolled back.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
