package cli

import (
	"errors"
	"fmt"

	"github.com/invledger/postings/internal/domain"
)

// Exit codes for CLI commands.
const (
	ExitSuccess     = 0
	ExitFailure     = 1 // anything not classified below
	ExitConfigError = 2 // bad flags, environment or period
	ExitSourceError = 3 // the report could not be fetched
	ExitStoreError  = 4 // the store rejected the load; nothing committed
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps err with the exit code its kind maps to.
func WrapExitError(message string, err error) *ExitError {
	return &ExitError{Code: classify(err), Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Unclassified errors
// give ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return classify(err)
}

func classify(err error) int {
	var (
		cfgErr   *domain.ConfigError
		fetchErr *domain.SourceFetchError
		storeErr *domain.StoreError
	)
	switch {
	case errors.As(err, &cfgErr), errors.Is(err, domain.ErrFormat):
		return ExitConfigError
	case errors.As(err, &fetchErr):
		return ExitSourceError
	case errors.As(err, &storeErr):
		return ExitStoreError
	}
	return ExitFailure
}
