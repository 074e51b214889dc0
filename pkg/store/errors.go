package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchmodel/couchmodel.go/pkg/constants"
)

// NotFound reports whether err wraps constants.ErrNotFound.
func NotFound(err error) bool {
	return errors.Is(err, constants.ErrNotFound)
}

// Conflict reports whether err wraps constants.ErrConflict.
func Conflict(err error) bool {
	return errors.Is(err, constants.ErrConflict)
}

// Retryable reports whether a unit that failed with err may succeed when
// run again unchanged.
func Retryable(err error) bool {
	return errors.Is(err, constants.ErrTimeout) ||
		errors.Is(err, constants.ErrStoreUnavailable) ||
		errors.Is(err, constants.ErrConflict)
}

// ContextErr maps a context error to the store taxonomy, returning nil when
// err is not a context error.
func ContextErr(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, constants.ErrTimeout)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, constants.ErrCanceled)
	}
	return nil
}
