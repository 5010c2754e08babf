package service

import (
	"errors"
	"fmt"

	"tokoledger/backend/internal/auth"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrCommit     = errors.New("commit failed")
	ErrForbidden  = auth.ErrForbidden
)

// ValidationError reports malformed input. Nothing has been written when it
// is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field string, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// CommitError wraps a failed atomic write. None of the batch was applied.
type CommitError struct {
	Op  string
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("%s: commit failed: %v", e.Op, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

func (e *CommitError) Is(target error) bool {
	return target == ErrCommit
}
