// Package errors defines the pipeline's failure taxonomy. Store backends and
// transport wrappers classify raw driver errors into these sentinels so the
// retry and dead-letter layers can decide behavior with errors.Is alone.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRecord marks a malformed record. Never retried; the record
	// is routed to the dead-letter topic immediately.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrStoreTransient marks a per-document write failure that is worth
	// retrying (write timeout, transient connectivity blip).
	ErrStoreTransient = errors.New("transient store error")

	// ErrStoreUnavailable marks a connectivity failure affecting the whole
	// batch rather than individual documents.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrDeadLetterPublish marks a failure to publish to the dead-letter
	// topic. Retried, then escalated as an unresolved batch.
	ErrDeadLetterPublish = errors.New("dead letter publish failed")

	// ErrCommitFailed marks a checkpoint commit failure. Not retried within
	// the batch; the next poll re-delivers from the last successful commit.
	ErrCommitFailed = errors.New("checkpoint commit failed")

	// ErrLogConnection marks a lost connection to the log system itself.
	// Fatal to the process; the supervising environment restarts it.
	ErrLogConnection = errors.New("log connection lost")
)

// Retryable reports whether err represents a failure the retry policy should
// attempt again. Unknown errors are treated as non-retryable; backends are
// responsible for classifying driver errors into the sentinels above.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrStoreTransient),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrDeadLetterPublish):
		return true
	default:
		return false
	}
}

// Invalid wraps err (or a bare reason) as a non-retryable validation failure.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}

// Transient wraps a driver error as a retryable per-document failure.
func Transient(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreTransient, err)
}

// Unavailable wraps a driver error as a whole-batch connectivity failure.
func Unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
