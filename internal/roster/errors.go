package roster

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransport marks network, timeout and non-2xx failures. Always retryable on a later run.
	ErrTransport = errors.New("transport failure")
	// ErrParse marks pages whose structure did not match expectations.
	ErrParse = errors.New("parse failure")
	// ErrConsistency marks a ledgered task whose artifact is missing.
	ErrConsistency = errors.New("ledger/artifact inconsistency")
	// ErrCorruptState marks a durable cache or ledger that could not be decoded.
	ErrCorruptState = errors.New("corrupt durable state")
	// ErrNotFound is returned by ArtifactStore.Read for unknown tasks.
	ErrNotFound = errors.New("not found")
)

// TransportError describes a failed fetch.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

// Error implements error.
func (e *TransportError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
}

// Is matches ErrTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// Unwrap exposes the underlying cause.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt in the same run could succeed.
// Client errors other than 408 and 429 are treated as permanent for this run.
func (e *TransportError) Retryable() bool {
	if e.StatusCode == 0 {
		return !errors.Is(e.Err, context.Canceled)
	}
	switch {
	case e.StatusCode == 408, e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// ConsistencyError reports a ledgered task with no backing artifact.
type ConsistencyError struct {
	Task CoarseTaskID
}

// Error implements error.
func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("task %s is ledgered but has no artifact", e.Task)
}

// Is matches ErrConsistency.
func (e *ConsistencyError) Is(target error) bool {
	return target == ErrConsistency
}

// Error classes used for metrics labels and retry decisions.
const (
	ClassTransport = "transport"
	ClassParse     = "parse"
	ClassCanceled  = "canceled"
	ClassOther     = "other"
)

// Classify maps an error to a coarse class label.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.Is(err, ErrTransport), errors.Is(err, context.DeadlineExceeded):
		return ClassTransport
	case errors.Is(err, ErrParse):
		return ClassParse
	default:
		return ClassOther
	}
}
