package models

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for job processing.
var (
	// ErrCancelled marks the distinguished cancellation path. It is not a
	// failure: the worker deletes the working directory and marks the
	// render cancelled instead of failed.
	ErrCancelled = errors.New("job cancelled")

	// ErrNoJob is returned by the queue when no claim was made, either
	// because the queue is empty or the fleet-wide cap is reached.
	ErrNoJob = errors.New("no job available")

	ErrJobParseFailed = errors.New("failed to parse job payload")
	ErrWorkerShutdown = errors.New("worker shutdown")
)

// ValidationError marks unmet job preconditions. Terminal, never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// TransientError marks a network, queue, upload, or remote-browser hiccup.
// Stage callers retry these; on exhaustion they promote to PermanentError.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Transientf wraps a formatted error as a TransientError.
func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// PermanentError is terminal for the job; the render is marked failed and
// the working directory is kept per the failure-retention policy.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// SceneRecordError reports a failed scene capture attempt. The recorder
// never retries; the pipeline's retry policy decides.
type SceneRecordError struct {
	SceneOrder int
	Err        error
}

func (e *SceneRecordError) Error() string {
	return fmt.Sprintf("scene %d record failed: %v", e.SceneOrder, e.Err)
}

func (e *SceneRecordError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried by stage policy.
// Scene record errors count as transient unless explicitly permanent.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	var re *SceneRecordError
	return errors.As(err, &re)
}

// IsValidation reports whether err is a precondition failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsCancelled reports whether err is the cancellation path, either the
// explicit sentinel or a cancelled context bubbling out of a sub-process.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// RootMessage returns the message recorded on the render row for a
// terminal error, truncated to max bytes.
func RootMessage(err error, max int) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if max > 0 && len(msg) > max {
		msg = msg[:max]
	}
	return msg
}
