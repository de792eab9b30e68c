package domain

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"time"
)

var (
	// ErrTaskNotFound is returned when no row exists for a task id
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidReference is returned for malformed enqueue input; no task is created
	ErrInvalidReference = errors.New("invalid source reference")

	// ErrInvalidState is returned when a command is illegal for the task's status
	ErrInvalidState = errors.New("invalid task state")

	// ErrStorageUnavailable means durability can no longer be guaranteed
	ErrStorageUnavailable = errors.New("task storage unavailable")

	// ErrEngineStopped is returned for new work after shutdown or a storage failure
	ErrEngineStopped = errors.New("download engine is not accepting work")
)

// ErrorKind classifies transfer failures for the retry policy
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindPermanent
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// TransferError is a classified failure from the remote file provider or the
// local file system.
type TransferError struct {
	Kind ErrorKind
	// RetryAfter is the provider's wait hint for rate limiting, zero if none
	RetryAfter time.Duration
	Err        error
}

func (e *TransferError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s error (retry after %s): %v", e.Kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Transient wraps a recoverable failure
func Transient(err error) error {
	return &TransferError{Kind: KindTransient, Err: err}
}

// Permanent wraps a failure that retrying cannot fix
func Permanent(err error) error {
	return &TransferError{Kind: KindPermanent, Err: err}
}

// RateLimited wraps a provider rate-limit error carrying its wait hint
func RateLimited(err error, retryAfter time.Duration) error {
	return &TransferError{Kind: KindTransient, RetryAfter: retryAfter, Err: err}
}

// ClassifyError maps an error to its kind and the provider's wait hint.
// Unknown errors are treated as transient so that they go through the retry budget.
func ClassifyError(err error) (ErrorKind, time.Duration) {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind, te.RetryAfter
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled, 0
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient, 0
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient, 0
	}
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, ErrInvalidReference) {
		return KindPermanent, 0
	}
	return KindTransient, 0
}

// ConfigError names the option that failed validation
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Option, e.Reason)
}
