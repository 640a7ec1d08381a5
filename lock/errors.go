package lock

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/infigaming-com/go-dlock/errors"
)

var (
	ErrInvalidLockKey      = stderrors.New("invalid lock key")
	ErrInvalidOwner        = stderrors.New("invalid lock owner")
	ErrInvalidJointRequest = stderrors.New("invalid joint lock request")
	ErrLockNotAcquired     = stderrors.New("lock not acquired")
	ErrAcquisitionTimeout  = fmt.Errorf("%w: wait time elapsed", ErrLockNotAcquired)
	ErrProviderUnavailable = stderrors.New("lock provider unavailable")
	ErrCancelled           = stderrors.New("lock acquisition cancelled")
	ErrRetriesExhausted    = stderrors.New("lock acquisition retries exhausted")
	ErrNotHeld             = stderrors.New("lock not held by owner")
	ErrSessionNotAcquired  = stderrors.New("lock session was never acquired")
	ErrSessionConsumed     = stderrors.New("lock session already released")
	ErrInvalidRetryConfig  = stderrors.New("invalid retry config")
)

const (
	ErrCodeInvalidRequest = 20000 + iota
	ErrCodeAcquisitionTimeout
	ErrCodeProviderUnavailable
	ErrCodeCancelled
	ErrCodeRetriesExhausted
	ErrCodeNotHeld
	ErrCodeInvalidSession
)

func codeFor(cause error) int64 {
	switch {
	case stderrors.Is(cause, ErrCancelled):
		return ErrCodeCancelled
	case stderrors.Is(cause, ErrRetriesExhausted):
		return ErrCodeRetriesExhausted
	case stderrors.Is(cause, ErrAcquisitionTimeout), stderrors.Is(cause, ErrLockNotAcquired):
		return ErrCodeAcquisitionTimeout
	case stderrors.Is(cause, ErrProviderUnavailable):
		return ErrCodeProviderUnavailable
	case stderrors.Is(cause, ErrNotHeld):
		return ErrCodeNotHeld
	case stderrors.Is(cause, ErrSessionNotAcquired), stderrors.Is(cause, ErrSessionConsumed):
		return ErrCodeInvalidSession
	default:
		return ErrCodeInvalidRequest
	}
}

// AcquireError reports a failed acquisition, naming the keys and the wait
// time that was used.
type AcquireError struct {
	baseErr  *errors.Error
	Keys     []string
	WaitTime time.Duration
}

func newAcquireError(keys []string, waitTime time.Duration, cause error) *AcquireError {
	msg := fmt.Sprintf("failed to acquire lock [%s] within %s", strings.Join(keys, ", "), waitTime)
	return &AcquireError{
		baseErr: errors.NewError(codeFor(cause), msg, cause).WithDetails(map[string]any{
			"keys":      keys,
			"wait_time": waitTime.String(),
		}),
		Keys:     keys,
		WaitTime: waitTime,
	}
}

func (e *AcquireError) Error() string {
	return e.baseErr.Error()
}

func (e *AcquireError) GetCode() int64 {
	return e.baseErr.GetCode()
}

func (e *AcquireError) Unwrap() error {
	return e.baseErr
}

// RetryError is the terminal outcome of an exhausted retry budget. It
// matches both ErrRetriesExhausted and the last attempt's cause.
type RetryError struct {
	Attempts int
	Retries  int
	Cause    error
}

func (e *RetryError) Error() string {
	msg := fmt.Sprintf("acquisition failed after %d attempts (%d retries)", e.Attempts, e.Retries)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RetryError) GetCode() int64 {
	return ErrCodeRetriesExhausted
}

func (e *RetryError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrRetriesExhausted}
	}
	return []error{ErrRetriesExhausted, e.Cause}
}

// cancelled normalises a context error into the lock taxonomy while keeping
// context.Canceled / context.DeadlineExceeded reachable.
func cancelled(err error) error {
	if stderrors.Is(err, ErrCancelled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

func isContextErr(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}

// IsPermanent reports whether err can never succeed on a retry.
func IsPermanent(err error) bool {
	return stderrors.Is(err, ErrInvalidLockKey) ||
		stderrors.Is(err, ErrInvalidOwner) ||
		stderrors.Is(err, ErrInvalidJointRequest) ||
		stderrors.Is(err, ErrCancelled) ||
		isContextErr(err)
}
