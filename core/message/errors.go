package message

import (
	"github.com/pkg/errors"
)

var (
	// preconditions: rejected before any store call
	ErrNotAuthenticated  = errors.New("user not authenticated")
	ErrNoCorrespondent   = errors.New("no correspondent selected")
	ErrSelfCorrespondent = errors.New("cannot exchange messages with yourself")
	ErrEmptyContent      = errors.New("message content cannot be empty")
	ErrReceiverNotFound  = errors.New("receiver not found")
	ErrSendInFlight      = errors.New("a message is already being sent")
	ErrViewClosed        = errors.New("messaging view closed")

	// store failures
	ErrFetchFailed        = errors.New("fetch failed")
	ErrSendFailed         = errors.New("send failed")
	ErrMarkReadFailed     = errors.New("marking messages as read failed")
	ErrSubscriptionFailed = errors.New("subscription failed")

	preconditions = []error{
		ErrNotAuthenticated, ErrNoCorrespondent, ErrSelfCorrespondent, ErrEmptyContent, ErrReceiverNotFound,
		ErrSendInFlight, ErrViewClosed,
	}
)

// StoreError is a failure of the store (or broker) behind an operation.
// It matches its Kind with errors.Is: errors.Is(err, ErrFetchFailed).
type StoreError struct {
	Op   string
	Kind error
	Err  error
}

func newStoreError(op string, kind, err error) error {
	return &StoreError{Op: op, Kind: kind, Err: err}
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == e.Kind }

// Retryable reports whether the operation can be retried as is: reads are, writes might have gone through.
func (e *StoreError) Retryable() bool {
	return e.Kind == ErrFetchFailed || e.Kind == ErrMarkReadFailed || e.Kind == ErrSubscriptionFailed
}

// IsPrecondition reports whether err was raised by a rejected precondition.
func IsPrecondition(err error) bool {
	for _, p := range preconditions {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err is a StoreError that can be retried as is.
func IsRetryable(err error) bool {
	var serr *StoreError
	return errors.As(err, &serr) && serr.Retryable()
}
