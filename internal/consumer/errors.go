package consumer

import (
	"context"
	"errors"

	"github.com/JulianNeuberger/datasetd/internal/storage"
)

var (
	ErrServiceRequired      = errors.New("datasetd: consumer service is required")
	ErrHandlerRequired      = errors.New("datasetd: handler function is required")
	ErrConsumeQueueRequired = errors.New("datasetd: consume queue is required")
	ErrHandlerNameRequired  = errors.New("datasetd: handler name is required")
	ErrPublisherRequired    = errors.New("datasetd: publisher is required")
	ErrSubscriberRequired   = errors.New("datasetd: subscriber is required")
	ErrConfigRequired       = errors.New("datasetd: configuration is required")
	ErrLoggerRequired       = errors.New("datasetd: logger is required")
)

// UnprocessableEventError marks a message that can never succeed: malformed
// payload, unknown event type, failed validation. The consumer dead-letters
// it immediately, without retries.
type UnprocessableEventError struct {
	EventMessage string
	Err          error
}

func (e *UnprocessableEventError) Error() string {
	return "unprocessable event: " + e.EventMessage + " error: " + e.Err.Error()
}

func (e *UnprocessableEventError) Unwrap() error { return e.Err }

// NewUnprocessableEventError wraps err as a permanent, non-retryable failure.
func NewUnprocessableEventError(eventMessage string, err error) *UnprocessableEventError {
	return &UnprocessableEventError{EventMessage: eventMessage, Err: err}
}

// RetryableError marks a transient failure: the message should be retried
// with backoff and only dead-lettered once the retry budget is spent.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so the retry middleware treats it as transient.
// Returns nil for nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsFatal reports whether err is a permanent failure that must skip retries.
func IsFatal(err error) bool {
	var unprocessable *UnprocessableEventError
	return errors.As(err, &unprocessable)
}

// ErrorCategory buckets handler failures for stats and metrics.
type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTransient  ErrorCategory = "transient"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier maps a handler error to a category.
type ErrorClassifier func(error) ErrorCategory

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	if IsFatal(err) {
		return ErrorCategoryValidation
	}
	if errors.Is(err, storage.ErrPoolExhausted) {
		return ErrorCategoryDownstream
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryDownstream
	}
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return ErrorCategoryTransient
	}
	return ErrorCategoryOther
}
