package core

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"strings"
	"syscall"

	goerrors "github.com/goliatone/go-errors"
)

type ErrorClass string

const (
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassPermanent ErrorClass = "permanent"
)

var transientStatusCodes = []int{
	http.StatusRequestTimeout,
	http.StatusTooEarly,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// classifiedError keeps the original cause reachable through errors.Is and
// errors.As; go-errors' RetryableError does not unwrap.
type classifiedError struct {
	*goerrors.RetryableError
	cause error
}

func (e *classifiedError) Error() string {
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() []error {
	return []error{e.RetryableError, e.cause}
}

// Transient marks err as expected to succeed on retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		RetryableError: goerrors.WrapRetryable(err, goerrors.CategoryExternal, "transient failure").
			WithTextCode(ErrorTransient),
		cause: err,
	}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		RetryableError: goerrors.WrapRetryable(err, goerrors.CategoryOperation, "permanent failure").
			WithRetryable(false).
			WithTextCode(ErrorPermanent),
		cause: err,
	}
}

func NewTransient(message string) error {
	return goerrors.NewRetryable(message, goerrors.CategoryExternal).
		WithTextCode(ErrorTransient)
}

func NewPermanent(message string) error {
	return goerrors.NewNonRetryable(message, goerrors.CategoryOperation).
		WithTextCode(ErrorPermanent)
}

// StatusError carries the HTTP status of a failed downstream call so the
// classifier can recognise rate limits and 5xx responses.
type StatusError struct {
	Status  int
	Message string
	Cause   error
}

func (e *StatusError) Error() string {
	message := strings.TrimSpace(e.Message)
	if message == "" {
		message = http.StatusText(e.Status)
	}
	if e.Cause != nil {
		return message + ": " + e.Cause.Error()
	}
	return message
}

func (e *StatusError) Unwrap() error {
	return e.Cause
}

func (e *StatusError) StatusCode() int {
	return e.Status
}

// Classify decides whether err is transient or permanent. Explicit markers
// win; otherwise rate limits, 5xx statuses, timeouts and connection
// failures are transient and anything unrecognised is permanent.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassPermanent
	}

	var marked interface{ IsRetryable() bool }
	if errors.As(err, &marked) {
		if marked.IsRetryable() {
			return ErrorClassTransient
		}
		return ErrorClassPermanent
	}

	if goerrors.HasCategory(err, goerrors.CategoryRateLimit) ||
		goerrors.HasCategory(err, goerrors.CategoryExternal) {
		return ErrorClassTransient
	}

	if status, ok := statusCodeOf(err); ok {
		if slices.Contains(transientStatusCodes, status) {
			return ErrorClassTransient
		}
		return ErrorClassPermanent
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return ErrorClassTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorClassTransient
	}
	return ErrorClassPermanent
}

func IsTransient(err error) bool {
	return err != nil && Classify(err) == ErrorClassTransient
}

func statusCodeOf(err error) (int, bool) {
	var withStatus interface{ StatusCode() int }
	if errors.As(err, &withStatus) && withStatus.StatusCode() > 0 {
		return withStatus.StatusCode(), true
	}
	var withHTTPStatus interface{ HTTPStatus() int }
	if errors.As(err, &withHTTPStatus) && withHTTPStatus.HTTPStatus() > 0 {
		return withHTTPStatus.HTTPStatus(), true
	}
	return 0, false
}
