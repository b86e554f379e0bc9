package core

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput     = "HOOKS_BAD_INPUT"
	ErrorUnauthorized = "HOOKS_UNAUTHORIZED"
	ErrorNotFound     = "HOOKS_NOT_FOUND"
	ErrorConflict     = "HOOKS_CONFLICT"
	ErrorRateLimited  = "HOOKS_RATE_LIMITED"
	ErrorQueueFailed  = "HOOKS_QUEUE_FAILED"
	ErrorTransient    = "HOOKS_TRANSIENT"
	ErrorPermanent    = "HOOKS_PERMANENT"
	ErrorInternal     = "HOOKS_INTERNAL_ERROR"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

// NewNotFound builds the envelope stores return for missing records.
func NewNotFound(message string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, goerrors.CategoryNotFound).
		WithCode(http.StatusNotFound).
		WithTextCode(ErrorNotFound)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// NewConflict builds the envelope stores return for duplicate writes.
func NewConflict(message string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, goerrors.CategoryConflict).
		WithCode(http.StatusConflict).
		WithTextCode(ErrorConflict)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func IsNotFound(err error) bool {
	return goerrors.HasCategory(err, goerrors.CategoryNotFound)
}

func IsConflict(err error) bool {
	return goerrors.HasCategory(err, goerrors.CategoryConflict)
}

// MapError converts any error into a go-errors envelope with an HTTP status
// and text code.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}
	var retryableErr *goerrors.RetryableError
	if goerrors.As(err, &retryableErr) && retryableErr.BaseError != nil {
		return ensureErrorEnvelope(retryableErr.BaseError)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "not found"):
		return newHooksError(err.Error(), goerrors.CategoryNotFound, ErrorNotFound)
	case strings.Contains(msg, "signature"), strings.Contains(msg, "unauthorized"):
		return newHooksError(err.Error(), goerrors.CategoryAuth, ErrorUnauthorized)
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return newHooksError(err.Error(), goerrors.CategoryRateLimit, ErrorRateLimited)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "malformed"):
		return newHooksError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func newHooksError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = HTTPStatusFor(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorUnauthorized
	case goerrors.CategoryConflict:
		return ErrorConflict
	case goerrors.CategoryRateLimit:
		return ErrorRateLimited
	default:
		return ErrorInternal
	}
}

func HTTPStatusFor(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
