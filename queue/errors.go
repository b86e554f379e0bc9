package queue

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-hooks/core"
)

func queueError(
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func queueWrapError(source error, message string, metadata map[string]any) error {
	if source == nil {
		return queueError(message, goerrors.CategoryInternal, http.StatusInternalServerError, core.ErrorQueueFailed, metadata)
	}
	err := goerrors.Wrap(source, goerrors.CategoryExternal, message).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(core.ErrorQueueFailed)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func queueBadInput(message string, metadata map[string]any) error {
	return queueError(
		message,
		goerrors.CategoryBadInput,
		http.StatusBadRequest,
		core.ErrorBadInput,
		metadata,
	)
}

func queueInternal(message string, metadata map[string]any) error {
	return queueError(
		message,
		goerrors.CategoryInternal,
		http.StatusInternalServerError,
		core.ErrorQueueFailed,
		metadata,
	)
}
