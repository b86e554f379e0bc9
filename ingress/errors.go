package ingress

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-hooks/core"
)

func ingressError(
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func ingressWrapError(source error, category goerrors.Category, code int, textCode string, message string, metadata map[string]any) *goerrors.Error {
	if source == nil {
		return ingressError(message, category, code, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func ingressBadInput(message string, metadata map[string]any) *goerrors.Error {
	return ingressError(message, goerrors.CategoryBadInput, http.StatusBadRequest, core.ErrorBadInput, metadata)
}

func ingressUnauthorized(message string, metadata map[string]any) *goerrors.Error {
	return ingressError(message, goerrors.CategoryAuth, http.StatusUnauthorized, core.ErrorUnauthorized, metadata)
}

func ingressInternal(message string, metadata map[string]any) *goerrors.Error {
	return ingressError(message, goerrors.CategoryInternal, http.StatusInternalServerError, core.ErrorInternal, metadata)
}
