package sqlstore

import (
	"database/sql"
	"errors"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-hooks/core"
)

func sqlstoreError(
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

func sqlstoreWrapError(source error, message string, metadata map[string]any) error {
	if source == nil {
		return sqlstoreInternal(message, metadata)
	}
	if errors.Is(source, sql.ErrNoRows) {
		return core.NewNotFound(message, metadata)
	}
	err := goerrors.Wrap(source, goerrors.CategoryExternal, message).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(core.ErrorInternal)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func sqlstoreBadInput(message string, metadata map[string]any) error {
	return sqlstoreError(message, goerrors.CategoryBadInput, http.StatusBadRequest, core.ErrorBadInput, metadata)
}

func sqlstoreInternal(message string, metadata map[string]any) error {
	return sqlstoreError(message, goerrors.CategoryInternal, http.StatusInternalServerError, core.ErrorInternal, metadata)
}
