package inbound

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-wecom/core"
)

func inboundBadInput(message string, metadata map[string]any) error {
	return core.NewError(
		message,
		goerrors.CategoryBadInput,
		http.StatusBadRequest,
		core.ErrorBadInput,
		metadata,
	)
}

func inboundInternal(message string, metadata map[string]any) error {
	return core.NewError(
		message,
		goerrors.CategoryInternal,
		http.StatusInternalServerError,
		core.ErrorInternal,
		metadata,
	)
}
