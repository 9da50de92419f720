package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"meeting-taskflow/internal/domain"
	"meeting-taskflow/internal/store"
)

// StatusFor maps an error to the HTTP status returned to clients.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidTask):
		return http.StatusBadRequest
	}

	kind, ok := domain.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindBusy:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// clientMessage returns text that is safe to show a client. Worker stderr
// and wrapped causes stay in the logs.
func clientMessage(err error) string {
	var pErr *domain.PipelineError
	if errors.As(err, &pErr) {
		return pErr.Message
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "Task not found"
	case errors.Is(err, store.ErrInvalidTask):
		return err.Error()
	}
	return "Internal error"
}

// abortWithError writes the failure envelope.
func abortWithError(c *gin.Context, err error) {
	body := gin.H{
		"success": false,
		"message": clientMessage(err),
	}
	var pErr *domain.PipelineError
	if errors.As(err, &pErr) {
		body["kind"] = pErr.Kind
		if pErr.Rule != "" {
			body["rule"] = pErr.Rule
		}
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(StatusFor(err), body)
}
