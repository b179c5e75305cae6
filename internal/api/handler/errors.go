package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/kueuexec/internal/api/response"
	"github.com/kiranshivaraju/kueuexec/internal/executor"
	"github.com/kiranshivaraju/kueuexec/internal/operator"
	"github.com/kiranshivaraju/kueuexec/internal/operator/cluster"
	"github.com/kiranshivaraju/kueuexec/internal/poller"
	"github.com/kiranshivaraju/kueuexec/internal/store"
)

// writeServiceError maps executor and store sentinels to API errors.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, executor.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, operator.ErrUnsupportedOperator):
		response.Error(w, http.StatusBadRequest, "UNSUPPORTED_OPERATOR", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
	case errors.Is(err, cluster.ErrSubmitRejected):
		response.Error(w, http.StatusBadGateway, "SUBMIT_REJECTED",
			"The cluster rejected the job", map[string]string{"cause": err.Error()})
	case errors.Is(err, poller.ErrPollerStopped):
		response.Error(w, http.StatusServiceUnavailable, "POLLER_STOPPED",
			"Job submission is closed after a cancel", nil)
	default:
		slog.Error("request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
