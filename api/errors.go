package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/bonus-ledger/bonus"
)

// statusFor maps a ledger error to an HTTP status and whether the client
// may retry the same request.
func statusFor(err error) (int, bool) {
	switch {
	case errors.Is(err, bonus.ErrValidation):
		return http.StatusBadRequest, false
	case bonus.IsNotFound(err):
		return http.StatusNotFound, false
	case errors.Is(err, bonus.ErrConcurrencyConflict):
		return http.StatusConflict, true
	case bonus.IsClientError(err):
		return http.StatusConflict, false
	case bonus.IsRetryable(err):
		return http.StatusServiceUnavailable, true
	default:
		return http.StatusInternalServerError, false
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError answers with the status matching err. Internal failures
// are logged here; the services already logged everything else.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status, retryable := statusFor(err)

	resp := ErrorResponse{Error: http.StatusText(status), Details: err.Error(), Retryable: retryable}
	var verr *bonus.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	if status == http.StatusInternalServerError {
		resp.Details = ""
		h.log.Error("unhandled ledger error",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r)),
			zap.Error(err))
	}
	writeJSON(w, status, resp)
}
