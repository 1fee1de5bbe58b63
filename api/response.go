package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/formlake/hookrelay"
	"github.com/formlake/hookrelay/endpoint"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var ve *endpoint.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, hookrelay.ErrEndpointNotFound),
		errors.Is(err, hookrelay.ErrDeliveryNotFound),
		errors.Is(err, hookrelay.ErrEventNotFound),
		errors.Is(err, hookrelay.ErrDLQNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, hookrelay.ErrEndpointDisabled),
		errors.Is(err, hookrelay.ErrDeliveryNotRetryable),
		errors.Is(err, hookrelay.ErrAlreadyRedriven):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// queryInt parses an integer query parameter, returning 0 when absent or
// malformed.
func queryInt(r *http.Request, key string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
