package main

import (
	"encoding/json"
	"errors"
	"net/http"

	merchanthub "github.com/scr53005/merchant-hub"
	"github.com/scr53005/merchant-hub/coordinator"
)

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message, Details: details}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeEngineError maps engine errors onto status codes. Internal failures
// keep their message out of the response.
func writeEngineError(w http.ResponseWriter, err error) {
	var lost merchanthub.LeadershipLostError
	switch {
	case errors.Is(err, merchanthub.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
	case errors.Is(err, coordinator.ErrUnknownRecipient):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.As(err, &lost):
		writeError(w, http.StatusConflict, "leadership_lost", "candidate does not hold the lease", map[string]string{
			"candidateId":   lost.Candidate,
			"currentHolder": lost.Holder,
		})
	case merchanthub.IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, "source_unavailable", "a backing service is unavailable, retry later", nil)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}
