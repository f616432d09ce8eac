package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/clean-dependency-project/botctl/internal/versions"
)

type envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *envelopeError `json:"error,omitempty"`
}

type envelopeError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// requestError marks a malformed request.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	writeErrorData(w, err, nil)
}

// writeErrorData writes an error envelope that still carries data the caller
// needs, such as the backup taken before a failed update.
func writeErrorData(w http.ResponseWriter, err error, data any) {
	code, status := versions.CodeFor(err)
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		code, status = versions.CodeBadRequest, http.StatusBadRequest
	}
	writeJSON(w, status, envelope{Data: data, Error: &envelopeError{
		Code:      code,
		Message:   err.Error(),
		RequestID: w.Header().Get("X-Request-Id"),
	}})
}
