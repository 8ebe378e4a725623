// services/api-gateway/handlers/respond.go
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	perr "github.com/example/loan-payments-gateway/pkg/errors"
)

const maxRequestBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRaw sends a gateway body through unmodified.
func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string, details any) {
	writeJSON(w, status, ErrorOut{Error: msg, Details: details})
}

// statusFor is the single place a failure kind becomes an HTTP status.
func statusFor(e *perr.E) int {
	switch e.Kind {
	case perr.KindValidation:
		return http.StatusBadRequest
	case perr.KindForbidden:
		return http.StatusForbidden
	case perr.KindProtocol:
		return http.StatusBadGateway
	case perr.KindUpstream, perr.KindUpstreamAuth:
		if e.Status >= 400 && e.Status <= 599 {
			return e.Status
		}
		return http.StatusInternalServerError
	default:
		// configuration, persistence
		return http.StatusInternalServerError
	}
}

// writeFailure renders err as {error, details}. Upstream bodies are passed
// back as details, as JSON when they parse.
func writeFailure(w http.ResponseWriter, err error) {
	e, ok := perr.As(err)
	if !ok {
		slog.Error("unclassified_error", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error", nil)
		return
	}

	var details any
	switch {
	case len(e.Body) > 0 && json.Valid(e.Body):
		details = json.RawMessage(e.Body)
	case len(e.Body) > 0:
		details = string(e.Body)
	case e.Timeout:
		details = map[string]bool{"timeout": true}
	}
	writeError(w, statusFor(e), e.Message, details)
}

// decode reads a JSON body into v. An empty body leaves v at its zero value.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return perr.Wrap(perr.KindValidation, "invalid request body", err)
}
