// Package api provides RFC 7807 Problem Detail error responses and wire
// envelopes for the research engine's HTTP surface. The engine itself returns
// typed errors; only this layer converts them to status codes.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses must use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Code is the stable machine-readable error code, when the engine set one.
	Code string `json:"code,omitempty"`
	// Details carries structured envelope fields (e.g. max_zip_bytes).
	Details map[string]any `json:"details,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// StatusFor maps an engine error kind to an HTTP status code.
func StatusFor(kind contracts.ErrorKind) int {
	switch kind {
	case contracts.KindValidation:
		return http.StatusBadRequest
	case contracts.KindAuthorization:
		return http.StatusForbidden
	case contracts.KindNotFound:
		return http.StatusNotFound
	case contracts.KindConflict:
		return http.StatusConflict
	case contracts.KindLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case contracts.KindExternalProviderConfig:
		return http.StatusUnprocessableEntity
	case contracts.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteEngineError converts a typed engine error to a problem response.
func WriteEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var de *contracts.Error
	if !errors.As(err, &de) {
		WriteError(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
		return
	}

	status := StatusFor(de.Kind)
	problem := &ProblemDetail{
		Type:    fmt.Sprintf("https://prospector.mindburn.dev/errors/%d", status),
		Title:   http.StatusText(status),
		Status:  status,
		Detail:  de.Message,
		Code:    de.Code,
		Details: de.Details,
	}
	if r != nil {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://prospector.mindburn.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteJSON writes a 200 JSON body.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
