package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stevecastle/grabq/engine"
	"github.com/stevecastle/grabq/jobqueue"
)

// Error codes carried in {"error":{"code","message"}} bodies.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeUnauthorized   = "unauthorized"
	CodeUnavailable    = "unavailable"
	CodeEngineMissing  = "engine_missing"
	CodeInternal       = "internal"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: apiError{Code: code, Message: msg}})
}

// writeJobError maps scheduler errors onto HTTP statuses.
func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobqueue.ErrJobNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, jobqueue.ErrEmptyURL), errors.Is(err, jobqueue.ErrInvalidConcurrency):
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	case errors.Is(err, jobqueue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

// writeProbeError maps metadata probe failures. The probe kind becomes the
// error code.
func writeProbeError(w http.ResponseWriter, err error) {
	var pe *engine.ProbeError
	if !errors.As(err, &pe) {
		writeError(w, http.StatusBadGateway, CodeInternal, err.Error())
		return
	}
	status := http.StatusBadGateway
	switch pe.Kind {
	case engine.ProbeInvalidURL, engine.ProbeUnsupported:
		status = http.StatusBadRequest
	case engine.ProbeUnavailable, engine.ProbePrivate, engine.ProbeAgeRestricted:
		status = http.StatusUnprocessableEntity
	case engine.ProbeRateLimited:
		status = http.StatusTooManyRequests
	}
	writeError(w, status, string(pe.Kind), pe.Message)
}
