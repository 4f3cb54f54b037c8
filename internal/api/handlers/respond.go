// Package handlers provides HTTP handlers for the adherence API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/domain/dose"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dose.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, dose.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, middleware.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, dose.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error. Server-side failures are logged and their
// detail withheld from the client.
func fail(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	code := statusFor(err)
	msg := err.Error()
	switch code {
	case http.StatusInternalServerError:
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		msg = "internal server error"
	case http.StatusServiceUnavailable:
		logger.Warn("store unavailable",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		msg = "service temporarily unavailable"
	}
	jsonError(w, msg, code)
}
