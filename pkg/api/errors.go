package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/polisai/tokenswipe/pkg/domain"
	"github.com/polisai/tokenswipe/pkg/telemetry"
)

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAuthenticationFailed), errors.Is(err, domain.ErrInvalidIdentityToken):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrPolicyDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrWalletNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrNoRoutesAvailable),
		errors.Is(err, domain.ErrProviderUnavailable),
		errors.Is(err, domain.ErrSigningFailed),
		errors.Is(err, domain.ErrWalletCreationFailed):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrCacheUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	s.writeError(w, r, err, StatusFor(err))
}

// writeError renders the JSON error model. Causes are logged, never echoed.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, status int) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}

	code := domain.CodeOf(err)
	message := domain.PublicMessage(err)
	if status == http.StatusNotFound && code == domain.CodeInvalidRequest {
		code = "NOT_FOUND"
	}

	writeJSON(w, status, domain.ErrorResponse{
		Code:    code,
		Message: message,
		TraceID: telemetry.TraceID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
