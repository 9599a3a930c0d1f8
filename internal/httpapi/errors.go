package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"agrivet.store/internal/audit"
	"agrivet.store/internal/auth"
)

const storageRetryAfter = "5"

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorBody{
		Error:     msg,
		Code:      code,
		RequestID: audit.RequestIDFromContext(r.Context()),
	})
}

// authFailures maps 401 sentinels onto their wire code and message.
var authFailures = []struct {
	err  error
	code string
	msg  string
}{
	{auth.ErrInvalidCredentials, "invalid_credentials", "invalid email or password"},
	{auth.ErrMissingToken, "missing_token", "missing bearer token"},
	{auth.ErrTokenExpired, "token_expired", "access token expired"},
	{auth.ErrInvalidToken, "invalid_token", "invalid token"},
	{auth.ErrMissingRefreshToken, "missing_refresh_token", "missing refresh token"},
	{auth.ErrRefreshTokenExpired, "refresh_token_expired", "refresh token expired"},
	{auth.ErrRefreshTokenRevoked, "refresh_token_revoked", "refresh token revoked"},
}

// writeServiceError translates the auth error taxonomy into HTTP responses.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	for _, f := range authFailures {
		if errors.Is(err, f.err) {
			if f.code == "missing_token" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="agrivet"`)
			} else if f.code == "invalid_token" || f.code == "token_expired" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="agrivet", error="invalid_token"`)
			}
			writeError(w, r, http.StatusUnauthorized, f.code, f.msg)
			return
		}
	}

	var forbidden *auth.ForbiddenError
	switch {
	case errors.As(err, &forbidden):
		writeJSON(w, http.StatusForbidden, errorBody{
			Error:     "forbidden",
			Code:      "forbidden",
			Reason:    string(forbidden.Reason),
			RequestID: audit.RequestIDFromContext(r.Context()),
		})
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid_input", strings.TrimPrefix(err.Error(), "auth: "))
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict", "email already registered")
	case errors.Is(err, auth.ErrStorageUnavailable):
		a.logger.Error("storage unavailable", zap.Error(err),
			zap.String("request_id", audit.RequestIDFromContext(r.Context())))
		w.Header().Set("Retry-After", storageRetryAfter)
		writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable")
	case errors.Is(err, audit.ErrQueryUnsupported):
		writeError(w, r, http.StatusNotImplemented, "not_implemented", "audit log is not queryable")
	default:
		a.logger.Error("request failed", zap.Error(err),
			zap.String("request_id", audit.RequestIDFromContext(r.Context())))
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}
