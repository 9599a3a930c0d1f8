package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"agrivet.store/internal/auth"
	"agrivet.store/internal/notify"
)

const (
	refreshCookie     = "refresh_token"
	accessTokenHeader = "X-Access-Token"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken     string        `json:"access_token"`
	TokenType       string        `json:"token_type"`
	AccessExpiresAt time.Time     `json:"access_expires_at"`
	Identity        *auth.Profile `json:"identity,omitempty"`
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "email and password are required")
		return
	}
	pair, ident, err := a.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.setRefreshCookie(w, pair)
	profile := ident.Profile()
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:     pair.AccessToken,
		TokenType:       "Bearer",
		AccessExpiresAt: pair.AccessExpiresAt,
		Identity:        &profile,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	pair, _, err := a.auth.Refresh(r.Context(), readRefreshCookie(r))
	if err != nil {
		if !errors.Is(err, auth.ErrStorageUnavailable) {
			a.clearRefreshCookie(w)
		}
		a.writeServiceError(w, r, err)
		return
	}
	a.setRefreshCookie(w, pair)
	w.Header().Set(accessTokenHeader, pair.AccessToken)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:     pair.AccessToken,
		TokenType:       "Bearer",
		AccessExpiresAt: pair.AccessExpiresAt,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	err := a.auth.Logout(r.Context(), readRefreshCookie(r))
	switch {
	case err == nil, errors.Is(err, auth.ErrMissingRefreshToken), errors.Is(err, auth.ErrInvalidToken):
		a.clearRefreshCookie(w)
		w.WriteHeader(http.StatusNoContent)
	default:
		a.writeServiceError(w, r, err)
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	ident, err := a.auth.Register(r.Context(), auth.RegisterInput{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ident.Profile())
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	ident, err := a.auth.Profile(r.Context(), claims.UserID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ident.Profile())
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())
	if err := a.auth.ChangePassword(r.Context(), claims.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.notifier.Notify(r.Context(), notify.Notification{
		UserID: claims.UserID,
		Kind:   notify.KindPasswordChanged,
		Title:  "Password changed",
		Body:   "Your password was changed and other sessions were signed out.",
	})
	a.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setRefreshCookie(w http.ResponseWriter, pair auth.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    pair.RefreshToken,
		Path:     "/",
		Expires:  pair.RefreshExpiresAt,
		MaxAge:   int(a.auth.RefreshTTL().Seconds()),
		HttpOnly: true,
		Secure:   a.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func readRefreshCookie(r *http.Request) string {
	c, err := r.Cookie(refreshCookie)
	if err != nil {
		return ""
	}
	return c.Value
}

// decodeJSON reads exactly one JSON object and writes a 400 or 413 on failure.
func (a *API) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if err == nil {
		if extra := dec.Decode(&struct{}{}); !errors.Is(extra, io.EOF) {
			err = errors.New("unexpected data after JSON body")
		}
	}
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
	case errors.Is(err, io.EOF):
		writeError(w, r, http.StatusBadRequest, "invalid_request", "request body is required")
	default:
		writeError(w, r, http.StatusBadRequest, "invalid_request", "malformed JSON body")
	}
	return false
}
