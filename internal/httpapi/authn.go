package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"agrivet.store/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// authenticate verifies the bearer access token and stores its claims in
// the request context.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		v := a.auth.Verify(token)
		if v.Outcome != auth.TokenValid {
			a.writeServiceError(w, r, v.Err())
			return
		}
		ctx := auth.ContextWithClaims(r.Context(), v.Claims)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// branchTarget extracts the branch a request acts on.
type branchTarget func(r *http.Request) string

func urlParam(name string) branchTarget {
	return func(r *http.Request) string {
		return chi.URLParam(r, name)
	}
}

// requireAction runs the role gate for action. It must sit behind authenticate.
func (a *API) requireAction(action string, target branchTarget) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				a.writeServiceError(w, r, auth.ErrMissingToken)
				return
			}
			var branch string
			if target != nil {
				branch = target(r)
			}
			if err := a.gate.Check(r.Context(), action, claims, branch); err != nil {
				a.writeServiceError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken returns ErrMissingToken for an empty header and
// ErrInvalidToken for any other scheme.
func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" || strings.EqualFold(header, strings.TrimSpace(bearer)) {
		return "", auth.ErrMissingToken
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", auth.ErrInvalidToken
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", auth.ErrMissingToken
	}
	return token, nil
}
