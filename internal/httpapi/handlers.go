// Package httpapi exposes the authentication service over HTTP and gRPC.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"agrivet.store/internal/audit"
	"agrivet.store/internal/auth"
	"agrivet.store/internal/notify"
	"agrivet.store/internal/obs"
)

const serviceName = "agrivet-auth"

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// ReadinessChecker reports whether the service can take traffic.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// Deps are the collaborators the API serves requests with. Auth and Gate
// are required.
type Deps struct {
	Auth     *auth.Service
	Gate     *auth.Gate
	Audit    *audit.Recorder
	Notifier *notify.Dispatcher
	Metrics  *obs.Metrics
	Logger   *zap.Logger
	Ready    ReadinessChecker
}

// Options tune the HTTP surface.
type Options struct {
	Version        string
	CookieSecure   bool
	TrustProxy     bool
	AllowedOrigins []string
	MaxBodyBytes   int64
	RateBurst      int
	RatePerSecond  float64
}

// API is the HTTP layer.
type API struct {
	auth     *auth.Service
	gate     *auth.Gate
	audit    *audit.Recorder
	notifier *notify.Dispatcher
	metrics  *obs.Metrics
	logger   *zap.Logger
	ready    ReadinessChecker
	opts     Options
}

func New(deps Deps, opts Options) (*API, error) {
	if deps.Auth == nil {
		return nil, errors.New("httpapi: auth service is required")
	}
	if deps.Gate == nil {
		return nil, errors.New("httpapi: role gate is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewRecorder(deps.Logger)
	}
	if deps.Ready == nil {
		deps.Ready = ReadyProbe{}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 10
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 1
	}
	return &API{
		auth:     deps.Auth,
		gate:     deps.Gate,
		audit:    deps.Audit,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		ready:    deps.Ready,
		opts:     opts,
	}, nil
}

// Handler builds the router with the full middleware chain.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(a.requestID)
	r.Use(a.accessLog)
	if a.metrics != nil {
		r.Use(a.metrics.Instrument)
	}
	r.Use(SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders:   []string{accessTokenHeader, requestIDHeader},
		AllowCredentials: true,
		MaxAge:           600,
	}))
	r.Use(MaxBodyBytes(a.opts.MaxBodyBytes))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics.Handler())
	}

	limited := r.With(NewRateLimiter(a.opts.RateBurst, a.opts.RatePerSecond, a.opts.TrustProxy).Middleware)
	limited.Post("/login", a.handleLogin)
	limited.Post("/v1/auth/login", a.handleLogin)
	limited.Post("/v1/auth/register", a.handleRegister)

	r.Post("/refresh", a.handleRefresh)
	r.Post("/v1/auth/refresh", a.handleRefresh)
	r.Post("/v1/auth/logout", a.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)

		r.Get("/v1/me", a.handleMe)
		r.Post("/v1/me/password", a.handleChangePassword)

		r.Route("/v1/users", func(r chi.Router) {
			r.Use(a.requireAction(auth.ActionUsersManage, nil))
			r.Get("/", a.handleListUsers)
			r.Post("/", a.handleCreateUser)
			r.Patch("/{userID}/access", a.handleUpdateAccess)
			r.Post("/{userID}/disable", a.handleDisableUser)
		})

		r.With(a.requireAction(auth.ActionAuditRead, nil)).Get("/v1/audit", a.handleAuditList)
		r.Route("/v1/branches/{branchID}", func(r chi.Router) {
			branch := urlParam("branchID")
			r.With(a.requireAction(auth.ActionBranchActivityRead, branch)).Get("/activity", a.handleBranchActivity)
			r.With(a.requireAction(auth.ActionUsersManageBranch, branch)).Get("/users", a.handleListBranchUsers)
			r.With(a.requireAction(auth.ActionUsersManageBranch, branch)).Post("/users", a.handleCreateBranchUser)
		})
	})

	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		a.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
