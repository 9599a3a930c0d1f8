package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"agrivet.store/internal/audit"
	"agrivet.store/internal/auth"
	"agrivet.store/internal/notify"
)

type createUserRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	BranchID    string `json:"branch_id"`
}

type updateAccessRequest struct {
	Role     string `json:"role"`
	BranchID string `json:"branch_id"`
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	a.writeUsers(w, r, r.URL.Query().Get("branch_id"))
}

func (a *API) handleListBranchUsers(w http.ResponseWriter, r *http.Request) {
	a.writeUsers(w, r, chi.URLParam(r, "branchID"))
}

func (a *API) writeUsers(w http.ResponseWriter, r *http.Request, branchID string) {
	list, err := a.auth.ListIdentities(r.Context(), branchID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	users := make([]auth.Profile, 0, len(list))
	for _, ident := range list {
		users = append(users, ident.Profile())
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	actor, _ := auth.ClaimsFromContext(r.Context())
	ident, err := a.auth.CreateIdentity(r.Context(), actor, auth.CreateInput{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
		Role:        role,
		BranchID:    req.BranchID,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ident.Profile())
}

// handleCreateBranchUser lets a manager add staff to the branch in the path.
// A branch_id in the body is ignored.
func (a *API) handleCreateBranchUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	actor, _ := auth.ClaimsFromContext(r.Context())
	ident, err := a.auth.CreateBranchStaff(r.Context(), actor, chi.URLParam(r, "branchID"), auth.CreateInput{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
		Role:        auth.Role(req.Role),
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ident.Profile())
}

func (a *API) handleUpdateAccess(w http.ResponseWriter, r *http.Request) {
	var req updateAccessRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	actor, _ := auth.ClaimsFromContext(r.Context())
	ident, err := a.auth.UpdateAccess(r.Context(), actor, chi.URLParam(r, "userID"), auth.Role(req.Role), req.BranchID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.notifier.Notify(r.Context(), notify.Notification{
		UserID: ident.ID,
		Kind:   notify.KindAccessChanged,
		Title:  "Access updated",
		Body:   fmt.Sprintf("Your role is now %s.", ident.Role),
	})
	writeJSON(w, http.StatusOK, ident.Profile())
}

func (a *API) handleDisableUser(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ClaimsFromContext(r.Context())
	ident, err := a.auth.Disable(r.Context(), actor, chi.URLParam(r, "userID"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.notifier.Notify(r.Context(), notify.Notification{
		UserID: ident.ID,
		Kind:   notify.KindAccountDisabled,
		Title:  "Account disabled",
		Body:   "Your account was disabled by an administrator.",
	})
	writeJSON(w, http.StatusOK, ident.Profile())
}

func (a *API) handleAuditList(w http.ResponseWriter, r *http.Request) {
	f, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	a.writeAuditEntries(w, r, f)
}

func (a *API) handleBranchActivity(w http.ResponseWriter, r *http.Request) {
	f, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	f.BranchID = chi.URLParam(r, "branchID")
	a.writeAuditEntries(w, r, f)
}

func (a *API) writeAuditEntries(w http.ResponseWriter, r *http.Request, f audit.Filter) {
	entries, err := a.audit.Query(r.Context(), f)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		ActorID:  q.Get("actor_id"),
		Action:   q.Get("action"),
		BranchID: q.Get("branch_id"),
	}
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		return f, fmt.Errorf("from: %w", err)
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		return f, fmt.Errorf("to: %w", err)
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f.Normalize(), nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New("expected RFC3339 timestamp")
	}
	return t.UTC(), nil
}
