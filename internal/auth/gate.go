package auth

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"agrivet.store/internal/audit"
)

//go:embed gate_model.conf
var gateModelContent string

// Actions known to the built-in policy.
const (
	ActionAuditRead          = "audit.read"
	ActionBranchActivityRead = "branch.activity.read"
	ActionInventoryManage    = "inventory.batch.manage"
	ActionServiceInspect     = "service.inspect"
	ActionUsersManage        = "users.manage"
	ActionUsersManageBranch  = "users.manage.branch"
)

// Rule lists the roles allowed to perform an action. With SameBranch set the
// caller's branch must equal the target branch whatever the role.
type Rule struct {
	Roles      []Role
	SameBranch bool
}

// Policy maps action categories to rules.
type Policy map[string]Rule

// DefaultPolicy is the store's role table.
func DefaultPolicy() Policy {
	return Policy{
		ActionAuditRead: {
			Roles: []Role{RoleOwner, RoleAdmin},
		},
		ActionBranchActivityRead: {
			Roles:      []Role{RoleOwner, RoleManager},
			SameBranch: true,
		},
		ActionInventoryManage: {
			Roles:      []Role{RoleOwner, RoleManager, RoleStockManager},
			SameBranch: true,
		},
		ActionServiceInspect: {
			Roles: []Role{RoleOwner, RoleAdmin},
		},
		ActionUsersManage: {
			Roles: []Role{RoleOwner, RoleAdmin},
		},
		ActionUsersManageBranch: {
			Roles:      []Role{RoleManager},
			SameBranch: true,
		},
	}
}

// Gate decides whether a caller may perform an action. Role membership is
// answered by a casbin enforcer loaded from the Policy; the branch predicate
// is evaluated here.
type Gate struct {
	enforcer *casbin.SyncedEnforcer
	rules    Policy
	auditor  Auditor
	onDeny   func(reason string)
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateAuditor records denials through a.
func WithGateAuditor(a Auditor) GateOption {
	return func(g *Gate) {
		if a != nil {
			g.auditor = a
		}
	}
}

// WithDenyHook is called with the reason of each denial.
func WithDenyHook(fn func(reason string)) GateOption {
	return func(g *Gate) { g.onDeny = fn }
}

// NewGate loads policy into an enforcer.
func NewGate(policy Policy, opts ...GateOption) (*Gate, error) {
	m, err := model.NewModelFromString(gateModelContent)
	if err != nil {
		return nil, fmt.Errorf("auth: parse gate model: %w", err)
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("auth: create gate enforcer: %w", err)
	}
	rules := make(Policy, len(policy))
	for action, rule := range policy {
		action = strings.TrimSpace(action)
		if action == "" {
			return nil, fmt.Errorf("%w: empty action in policy", ErrInvalidInput)
		}
		for _, role := range rule.Roles {
			if !role.Valid() {
				return nil, fmt.Errorf("%w: policy %s names unknown role %q", ErrInvalidInput, action, role)
			}
		}
		for _, role := range rule.Roles {
			if _, err := enforcer.AddPolicy(string(role), action); err != nil {
				return nil, fmt.Errorf("auth: load policy %s/%s: %w", role, action, err)
			}
		}
		rules[action] = rule
	}
	g := &Gate{enforcer: enforcer, rules: rules, auditor: nopAuditor{}}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Actions lists the configured actions in sorted order.
func (g *Gate) Actions() []string {
	out := make([]string, 0, len(g.rules))
	for action := range g.rules {
		out = append(out, action)
	}
	sort.Strings(out)
	return out
}

// Check returns nil when caller may perform action against targetBranch.
// Unknown actions are denied. Denials are audited before returning a
// *ForbiddenError.
func (g *Gate) Check(ctx context.Context, action string, caller Claims, targetBranch string) error {
	rule, known := g.rules[action]
	if !known {
		return g.deny(ctx, action, caller, targetBranch, ReasonRole)
	}
	allowed, err := g.enforcer.Enforce(string(caller.Role), action)
	if err != nil {
		return fmt.Errorf("auth: enforce %s: %w", action, err)
	}
	if !allowed {
		return g.deny(ctx, action, caller, targetBranch, ReasonRole)
	}
	if rule.SameBranch {
		if caller.BranchID == "" || caller.BranchID != targetBranch {
			return g.deny(ctx, action, caller, targetBranch, ReasonBranchMismatch)
		}
	}
	return nil
}

func (g *Gate) deny(ctx context.Context, action string, caller Claims, targetBranch string, reason ForbiddenReason) error {
	g.auditor.Record(ctx, audit.Entry{
		ActorID:     caller.UserID,
		Role:        string(caller.Role),
		BranchID:    caller.BranchID,
		Action:      "access_denied",
		Description: fmt.Sprintf("%s denied: %s", action, reason),
		EntityType:  "branch",
		EntityID:    targetBranch,
		Outcome:     audit.OutcomeDenied,
	})
	if g.onDeny != nil {
		g.onDeny(string(reason))
	}
	return &ForbiddenError{Action: action, Reason: reason}
}
