package auth

import (
	"fmt"
	"strings"
	"time"
)

// Role is one of the fixed store roles.
type Role string

const (
	RoleOwner        Role = "owner"
	RoleManager      Role = "manager"
	RoleStockManager Role = "stock_manager"
	RoleAdmin        Role = "admin"
	RoleUser         Role = "user"
	RoleCustomer     Role = "customer"
)

var knownRoles = []Role{RoleOwner, RoleManager, RoleStockManager, RoleAdmin, RoleUser, RoleCustomer}

// Roles returns every supported role.
func Roles() []Role {
	out := make([]Role, len(knownRoles))
	copy(out, knownRoles)
	return out
}

// Valid reports whether r belongs to the fixed enumeration.
func (r Role) Valid() bool {
	for _, k := range knownRoles {
		if r == k {
			return true
		}
	}
	return false
}

// ParseRole normalizes and validates a role string.
func ParseRole(s string) (Role, error) {
	r := Role(strings.TrimSpace(strings.ToLower(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unsupported role %q", ErrInvalidInput, s)
	}
	return r, nil
}

const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// Identity is a registered account. Identities are soft-disabled, never deleted.
type Identity struct {
	ID           string
	Email        string
	PasswordHash string
	DisplayName  string
	Role         Role
	BranchID     string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Active reports whether the identity may authenticate.
func (i *Identity) Active() bool {
	return i != nil && i.Status == StatusActive
}

// Profile is the public projection of an Identity.
type Profile struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	Role        Role      `json:"role"`
	BranchID    string    `json:"branch_id,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Profile strips credentials from the identity.
func (i *Identity) Profile() Profile {
	return Profile{
		ID:          i.ID,
		Email:       i.Email,
		DisplayName: i.DisplayName,
		Role:        i.Role,
		BranchID:    i.BranchID,
		Status:      i.Status,
		CreatedAt:   i.CreatedAt,
	}
}

// RefreshToken is the allow-list record of an issued refresh token, keyed by its jti.
type RefreshToken struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Revoked reports whether the token was consumed or revoked.
func (t *RefreshToken) Revoked() bool {
	return t.RevokedAt != nil
}

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Claims is the verified content of an access token.
type Claims struct {
	UserID    string
	Role      Role
	BranchID  string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
