package auth

import (
	"context"
	"time"
)

// IdentityStore persists identities. Implementations return ErrNotFound for
// missing rows and ErrConflict for duplicate emails.
type IdentityStore interface {
	Create(ctx context.Context, ident *Identity) error
	Find(ctx context.Context, id string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	List(ctx context.Context, branchID string) ([]*Identity, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	UpdateAccess(ctx context.Context, id string, role Role, branchID string) error
	SetStatus(ctx context.Context, id, status string) error
}

// RefreshTokenStore is the refresh-token allow-list.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	// Consume revokes an active token in a single conditional write. It
	// returns ErrNotFound when the token is absent or was already revoked,
	// so exactly one of several concurrent callers succeeds.
	Consume(ctx context.Context, id string) error
	// Revoke is idempotent.
	Revoke(ctx context.Context, id string) error
	RevokeAllForUser(ctx context.Context, userID string) error
	// DeleteExpired drops records whose expiry is before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}
