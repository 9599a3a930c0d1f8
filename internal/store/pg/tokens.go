package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"agrivet.store/internal/auth"
)

// RefreshTokens implements auth.RefreshTokenStore on the refresh_tokens table.
type RefreshTokens struct {
	db *sql.DB
}

var _ auth.RefreshTokenStore = (*RefreshTokens)(nil)

func (s *RefreshTokens) Create(ctx context.Context, tok *auth.RefreshToken) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, expires_at, created_at)
		values ($1, $2, $3, $4)
	`, tok.ID, tok.UserID, tok.ExpiresAt, tok.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return auth.ErrConflict
			case pgErrForeignKeyViolation:
				return auth.ErrNotFound
			}
		}
		return err
	}
	return nil
}

func (s *RefreshTokens) Find(ctx context.Context, id string) (*auth.RefreshToken, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		tok     auth.RefreshToken
		revoked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, expires_at, created_at, revoked_at
		from refresh_tokens
		where id = $1
	`, id).Scan(&tok.ID, &tok.UserID, &tok.ExpiresAt, &tok.CreatedAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if revoked.Valid {
		t := revoked.Time
		tok.RevokedAt = &t
	}
	return &tok, nil
}

// Consume flips revoked_at only while it is still null; the row count tells
// the caller whether it won.
func (s *RefreshTokens) Consume(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = now()
		where id = $1 and revoked_at is null
	`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, auth.ErrNotFound)
}

func (s *RefreshTokens) Revoke(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = now()
		where id = $1 and revoked_at is null
	`, id)
	return err
}

func (s *RefreshTokens) RevokeAllForUser(ctx context.Context, userID string) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = now()
		where user_id = $1 and revoked_at is null
	`, userID)
	return err
}

func (s *RefreshTokens) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
