package pg

import (
	"context"
	"database/sql"
	"errors"

	"agrivet.store/internal/auth"
)

// Identities implements auth.IdentityStore.
type Identities struct {
	db *sql.DB
}

var _ auth.IdentityStore = (*Identities)(nil)

const identityColumns = `id, email, password_hash, display_name, role, coalesce(branch_id, ''), status, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row scanner) (*auth.Identity, error) {
	var (
		ident auth.Identity
		role  string
	)
	if err := row.Scan(&ident.ID, &ident.Email, &ident.PasswordHash, &ident.DisplayName, &role,
		&ident.BranchID, &ident.Status, &ident.CreatedAt, &ident.UpdatedAt); err != nil {
		return nil, err
	}
	ident.Role = auth.Role(role)
	return &ident, nil
}

func (s *Identities) Create(ctx context.Context, ident *auth.Identity) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into identities (id, email, password_hash, display_name, role, branch_id, status, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ident.ID, ident.Email, ident.PasswordHash, ident.DisplayName, string(ident.Role),
		nullIfEmpty(ident.BranchID), ident.Status, ident.CreatedAt, ident.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Identities) Find(ctx context.Context, id string) (*auth.Identity, error) {
	return s.findOne(ctx, `select `+identityColumns+` from identities where id = $1`, id)
}

func (s *Identities) FindByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	return s.findOne(ctx, `select `+identityColumns+` from identities where email = lower($1)`, email)
}

func (s *Identities) findOne(ctx context.Context, query, arg string) (*auth.Identity, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	ident, err := scanIdentity(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ident, nil
}

func (s *Identities) List(ctx context.Context, branchID string) ([]*auth.Identity, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+identityColumns+`
		from identities
		where $1 = '' or branch_id = $1
		order by email
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*auth.Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Identities) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return s.exec(ctx, `update identities set password_hash = $2, updated_at = now() where id = $1`, id, passwordHash)
}

func (s *Identities) UpdateAccess(ctx context.Context, id string, role auth.Role, branchID string) error {
	return s.exec(ctx, `update identities set role = $2, branch_id = $3, updated_at = now() where id = $1`,
		id, string(role), nullIfEmpty(branchID))
}

func (s *Identities) SetStatus(ctx context.Context, id, status string) error {
	return s.exec(ctx, `update identities set status = $2, updated_at = now() where id = $1`, id, status)
}

func (s *Identities) exec(ctx context.Context, query string, args ...any) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res, auth.ErrNotFound)
}
