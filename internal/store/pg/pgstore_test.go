package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"agrivet.store/internal/audit"
	"agrivet.store/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return New(db), mock
}

var identityCols = []string{"id", "email", "password_hash", "display_name", "role", "branch_id", "status", "created_at", "updated_at"}

func TestIdentityCreateConflict(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	ident := &auth.Identity{ID: "u1", Email: "a@x.com", PasswordHash: "h", Role: auth.RoleUser, Status: auth.StatusActive, CreatedAt: now, UpdatedAt: now}

	mock.ExpectExec("insert into identities").
		WithArgs("u1", "a@x.com", "h", "", "user", nil, "active", now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.Identities().Create(context.Background(), ident); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mock.ExpectExec("insert into identities").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	if err := store.Identities().Create(context.Background(), ident); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestIdentityFindByEmail(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("from identities where email = lower").
		WithArgs("a@x.com").
		WillReturnRows(sqlmock.NewRows(identityCols).AddRow("u1", "a@x.com", "hash", "Ana", "stock_manager", "B1", "active", now, now))

	ident, err := store.Identities().FindByEmail(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if ident.Role != auth.RoleStockManager || ident.BranchID != "B1" || ident.DisplayName != "Ana" {
		t.Fatalf("unexpected identity: %+v", ident)
	}

	mock.ExpectQuery("from identities where id =").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	if _, err := store.Identities().Find(context.Background(), "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIdentityListAndUpdates(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("from identities").
		WithArgs("B1").
		WillReturnRows(sqlmock.NewRows(identityCols).
			AddRow("u1", "a@x.com", "h", "", "manager", "B1", "active", now, now).
			AddRow("u2", "b@x.com", "h", "", "user", "B1", "disabled", now, now))
	list, err := store.Identities().List(context.Background(), "B1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[1].Status != auth.StatusDisabled {
		t.Fatalf("unexpected list: %+v", list)
	}

	mock.ExpectExec("update identities set role").
		WithArgs("u1", "owner", "B2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Identities().UpdateAccess(context.Background(), "u1", auth.RoleOwner, "B2"); err != nil {
		t.Fatalf("UpdateAccess: %v", err)
	}

	mock.ExpectExec("update identities set status").
		WithArgs("ghost", "disabled").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Identities().SetStatus(context.Background(), "ghost", auth.StatusDisabled); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRefreshTokenConsume(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("update refresh_tokens set revoked_at = now\\(\\)\\s+where id = \\$1 and revoked_at is null").
		WithArgs("t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.RefreshTokens().Consume(context.Background(), "t1"); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	mock.ExpectExec("update refresh_tokens set revoked_at").
		WithArgs("t1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.RefreshTokens().Consume(context.Background(), "t1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("second consume should lose, got %v", err)
	}
}

func TestRefreshTokenFind(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	cols := []string{"id", "user_id", "expires_at", "created_at", "revoked_at"}

	mock.ExpectQuery("from refresh_tokens").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("t1", "u1", now.Add(time.Hour), now, nil))
	tok, err := store.RefreshTokens().Find(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if tok.Revoked() {
		t.Fatal("fresh token reported revoked")
	}

	mock.ExpectQuery("from refresh_tokens").
		WithArgs("t2").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("t2", "u1", now.Add(time.Hour), now, now))
	tok, err = store.RefreshTokens().Find(context.Background(), "t2")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !tok.Revoked() {
		t.Fatal("expected revoked token")
	}

	mock.ExpectQuery("from refresh_tokens").WithArgs("t3").WillReturnError(sql.ErrNoRows)
	if _, err := store.RefreshTokens().Find(context.Background(), "t3"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRefreshTokenCreateAndBulkRevoke(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	tok := &auth.RefreshToken{ID: "t1", UserID: "u1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}

	mock.ExpectExec("insert into refresh_tokens").
		WithArgs("t1", "u1", tok.ExpiresAt, now).
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	if err := store.RefreshTokens().Create(context.Background(), tok); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}

	mock.ExpectExec("update refresh_tokens set revoked_at").
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	if err := store.RefreshTokens().RevokeAllForUser(context.Background(), "u1"); err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}

	mock.ExpectExec("delete from refresh_tokens where expires_at").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 4))
	n, err := store.RefreshTokens().DeleteExpired(context.Background(), now)
	if err != nil || n != 4 {
		t.Fatalf("DeleteExpired = %d, %v", n, err)
	}
}

func TestAuditWriteAndQuery(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	entry := audit.Entry{
		ID:          "01J0000000000000000000000A",
		OccurredAt:  now,
		ActorID:     "u1",
		Action:      "access_denied",
		Description: "audit.read denied: role",
		Role:        "user",
		Outcome:     audit.OutcomeDenied,
	}

	mock.ExpectExec("insert into audit_log").
		WithArgs(entry.ID, now, "u1", "access_denied", entry.Description, "user", nil, nil, nil, "denied", nil, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	sink := store.Audit()
	if err := sink.Write(context.Background(), entry); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if sink.Name() != "postgres" {
		t.Fatalf("unexpected sink name %q", sink.Name())
	}

	cols := []string{"id", "occurred_at", "actor_id", "action", "description", "role", "branch_id", "entity_type", "entity_id", "outcome", "source_addr", "request_id"}
	mock.ExpectQuery("from audit_log where actor_id = \\$1 and branch_id = \\$2 and occurred_at >= \\$3 order by id desc limit \\$4").
		WithArgs("u1", "B1", now, 100).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(entry.ID, now, "u1", "access_denied", entry.Description, "user", "B1", "", "", "denied", "10.0.0.1", "req-1"))

	got, err := sink.Query(context.Background(), audit.Filter{ActorID: "u1", BranchID: "B1", From: now})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].Outcome != audit.OutcomeDenied || got[0].SourceAddr != "10.0.0.1" {
		t.Fatalf("unexpected entries: %+v", got)
	}
}
