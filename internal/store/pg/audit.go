package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agrivet.store/internal/audit"
)

// AuditLog appends to and reads from the audit_log table. The table rejects
// updates and deletes at the database level.
type AuditLog struct {
	db *sql.DB
}

var (
	_ audit.Sink    = (*AuditLog)(nil)
	_ audit.Querier = (*AuditLog)(nil)
)

func (a *AuditLog) Name() string { return "postgres" }

func (a *AuditLog) Write(ctx context.Context, e audit.Entry) error {
	if a.db == nil {
		return errNoDB
	}
	_, err := a.db.ExecContext(ctx, `
		insert into audit_log (id, occurred_at, actor_id, action, description, role, branch_id,
			entity_type, entity_id, outcome, source_addr, request_id)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.ID, e.OccurredAt, nullIfEmpty(e.ActorID), e.Action, e.Description, nullIfEmpty(e.Role),
		nullIfEmpty(e.BranchID), nullIfEmpty(e.EntityType), nullIfEmpty(e.EntityID), string(e.Outcome),
		nullIfEmpty(e.SourceAddr), nullIfEmpty(e.RequestID))
	return err
}

func (a *AuditLog) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	if a.db == nil {
		return nil, errNoDB
	}
	f = f.Normalize()
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.BranchID != "" {
		add("branch_id = $%d", f.BranchID)
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at < $%d", f.To)
	}
	query := `select id, occurred_at, coalesce(actor_id, ''), action, description, coalesce(role, ''),
		coalesce(branch_id, ''), coalesce(entity_type, ''), coalesce(entity_id, ''), outcome,
		coalesce(source_addr, ''), coalesce(request_id, '')
		from audit_log`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" order by id desc limit $%d", len(args))

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			outcome string
		)
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.ActorID, &e.Action, &e.Description, &e.Role,
			&e.BranchID, &e.EntityType, &e.EntityID, &outcome, &e.SourceAddr, &e.RequestID); err != nil {
			return nil, err
		}
		e.Outcome = audit.Outcome(outcome)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
