// Package migrate applies the embedded PostgreSQL schema with goose.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations exposes the embedded SQL files.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// runner is the subset of *goose.Provider the Manager drives.
type runner interface {
	Up(ctx context.Context) ([]*goose.MigrationResult, error)
	Down(ctx context.Context) (*goose.MigrationResult, error)
	Status(ctx context.Context) ([]*goose.MigrationStatus, error)
}

// Manager executes the embedded migrations against one database.
type Manager struct {
	runner runner
}

// NewManager builds a goose provider over db. The provider keeps its own
// state, so several managers can coexist in one process.
func NewManager(db *sql.DB) (*Manager, error) {
	if db == nil {
		return nil, errors.New("migrate: database handle is required")
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, Migrations())
	if err != nil {
		return nil, fmt.Errorf("migrate: init provider: %w", err)
	}
	return &Manager{runner: provider}, nil
}

// Up applies all pending migrations and returns the applied file names.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	results, err := m.runner.Up(ctx)
	if err != nil {
		return nil, err
	}
	applied := make([]string, 0, len(results))
	for _, r := range results {
		if r != nil && r.Source != nil {
			applied = append(applied, path.Base(r.Source.Path))
		}
	}
	return applied, nil
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) (string, error) {
	result, err := m.runner.Down(ctx)
	if err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			return "", errors.New("no migrations applied")
		}
		return "", err
	}
	if result == nil || result.Source == nil {
		return "", nil
	}
	return path.Base(result.Source.Path), nil
}

// Status lists every migration with its applied state.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	statuses, err := m.runner.Status(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		if st == nil || st.Source == nil {
			continue
		}
		line := fmt.Sprintf("%-32s %s", path.Base(st.Source.Path), st.State)
		if st.State == goose.StateApplied && !st.AppliedAt.IsZero() {
			line += " " + st.AppliedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		out = append(out, line)
	}
	return out, nil
}
