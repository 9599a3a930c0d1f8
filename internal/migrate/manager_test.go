package migrate

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	up     []*goose.MigrationResult
	down   *goose.MigrationResult
	status []*goose.MigrationStatus
	err    error
}

func (f *fakeRunner) Up(context.Context) ([]*goose.MigrationResult, error) { return f.up, f.err }

func (f *fakeRunner) Down(context.Context) (*goose.MigrationResult, error) { return f.down, f.err }

func (f *fakeRunner) Status(context.Context) ([]*goose.MigrationStatus, error) {
	return f.status, f.err
}

func TestEmbeddedMigrationsAreWellFormed(t *testing.T) {
	names, err := fs.Glob(Migrations(), "*.sql")
	require.NoError(t, err)
	require.Equal(t, []string{"00001_identities.sql", "00002_refresh_tokens.sql", "00003_audit_log.sql"}, names)

	for _, name := range names {
		body, err := fs.ReadFile(Migrations(), name)
		require.NoError(t, err)
		text := string(body)
		assert.True(t, strings.Contains(text, "-- +goose Up"), name)
		assert.True(t, strings.Contains(text, "-- +goose Down"), name)
	}
}

func TestNewManagerParsesEmbeddedSources(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mgr, err := NewManager(db)
	require.NoError(t, err)
	require.NotNil(t, mgr)
	assert.NoError(t, mock.ExpectationsWereMet(), "building the provider does not touch the database")

	_, err = NewManager(nil)
	assert.Error(t, err)
}

func TestManagerReportsFileNames(t *testing.T) {
	src := func(p string) *goose.Source { return &goose.Source{Path: p} }
	applied := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mgr := &Manager{runner: &fakeRunner{
		up: []*goose.MigrationResult{
			{Source: src("migrations/00001_identities.sql")},
			{Source: src("migrations/00002_refresh_tokens.sql")},
		},
		down: &goose.MigrationResult{Source: src("migrations/00002_refresh_tokens.sql")},
		status: []*goose.MigrationStatus{
			{Source: src("00001_identities.sql"), State: goose.StateApplied, AppliedAt: applied},
			{Source: src("00003_audit_log.sql"), State: goose.StatePending},
		},
	}}

	names, err := mgr.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"00001_identities.sql", "00002_refresh_tokens.sql"}, names)

	last, err := mgr.Down(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "00002_refresh_tokens.sql", last)

	lines, err := mgr.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "applied 2026-01-02T03:04:05Z")
	assert.Contains(t, lines[1], "pending")
}

func TestManagerPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	mgr := &Manager{runner: &fakeRunner{err: boom}}
	_, err := mgr.Up(context.Background())
	assert.ErrorIs(t, err, boom)
	_, err = mgr.Status(context.Background())
	assert.ErrorIs(t, err, boom)

	mgr = &Manager{runner: &fakeRunner{err: goose.ErrNoNextVersion}}
	_, err = mgr.Down(context.Background())
	assert.EqualError(t, err, "no migrations applied")
}
