package repository

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/uni-registrar-api/internal/models"
)

func newHoldRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestHoldRepositoryListBlocking(t *testing.T) {
	db, mock, cleanup := newHoldRepoMock(t)
	defer cleanup()
	repo := NewHoldRepository(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "student_id", "severity", "reason", "prevents_registration", "placed_by", "resolved_at", "created_at"}).
		AddRow("h1", "stu-1", models.HoldSeverityCritical, "unpaid balance", true, nil, nil, now)
	mock.ExpectQuery("FROM holds WHERE student_id = (.+) AND prevents_registration = TRUE AND resolved_at IS NULL").
		WithArgs("stu-1").
		WillReturnRows(rows)

	holds, err := repo.ListBlocking(context.Background(), "stu-1")
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.True(t, holds[0].Blocking())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHoldRepositoryResolveIsIdempotent(t *testing.T) {
	db, mock, cleanup := newHoldRepoMock(t)
	defer cleanup()
	repo := NewHoldRepository(db)

	resolvedAt := time.Now().UTC()
	mock.ExpectExec("UPDATE holds SET resolved_at").
		WithArgs("h1", resolvedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Resolve(context.Background(), "h1", resolvedAt))

	// Already resolved: zero rows affected is still success.
	mock.ExpectExec("UPDATE holds SET resolved_at").
		WithArgs("h1", resolvedAt).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, repo.Resolve(context.Background(), "h1", resolvedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}
