package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/uni-registrar-api/internal/models"
	appErrors "github.com/noah-isme/uni-registrar-api/pkg/errors"
)

func newEnrollmentRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func expectSeatLock(mock sqlmock.Sqlmock, sectionID string, capacity, enrolled int) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT capacity FROM sections WHERE id = $1 FOR UPDATE")).
		WithArgs(sectionID).
		WillReturnRows(sqlmock.NewRows([]string{"capacity"}).AddRow(capacity))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM enrollments WHERE section_id = $1 AND status = $2")).
		WithArgs(sectionID, models.EnrollmentStatusEnrolled).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(enrolled))
}

func enrollmentColumns() []string {
	return []string{"id", "seq", "student_id", "section_id", "status", "grade", "created_at", "updated_at", "withdrawn_at", "completed_at"}
}

func TestEnrollmentRepositoryAdmitGrantsSeat(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	expectSeatLock(mock, "sec-1", 2, 1)
	mock.ExpectQuery("INSERT INTO enrollments").
		WithArgs(sqlmock.AnyArg(), "stu-1", "sec-1", models.EnrollmentStatusEnrolled, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(7)))
	mock.ExpectCommit()

	enrollment := &models.Enrollment{StudentID: "stu-1", SectionID: "sec-1"}
	err := repo.Admit(context.Background(), enrollment, false)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusEnrolled, enrollment.Status)
	assert.Equal(t, int64(7), enrollment.Seq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryAdmitWaitlistsWhenFull(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	expectSeatLock(mock, "sec-1", 2, 2)
	mock.ExpectQuery("INSERT INTO enrollments").
		WithArgs(sqlmock.AnyArg(), "stu-1", "sec-1", models.EnrollmentStatusWaitlisted, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(8)))
	mock.ExpectCommit()

	enrollment := &models.Enrollment{StudentID: "stu-1", SectionID: "sec-1"}
	err := repo.Admit(context.Background(), enrollment, false)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusWaitlisted, enrollment.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryAdmitOverrideIgnoresCapacity(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	expectSeatLock(mock, "sec-1", 2, 2)
	mock.ExpectQuery("INSERT INTO enrollments").
		WithArgs(sqlmock.AnyArg(), "stu-1", "sec-1", models.EnrollmentStatusEnrolled, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(9)))
	mock.ExpectCommit()

	enrollment := &models.Enrollment{StudentID: "stu-1", SectionID: "sec-1"}
	err := repo.Admit(context.Background(), enrollment, true)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusEnrolled, enrollment.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryAdmitDuplicateRollsBack(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	expectSeatLock(mock, "sec-1", 2, 0)
	mock.ExpectQuery("INSERT INTO enrollments").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	enrollment := &models.Enrollment{StudentID: "stu-1", SectionID: "sec-1"}
	err := repo.Admit(context.Background(), enrollment, false)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrDuplicateEnrollment.Code, appErrors.FromError(err).Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryUpdateStatusGuardsCurrentState(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectExec("UPDATE enrollments SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), "enr-1", models.EnrollmentStatusEnrolled, models.EnrollmentStatusWithdrawn, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryPromoteNextPromotesHead(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	expectSeatLock(mock, "sec-1", 2, 1)
	mock.ExpectQuery("ORDER BY created_at ASC, seq ASC LIMIT 1 FOR UPDATE SKIP LOCKED").
		WithArgs("sec-1", models.EnrollmentStatusWaitlisted).
		WillReturnRows(sqlmock.NewRows(enrollmentColumns()).
			AddRow("enr-2", int64(4), "stu-2", "sec-1", models.EnrollmentStatusWaitlisted, nil, now, now, nil, nil))
	mock.ExpectExec("UPDATE enrollments SET status").
		WithArgs("enr-2", models.EnrollmentStatusEnrolled, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	promoted, err := repo.PromoteNext(context.Background(), "sec-1")
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, "enr-2", promoted.ID)
	assert.Equal(t, models.EnrollmentStatusEnrolled, promoted.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryPromoteNextNoFreeSeat(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	expectSeatLock(mock, "sec-1", 2, 2)
	mock.ExpectRollback()

	promoted, err := repo.PromoteNext(context.Background(), "sec-1")
	require.NoError(t, err)
	assert.Nil(t, promoted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryPromoteNextEmptyWaitlist(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	expectSeatLock(mock, "sec-1", 2, 0)
	mock.ExpectQuery("ORDER BY created_at ASC, seq ASC LIMIT 1 FOR UPDATE SKIP LOCKED").
		WithArgs("sec-1", models.EnrollmentStatusWaitlisted).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	promoted, err := repo.PromoteNext(context.Background(), "sec-1")
	require.NoError(t, err)
	assert.Nil(t, promoted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositorySwapCommitsBothHalves(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("FROM enrollments WHERE id = (.+) FOR UPDATE").
		WithArgs("enr-1").
		WillReturnRows(sqlmock.NewRows(enrollmentColumns()).
			AddRow("enr-1", int64(3), "stu-1", "sec-1", models.EnrollmentStatusEnrolled, nil, now, now, nil, nil))
	mock.ExpectExec("UPDATE enrollments SET status").
		WithArgs("enr-1", models.EnrollmentStatusWithdrawn, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectSeatLock(mock, "sec-2", 2, 1)
	mock.ExpectQuery("INSERT INTO enrollments").
		WithArgs(sqlmock.AnyArg(), "stu-1", "sec-2", models.EnrollmentStatusEnrolled, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(11)))
	mock.ExpectCommit()

	from, to, err := repo.Swap(context.Background(), "enr-1", "sec-2")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusWithdrawn, from.Status)
	assert.Equal(t, models.EnrollmentStatusEnrolled, to.Status)
	assert.Equal(t, "sec-2", to.SectionID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositorySwapDuplicateRollsBackWithdrawal(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("FROM enrollments WHERE id = (.+) FOR UPDATE").
		WithArgs("enr-1").
		WillReturnRows(sqlmock.NewRows(enrollmentColumns()).
			AddRow("enr-1", int64(3), "stu-1", "sec-1", models.EnrollmentStatusEnrolled, nil, now, now, nil, nil))
	mock.ExpectExec("UPDATE enrollments SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectSeatLock(mock, "sec-2", 2, 1)
	mock.ExpectQuery("INSERT INTO enrollments").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, _, err := repo.Swap(context.Background(), "enr-1", "sec-2")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrDuplicateEnrollment.Code, appErrors.FromError(err).Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositorySwapRejectsInactiveSource(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("FROM enrollments WHERE id = (.+) FOR UPDATE").
		WithArgs("enr-1").
		WillReturnRows(sqlmock.NewRows(enrollmentColumns()).
			AddRow("enr-1", int64(3), "stu-1", "sec-1", models.EnrollmentStatusWithdrawn, nil, now, now, &now, nil))
	mock.ExpectRollback()

	_, _, err := repo.Swap(context.Background(), "enr-1", "sec-2")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStateViolation.Code, appErrors.FromError(err).Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryExistsActive(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectQuery("SELECT 1 FROM enrollments").
		WithArgs("stu-1", "sec-1", models.EnrollmentStatusEnrolled, models.EnrollmentStatusWaitlisted).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	exists, err := repo.ExistsActive(context.Background(), "stu-1", "sec-1")
	require.NoError(t, err)
	assert.True(t, exists)

	mock.ExpectQuery("SELECT 1 FROM enrollments").
		WithArgs("stu-2", "sec-1", models.EnrollmentStatusEnrolled, models.EnrollmentStatusWaitlisted).
		WillReturnError(sql.ErrNoRows)

	exists, err = repo.ExistsActive(context.Background(), "stu-2", "sec-1")
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositorySectionsWithWaitlist(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectQuery("SELECT DISTINCT section_id FROM enrollments").
		WithArgs(models.EnrollmentStatusWaitlisted).
		WillReturnRows(sqlmock.NewRows([]string{"section_id"}).AddRow("sec-1").AddRow("sec-2"))

	ids, err := repo.SectionsWithWaitlist(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sec-1", "sec-2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}
