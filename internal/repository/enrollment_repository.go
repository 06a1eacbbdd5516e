package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/uni-registrar-api/internal/models"
	appErrors "github.com/noah-isme/uni-registrar-api/pkg/errors"
)

// pqUniqueViolation is the Postgres error code raised by the partial unique
// index on (student_id, section_id) WHERE status IN ('ENROLLED','WAITLISTED').
const pqUniqueViolation = "23505"

// EnrollmentRepository handles persistence of enrollments. Seat-granting
// operations run as single serializable units: the section row is locked,
// the enrolled count is read fresh, and the decision is written before the
// lock is released, so two requests can never both claim the last seat.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	const query = `SELECT id, seq, student_id, section_id, status, grade, created_at, updated_at, withdrawn_at, completed_at FROM enrollments WHERE id = $1`
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindDetailByID returns an enrollment with student and section context.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.seq, e.student_id, e.section_id, e.status, e.grade, e.created_at, e.updated_at, e.withdrawn_at, e.completed_at,
        s.full_name AS student_name, s.student_number AS student_number, c.course_code AS course_code, c.title AS section_title
        FROM enrollments e
        LEFT JOIN students s ON s.id = e.student_id
        LEFT JOIN sections c ON c.id = e.section_id
        WHERE e.id = $1`
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ExistsActive checks for an active (enrolled or waitlisted) enrollment for
// the (student, section) pair.
func (r *EnrollmentRepository) ExistsActive(ctx context.Context, studentID, sectionID string) (bool, error) {
	const query = `SELECT 1 FROM enrollments WHERE student_id = $1 AND section_id = $2 AND status IN ($3, $4) LIMIT 1`
	var exists int
	err := r.db.GetContext(ctx, &exists, query, studentID, sectionID, models.EnrollmentStatusEnrolled, models.EnrollmentStatusWaitlisted)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check active enrollment: %w", err)
	}
	return true, nil
}

// CountEnrolled returns the authoritative number of ENROLLED rows for the
// section. Loses freshness the moment it returns; decisions that depend on
// it must use Admit, PromoteNext or Swap instead.
func (r *EnrollmentRepository) CountEnrolled(ctx context.Context, sectionID string) (int, error) {
	const query = `SELECT COUNT(*) FROM enrollments WHERE section_id = $1 AND status = $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, sectionID, models.EnrollmentStatusEnrolled); err != nil {
		return 0, fmt.Errorf("count enrolled: %w", err)
	}
	return count, nil
}

// Admit creates the enrollment as one atomic unit: the section row is locked,
// the enrolled count is re-read under the lock, and the row is inserted as
// ENROLLED when a seat is free, WAITLISTED otherwise. With override set the
// capacity check is skipped and the row always lands ENROLLED. The final
// status is written back onto the passed enrollment.
func (r *EnrollmentRepository) Admit(ctx context.Context, enrollment *models.Enrollment, override bool) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin admit transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	capacity, enrolled, err := lockSectionSeats(ctx, tx, enrollment.SectionID)
	if err != nil {
		return err
	}

	status := models.EnrollmentStatusWaitlisted
	if override || models.HasAvailableSeat(capacity, enrolled) {
		status = models.EnrollmentStatusEnrolled
	}

	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	enrollment.Status = status
	enrollment.CreatedAt = now
	enrollment.UpdatedAt = now

	const insertQuery = `INSERT INTO enrollments (id, student_id, section_id, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`
	if err = tx.GetContext(ctx, &enrollment.Seq, insertQuery, enrollment.ID, enrollment.StudentID, enrollment.SectionID, status, now, now); err != nil {
		if isUniqueViolation(err) {
			return appErrors.Clone(appErrors.ErrDuplicateEnrollment, "")
		}
		return fmt.Errorf("insert enrollment: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit admit: %w", err)
	}
	return nil
}

// UpdateStatus transitions an enrollment, guarding the expected current
// status in the WHERE clause so a concurrent writer cannot slip a second
// transition in between read and write. Returns sql.ErrNoRows when the row
// was not in the expected status anymore.
func (r *EnrollmentRepository) UpdateStatus(ctx context.Context, id string, from, to models.EnrollmentStatus, grade *string) error {
	now := time.Now().UTC()
	var withdrawnAt, completedAt *time.Time
	switch to {
	case models.EnrollmentStatusWithdrawn:
		withdrawnAt = &now
	case models.EnrollmentStatusCompleted:
		completedAt = &now
	}
	const query = `UPDATE enrollments SET status = $3, grade = COALESCE($4, grade), updated_at = $5, withdrawn_at = COALESCE($6, withdrawn_at), completed_at = COALESCE($7, completed_at)
        WHERE id = $1 AND status = $2`
	res, err := r.db.ExecContext(ctx, query, id, from, to, grade, now, withdrawnAt, completedAt)
	if err != nil {
		return fmt.Errorf("update enrollment status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update enrollment status: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// PromoteNext promotes the oldest waitlisted enrollment of the section when
// a seat is free. Runs as one atomic unit gated by the same capacity check
// as a fresh registration, so a single freed seat can never be granted
// twice: the loser of the race observes a full section and returns nil.
// Ordering is (created_at, seq) ascending; seq breaks timestamp ties.
func (r *EnrollmentRepository) PromoteNext(ctx context.Context, sectionID string) (promoted *models.Enrollment, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin promote transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	capacity, enrolled, err := lockSectionSeats(ctx, tx, sectionID)
	if err != nil {
		return nil, err
	}
	if !models.HasAvailableSeat(capacity, enrolled) {
		_ = tx.Rollback()
		return nil, nil
	}

	const selectQuery = `SELECT id, seq, student_id, section_id, status, grade, created_at, updated_at, withdrawn_at, completed_at
        FROM enrollments WHERE section_id = $1 AND status = $2
        ORDER BY created_at ASC, seq ASC LIMIT 1 FOR UPDATE SKIP LOCKED`
	var candidate models.Enrollment
	if err = tx.GetContext(ctx, &candidate, selectQuery, sectionID, models.EnrollmentStatusWaitlisted); err != nil {
		if err == sql.ErrNoRows {
			_ = tx.Rollback()
			return nil, nil
		}
		return nil, fmt.Errorf("select waitlist head: %w", err)
	}

	now := time.Now().UTC()
	const updateQuery = `UPDATE enrollments SET status = $2, updated_at = $3 WHERE id = $1`
	if _, err = tx.ExecContext(ctx, updateQuery, candidate.ID, models.EnrollmentStatusEnrolled, now); err != nil {
		return nil, fmt.Errorf("promote enrollment: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit promote: %w", err)
	}
	candidate.Status = models.EnrollmentStatusEnrolled
	candidate.UpdatedAt = now
	return &candidate, nil
}

// Swap atomically withdraws the source enrollment and admits the student
// into the target section. Any failure after the withdrawal rolls the whole
// unit back, leaving the source enrollment untouched.
func (r *EnrollmentRepository) Swap(ctx context.Context, fromID, toSectionID string) (from *models.Enrollment, to *models.Enrollment, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin swap transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const lockQuery = `SELECT id, seq, student_id, section_id, status, grade, created_at, updated_at, withdrawn_at, completed_at
        FROM enrollments WHERE id = $1 FOR UPDATE`
	var source models.Enrollment
	if err = tx.GetContext(ctx, &source, lockQuery, fromID); err != nil {
		return nil, nil, err
	}
	if !source.Status.IsActive() {
		err = appErrors.Clone(appErrors.ErrStateViolation, "enrollment is not active")
		return nil, nil, err
	}

	now := time.Now().UTC()
	const withdrawQuery = `UPDATE enrollments SET status = $2, updated_at = $3, withdrawn_at = $3 WHERE id = $1`
	if _, err = tx.ExecContext(ctx, withdrawQuery, source.ID, models.EnrollmentStatusWithdrawn, now); err != nil {
		return nil, nil, fmt.Errorf("withdraw source enrollment: %w", err)
	}

	capacity, enrolled, err := lockSectionSeats(ctx, tx, toSectionID)
	if err != nil {
		return nil, nil, err
	}
	status := models.EnrollmentStatusWaitlisted
	if models.HasAvailableSeat(capacity, enrolled) {
		status = models.EnrollmentStatusEnrolled
	}

	target := &models.Enrollment{
		ID:        uuid.NewString(),
		StudentID: source.StudentID,
		SectionID: toSectionID,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	const insertQuery = `INSERT INTO enrollments (id, student_id, section_id, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`
	if err = tx.GetContext(ctx, &target.Seq, insertQuery, target.ID, target.StudentID, target.SectionID, status, now, now); err != nil {
		if isUniqueViolation(err) {
			err = appErrors.Clone(appErrors.ErrDuplicateEnrollment, "student already has an active enrollment in target section")
		} else {
			err = fmt.Errorf("insert target enrollment: %w", err)
		}
		return nil, nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit swap: %w", err)
	}

	source.Status = models.EnrollmentStatusWithdrawn
	source.UpdatedAt = now
	source.WithdrawnAt = &now
	return &source, target, nil
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e
LEFT JOIN students s ON s.id = e.student_id
LEFT JOIN sections c ON c.id = e.section_id`
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.SectionID != "" {
		conditions = append(conditions, fmt.Sprintf("e.section_id = $%d", len(args)+1))
		args = append(args, filter.SectionID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"created_at":   "e.created_at",
		"student_name": "s.full_name",
		"course_code":  "c.course_code",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "e.created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT e.id, e.seq, e.student_id, e.section_id, e.status, e.grade, e.created_at, e.updated_at, e.withdrawn_at, e.completed_at,
        s.full_name AS student_name, s.student_number AS student_number, c.course_code AS course_code, c.title AS section_title
        %s ORDER BY %s %s, e.seq %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// ListActiveByStudent returns the student's active enrollments.
func (r *EnrollmentRepository) ListActiveByStudent(ctx context.Context, studentID string) ([]models.Enrollment, error) {
	const query = `SELECT id, seq, student_id, section_id, status, grade, created_at, updated_at, withdrawn_at, completed_at
        FROM enrollments WHERE student_id = $1 AND status IN ($2, $3) ORDER BY created_at ASC, seq ASC`
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, studentID, models.EnrollmentStatusEnrolled, models.EnrollmentStatusWaitlisted); err != nil {
		return nil, fmt.Errorf("list student enrollments: %w", err)
	}
	return enrollments, nil
}

// SectionsWithWaitlist returns the IDs of sections holding at least one
// waitlisted enrollment. Feeds the periodic promotion sweep.
func (r *EnrollmentRepository) SectionsWithWaitlist(ctx context.Context) ([]string, error) {
	const query = `SELECT DISTINCT section_id FROM enrollments WHERE status = $1`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, models.EnrollmentStatusWaitlisted); err != nil {
		return nil, fmt.Errorf("list waitlisted sections: %w", err)
	}
	return ids, nil
}

// lockSectionSeats locks the section row and reads the enrolled count under
// the lock. The lock serializes every seat decision for the section.
func lockSectionSeats(ctx context.Context, tx *sqlx.Tx, sectionID string) (capacity, enrolled int, err error) {
	const capacityQuery = `SELECT capacity FROM sections WHERE id = $1 FOR UPDATE`
	if err = tx.GetContext(ctx, &capacity, capacityQuery, sectionID); err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, err
		}
		return 0, 0, fmt.Errorf("lock section: %w", err)
	}
	const countQuery = `SELECT COUNT(*) FROM enrollments WHERE section_id = $1 AND status = $2`
	if err = tx.GetContext(ctx, &enrolled, countQuery, sectionID, models.EnrollmentStatusEnrolled); err != nil {
		return 0, 0, fmt.Errorf("count enrolled: %w", err)
	}
	return capacity, enrolled, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqUniqueViolation
	}
	return false
}
