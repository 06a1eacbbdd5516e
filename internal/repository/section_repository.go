package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/uni-registrar-api/internal/models"
)

// SectionRepository handles persistence of course sections.
type SectionRepository struct {
	db *sqlx.DB
}

// NewSectionRepository constructs the repository.
func NewSectionRepository(db *sqlx.DB) *SectionRepository {
	return &SectionRepository{db: db}
}

// FindByID returns a section by identifier.
func (r *SectionRepository) FindByID(ctx context.Context, id string) (*models.Section, error) {
	const query = `SELECT id, course_code, title, term_id, capacity, created_at, updated_at FROM sections WHERE id = $1`
	var section models.Section
	if err := r.db.GetContext(ctx, &section, query, id); err != nil {
		return nil, err
	}
	return &section, nil
}

// FindDetailByID returns a section with live seat counts.
func (r *SectionRepository) FindDetailByID(ctx context.Context, id string) (*models.SectionDetail, error) {
	const query = `SELECT s.id, s.course_code, s.title, s.term_id, s.capacity, s.created_at, s.updated_at,
        COUNT(e.id) FILTER (WHERE e.status = $2) AS enrolled_count,
        COUNT(e.id) FILTER (WHERE e.status = $3) AS waitlisted_count
        FROM sections s
        LEFT JOIN enrollments e ON e.section_id = s.id
        WHERE s.id = $1
        GROUP BY s.id`
	var detail models.SectionDetail
	if err := r.db.GetContext(ctx, &detail, query, id, models.EnrollmentStatusEnrolled, models.EnrollmentStatusWaitlisted); err != nil {
		return nil, err
	}
	detail.AvailableSpots = models.AvailableSpots(detail.Capacity, detail.EnrolledCount)
	return &detail, nil
}

// List returns sections matching the filter with a total count.
func (r *SectionRepository) List(ctx context.Context, filter models.SectionFilter) ([]models.Section, int, error) {
	base := `FROM sections`
	var conditions []string
	var args []interface{}

	if filter.TermID != "" {
		conditions = append(conditions, fmt.Sprintf("term_id = $%d", len(args)+1))
		args = append(args, filter.TermID)
	}
	if filter.CourseCode != "" {
		conditions = append(conditions, fmt.Sprintf("course_code = $%d", len(args)+1))
		args = append(args, filter.CourseCode)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]bool{"course_code": true, "title": true, "created_at": true}
	sortBy := filter.SortBy
	if !allowedSorts[sortBy] {
		sortBy = "course_code"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "ASC"
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

	query := fmt.Sprintf(`SELECT id, course_code, title, term_id, capacity, created_at, updated_at %s ORDER BY %s %s LIMIT %d OFFSET %d`,
		base+clause, sortBy, order, size, offset)

	var sections []models.Section
	if err := r.db.SelectContext(ctx, &sections, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list sections: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count sections: %w", err)
	}
	return sections, total, nil
}

// Create persists a new section.
func (r *SectionRepository) Create(ctx context.Context, section *models.Section) error {
	if section.ID == "" {
		section.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	section.CreatedAt = now
	section.UpdatedAt = now
	const query = `INSERT INTO sections (id, course_code, title, term_id, capacity, created_at, updated_at)
        VALUES (:id, :course_code, :title, :term_id, :capacity, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, section); err != nil {
		return fmt.Errorf("create section: %w", err)
	}
	return nil
}

// UpdateCapacity changes the declared capacity. Existing enrollments are
// never invalidated by a decrease; only subsequent admission and promotion
// decisions see the new value.
func (r *SectionRepository) UpdateCapacity(ctx context.Context, id string, capacity int) error {
	const query = `UPDATE sections SET capacity = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, capacity, time.Now().UTC()); err != nil {
		return fmt.Errorf("update section capacity: %w", err)
	}
	return nil
}

// Roster returns the enrolled and waitlisted students of a section in
// waitlist order.
func (r *SectionRepository) Roster(ctx context.Context, sectionID string) ([]models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.seq, e.student_id, e.section_id, e.status, e.grade, e.created_at, e.updated_at, e.withdrawn_at, e.completed_at,
        s.full_name AS student_name, s.student_number AS student_number, c.course_code AS course_code, c.title AS section_title
        FROM enrollments e
        LEFT JOIN students s ON s.id = e.student_id
        LEFT JOIN sections c ON c.id = e.section_id
        WHERE e.section_id = $1 AND e.status IN ($2, $3)
        ORDER BY e.status ASC, e.created_at ASC, e.seq ASC`
	var roster []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &roster, query, sectionID, models.EnrollmentStatusEnrolled, models.EnrollmentStatusWaitlisted); err != nil {
		return nil, fmt.Errorf("section roster: %w", err)
	}
	return roster, nil
}
