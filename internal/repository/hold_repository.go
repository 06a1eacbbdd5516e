package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/uni-registrar-api/internal/models"
)

// HoldRepository handles persistence of student holds.
type HoldRepository struct {
	db *sqlx.DB
}

// NewHoldRepository constructs the repository.
func NewHoldRepository(db *sqlx.DB) *HoldRepository {
	return &HoldRepository{db: db}
}

// ListBlocking returns the unresolved holds that prevent registration for a
// student. The eligibility gate surfaces all of them, not just the first.
func (r *HoldRepository) ListBlocking(ctx context.Context, studentID string) ([]models.Hold, error) {
	const query = `SELECT id, student_id, severity, reason, prevents_registration, placed_by, resolved_at, created_at
        FROM holds WHERE student_id = $1 AND prevents_registration = TRUE AND resolved_at IS NULL
        ORDER BY created_at ASC`
	var holds []models.Hold
	if err := r.db.SelectContext(ctx, &holds, query, studentID); err != nil {
		return nil, fmt.Errorf("list blocking holds: %w", err)
	}
	return holds, nil
}

// ListByStudent returns all holds for a student, newest first.
func (r *HoldRepository) ListByStudent(ctx context.Context, studentID string) ([]models.Hold, error) {
	const query = `SELECT id, student_id, severity, reason, prevents_registration, placed_by, resolved_at, created_at
        FROM holds WHERE student_id = $1 ORDER BY created_at DESC`
	var holds []models.Hold
	if err := r.db.SelectContext(ctx, &holds, query, studentID); err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	return holds, nil
}

// Create persists a new hold.
func (r *HoldRepository) Create(ctx context.Context, hold *models.Hold) error {
	if hold.ID == "" {
		hold.ID = uuid.NewString()
	}
	if hold.CreatedAt.IsZero() {
		hold.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO holds (id, student_id, severity, reason, prevents_registration, placed_by, resolved_at, created_at)
        VALUES (:id, :student_id, :severity, :reason, :prevents_registration, :placed_by, :resolved_at, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, hold); err != nil {
		return fmt.Errorf("create hold: %w", err)
	}
	return nil
}

// Resolve stamps the hold as resolved. Resolving twice is a no-op.
func (r *HoldRepository) Resolve(ctx context.Context, id string, resolvedAt time.Time) error {
	const query = `UPDATE holds SET resolved_at = $2 WHERE id = $1 AND resolved_at IS NULL`
	if _, err := r.db.ExecContext(ctx, query, id, resolvedAt); err != nil {
		return fmt.Errorf("resolve hold: %w", err)
	}
	return nil
}
