package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/uni-registrar-api/internal/models"
	appErrors "github.com/noah-isme/uni-registrar-api/pkg/errors"
)

type holdRepository interface {
	ListByStudent(ctx context.Context, studentID string) ([]models.Hold, error)
	ListBlocking(ctx context.Context, studentID string) ([]models.Hold, error)
	Create(ctx context.Context, hold *models.Hold) error
	Resolve(ctx context.Context, id string, resolvedAt time.Time) error
}

type holdStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

// PlaceHoldRequest describes a new hold payload.
type PlaceHoldRequest struct {
	StudentID            string              `json:"student_id" validate:"required"`
	Severity             models.HoldSeverity `json:"severity" validate:"required,oneof=INFO WARNING CRITICAL"`
	Reason               string              `json:"reason" validate:"required"`
	PreventsRegistration bool                `json:"prevents_registration"`
}

// HoldService manages student holds.
type HoldService struct {
	repo      holdRepository
	students  holdStudentReader
	validator *validator.Validate
	logger    *zap.Logger
}

// NewHoldService constructs HoldService.
func NewHoldService(repo holdRepository, students holdStudentReader, validate *validator.Validate, logger *zap.Logger) *HoldService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HoldService{repo: repo, students: students, validator: validate, logger: logger}
}

// Place records a hold against a student.
func (s *HoldService) Place(ctx context.Context, placedBy string, req PlaceHoldRequest) (*models.Hold, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid hold payload")
	}
	if _, err := s.students.FindByID(ctx, req.StudentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	hold := &models.Hold{
		StudentID:            req.StudentID,
		Severity:             req.Severity,
		Reason:               req.Reason,
		PreventsRegistration: req.PreventsRegistration,
	}
	if placedBy != "" {
		hold.PlacedBy = &placedBy
	}
	if err := s.repo.Create(ctx, hold); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create hold")
	}
	return hold, nil
}

// Resolve closes a hold, re-opening registration for the student when it
// was the last blocking one.
func (s *HoldService) Resolve(ctx context.Context, id string) error {
	if err := s.repo.Resolve(ctx, id, time.Now().UTC()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve hold")
	}
	return nil
}

// ListByStudent returns all holds for a student.
func (s *HoldService) ListByStudent(ctx context.Context, studentID string) ([]models.Hold, error) {
	holds, err := s.repo.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list holds")
	}
	return holds, nil
}
