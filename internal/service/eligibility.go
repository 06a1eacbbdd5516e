package service

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/uni-registrar-api/internal/models"
	appErrors "github.com/noah-isme/uni-registrar-api/pkg/errors"
)

type blockingHoldsReader interface {
	ListBlocking(ctx context.Context, studentID string) ([]models.Hold, error)
}

type duplicateChecker interface {
	ExistsActive(ctx context.Context, studentID, sectionID string) (bool, error)
}

type gateStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type gateSectionReader interface {
	FindByID(ctx context.Context, id string) (*models.Section, error)
}

type gateTermReader interface {
	FindByID(ctx context.Context, id string) (*models.Term, error)
}

// EligibilityGate validates a prospective enrollment before any state change
// is attempted. Checks run fail-fast in a fixed order: holds, deadline,
// duplicate, student status. Holds always fire first; they are a hard stop
// unrelated to academic readiness.
type EligibilityGate struct {
	holds       blockingHoldsReader
	enrollments duplicateChecker
	students    gateStudentReader
	sections    gateSectionReader
	terms       gateTermReader
	now         func() time.Time
	logger      *zap.Logger
}

// NewEligibilityGate wires the gate's read-only dependencies.
func NewEligibilityGate(holds blockingHoldsReader, enrollments duplicateChecker, students gateStudentReader, sections gateSectionReader, terms gateTermReader, logger *zap.Logger) *EligibilityGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EligibilityGate{
		holds:       holds,
		enrollments: enrollments,
		students:    students,
		sections:    sections,
		terms:       terms,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
}

// Check returns nil when the student may register for the section, or the
// first rejection in gate order.
func (g *EligibilityGate) Check(ctx context.Context, studentID, sectionID string) error {
	holds, err := g.holds.ListBlocking(ctx, studentID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load holds")
	}
	if len(holds) > 0 {
		return appErrors.WithDetails(appErrors.ErrRegistrationHold, holds)
	}

	section, err := g.sections.FindByID(ctx, sectionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "section not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load section")
	}
	term, err := g.terms.FindByID(ctx, section.TermID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "term not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load term")
	}
	if !term.RegistrationOpen(g.now()) {
		return appErrors.Clone(appErrors.ErrDeadlinePassed, "")
	}

	duplicate, err := g.enrollments.ExistsActive(ctx, studentID, sectionID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check existing enrollment")
	}
	if duplicate {
		return appErrors.Clone(appErrors.ErrDuplicateEnrollment, "")
	}

	student, err := g.students.FindByID(ctx, studentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !student.Active {
		return appErrors.Clone(appErrors.ErrStudentNotActive, "")
	}

	return nil
}
