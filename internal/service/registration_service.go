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

type registrationStore interface {
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	Admit(ctx context.Context, enrollment *models.Enrollment, override bool) error
	UpdateStatus(ctx context.Context, id string, from, to models.EnrollmentStatus, grade *string) error
	PromoteNext(ctx context.Context, sectionID string) (*models.Enrollment, error)
	Swap(ctx context.Context, fromID, toSectionID string) (*models.Enrollment, *models.Enrollment, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
}

type registrationSectionReader interface {
	FindByID(ctx context.Context, id string) (*models.Section, error)
}

type registrationTermReader interface {
	FindByID(ctx context.Context, id string) (*models.Term, error)
}

type eligibilityChecker interface {
	Check(ctx context.Context, studentID, sectionID string) error
}

type eventPublisher interface {
	Publish(ctx context.Context, event models.RegistrationEvent)
}

type registrationMetrics interface {
	ObserveRegistration(outcome string)
	ObservePromotion()
	ObserveSwapRollback()
}

// RegisterRequest describes an enrollment request.
type RegisterRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	SectionID string `json:"section_id" validate:"required"`
	Override  bool   `json:"override,omitempty"`
}

// SwapRequest moves an active enrollment to another section.
type SwapRequest struct {
	TargetSectionID string `json:"target_section_id" validate:"required"`
}

// CompleteRequest finalizes an enrollment with a grade.
type CompleteRequest struct {
	Grade string `json:"grade" validate:"required"`
}

// SwapResult carries both halves of a completed swap.
type SwapResult struct {
	From *models.Enrollment `json:"from"`
	To   *models.Enrollment `json:"to"`
}

// RegistrationService is the entry point for enrollment lifecycle
// operations: register, withdraw, swap, complete, and waitlist promotion.
// Seat decisions are delegated to the store's atomic operations; this
// service owns eligibility, transition legality, ownership checks, events
// and metrics.
type RegistrationService struct {
	store     registrationStore
	sections  registrationSectionReader
	terms     registrationTermReader
	gate      eligibilityChecker
	notifier  eventPublisher
	metrics   registrationMetrics
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewRegistrationService constructs RegistrationService.
func NewRegistrationService(store registrationStore, sections registrationSectionReader, terms registrationTermReader, gate eligibilityChecker, notifier eventPublisher, metrics registrationMetrics, validate *validator.Validate, logger *zap.Logger) *RegistrationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistrationService{
		store:     store,
		sections:  sections,
		terms:     terms,
		gate:      gate,
		notifier:  notifier,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Register enrolls a student into a section, falling back to the waitlist
// when no seat is free. Losing the race for the last seat is not an error;
// the request simply lands waitlisted. An override request from anyone but
// an administrator or registrar is rejected before any state change.
func (s *RegistrationService) Register(ctx context.Context, actor *models.JWTClaims, req RegisterRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}
	if req.Override && !isStaff(actor) {
		return nil, appErrors.Clone(appErrors.ErrOverrideRequired, "")
	}
	if err := s.gate.Check(ctx, req.StudentID, req.SectionID); err != nil {
		return nil, err
	}

	enrollment := &models.Enrollment{StudentID: req.StudentID, SectionID: req.SectionID}
	if err := s.store.Admit(ctx, enrollment, req.Override); err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "section not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
	}

	eventType := models.EventEnrolled
	if enrollment.Status == models.EnrollmentStatusWaitlisted {
		eventType = models.EventWaitlisted
	}
	s.publish(ctx, eventType, enrollment)
	s.observeRegistration(string(enrollment.Status))

	return enrollment, nil
}

// Withdraw transitions an enrollment out of its active state and promotes
// the head of the section's waitlist into the freed seat before returning.
func (s *RegistrationService) Withdraw(ctx context.Context, actor *models.JWTClaims, enrollmentID string) (*models.Enrollment, error) {
	enrollment, err := s.loadOwned(ctx, actor, enrollmentID)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, enrollment, models.EnrollmentStatusWithdrawn, nil); err != nil {
		return nil, err
	}

	if _, err := s.PromoteNext(ctx, enrollment.SectionID); err != nil {
		s.logger.Warn("post-withdrawal promotion failed",
			zap.String("section_id", enrollment.SectionID), zap.Error(err))
	}
	return enrollment, nil
}

// Complete finalizes an enrollment at end of term, attaching the grade in
// the same transition. Restricted to staff by the transport layer.
func (s *RegistrationService) Complete(ctx context.Context, enrollmentID string, req CompleteRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "grade is required")
	}
	enrollment, err := s.store.FindByID(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	grade := req.Grade
	if err := s.transition(ctx, enrollment, models.EnrollmentStatusCompleted, &grade); err != nil {
		return nil, err
	}
	enrollment.Grade = &grade

	// A completed enrollment stops holding a seat; let the waitlist catch up.
	if _, err := s.PromoteNext(ctx, enrollment.SectionID); err != nil {
		s.logger.Warn("post-completion promotion failed",
			zap.String("section_id", enrollment.SectionID), zap.Error(err))
	}
	return enrollment, nil
}

// Swap atomically withdraws the source enrollment and admits the student
// into the target section. If the second half fails for any reason the
// whole unit rolls back and the source enrollment is left untouched; the
// caller sees a single swap-failed error with no partial side effects.
func (s *RegistrationService) Swap(ctx context.Context, actor *models.JWTClaims, enrollmentID string, req SwapRequest) (*SwapResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid swap payload")
	}
	source, err := s.loadOwned(ctx, actor, enrollmentID)
	if err != nil {
		return nil, err
	}
	if !source.Status.IsActive() {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "enrollment is not active")
	}
	if source.SectionID == req.TargetSectionID {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "target section matches current section")
	}

	// Both sides must still be inside their add/drop windows; one closed
	// deadline rejects the whole swap.
	if err := s.checkDeadline(ctx, source.SectionID); err != nil {
		return nil, err
	}
	if err := s.checkDeadline(ctx, req.TargetSectionID); err != nil {
		return nil, err
	}

	from, to, err := s.store.Swap(ctx, source.ID, req.TargetSectionID)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ObserveSwapRollback()
		}
		var appErr *appErrors.Error
		if errors.As(err, &appErr) && appErr.Status < 500 {
			return nil, appErrors.Clone(appErrors.ErrSwapFailed, appErr.Message)
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrSwapFailed, "target section not found")
		}
		s.logger.Error("swap aborted", zap.String("enrollment_id", enrollmentID), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrSwapFailed.Code, appErrors.ErrSwapFailed.Status, appErrors.ErrSwapFailed.Message)
	}

	eventType := models.EventEnrolled
	if to.Status == models.EnrollmentStatusWaitlisted {
		eventType = models.EventWaitlisted
	}
	s.publish(ctx, eventType, to)
	s.observeRegistration(string(to.Status))

	// The source section just lost a seat holder.
	if _, err := s.PromoteNext(ctx, from.SectionID); err != nil {
		s.logger.Warn("post-swap promotion failed",
			zap.String("section_id", from.SectionID), zap.Error(err))
	}

	return &SwapResult{From: from, To: to}, nil
}

// PromoteNext promotes the oldest waitlisted enrollment of the section when
// a seat is free, emitting a promoted event. Returns nil when nothing was
// promoted. Eligibility is not re-checked: a promoted student was already
// eligible when waitlisted.
func (s *RegistrationService) PromoteNext(ctx context.Context, sectionID string) (*models.Enrollment, error) {
	promoted, err := s.store.PromoteNext(ctx, sectionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to promote waitlist")
	}
	if promoted == nil {
		return nil, nil
	}
	s.publish(ctx, models.EventPromoted, promoted)
	if s.metrics != nil {
		s.metrics.ObservePromotion()
	}
	s.logger.Info("waitlist promotion",
		zap.String("enrollment_id", promoted.ID),
		zap.String("section_id", promoted.SectionID))
	return promoted, nil
}

// PromoteAll drains the section's waitlist into free seats, returning the
// number of promotions. Used after capacity increases and by the sweep.
func (s *RegistrationService) PromoteAll(ctx context.Context, sectionID string) (int, error) {
	count := 0
	for {
		promoted, err := s.PromoteNext(ctx, sectionID)
		if err != nil {
			return count, err
		}
		if promoted == nil {
			return count, nil
		}
		count++
	}
}

// Get returns an enrollment with student and section context.
func (s *RegistrationService) Get(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	detail, err := s.store.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return detail, nil
}

// List returns enrollments with pagination metadata.
func (s *RegistrationService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	enrollments, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return enrollments, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// transition applies a guarded status change, funnelling every mutation
// through the transition table so illegal moves are rejected uniformly.
func (s *RegistrationService) transition(ctx context.Context, enrollment *models.Enrollment, to models.EnrollmentStatus, grade *string) error {
	if !models.CanTransition(enrollment.Status, to) {
		s.logger.Error("illegal enrollment transition attempted",
			zap.String("enrollment_id", enrollment.ID),
			zap.String("from", string(enrollment.Status)),
			zap.String("to", string(to)))
		return appErrors.Clone(appErrors.ErrStateViolation, "")
	}
	if err := s.store.UpdateStatus(ctx, enrollment.ID, enrollment.Status, to, grade); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Someone else changed the row between our read and write.
			return appErrors.Clone(appErrors.ErrStateViolation, "enrollment changed concurrently")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update enrollment status")
	}
	now := s.now()
	enrollment.Status = to
	enrollment.UpdatedAt = now
	switch to {
	case models.EnrollmentStatusWithdrawn:
		enrollment.WithdrawnAt = &now
	case models.EnrollmentStatusCompleted:
		enrollment.CompletedAt = &now
	}
	return nil
}

func (s *RegistrationService) loadOwned(ctx context.Context, actor *models.JWTClaims, enrollmentID string) (*models.Enrollment, error) {
	enrollment, err := s.store.FindByID(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if !isStaff(actor) {
		if actor == nil || actor.UserID != enrollment.StudentID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "not the owner of this enrollment")
		}
	}
	return enrollment, nil
}

func (s *RegistrationService) checkDeadline(ctx context.Context, sectionID string) error {
	section, err := s.sections.FindByID(ctx, sectionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "section not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load section")
	}
	term, err := s.terms.FindByID(ctx, section.TermID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "term not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load term")
	}
	if !term.RegistrationOpen(s.now()) {
		return appErrors.Clone(appErrors.ErrDeadlinePassed, "")
	}
	return nil
}

func (s *RegistrationService) publish(ctx context.Context, eventType models.RegistrationEventType, enrollment *models.Enrollment) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(ctx, models.RegistrationEvent{
		Type:         eventType,
		EnrollmentID: enrollment.ID,
		StudentID:    enrollment.StudentID,
		SectionID:    enrollment.SectionID,
		OccurredAt:   s.now(),
	})
}

func (s *RegistrationService) observeRegistration(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveRegistration(outcome)
	}
}

func isStaff(actor *models.JWTClaims) bool {
	return actor != nil && (actor.Role == models.RoleAdmin || actor.Role == models.RoleRegistrar)
}
