package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/uni-registrar-api/internal/models"
	appErrors "github.com/noah-isme/uni-registrar-api/pkg/errors"
)

// fakeRegistrationStore applies the same all-or-nothing semantics the real
// repository gets from its transactions: a failed operation leaves no trace.
type fakeRegistrationStore struct {
	capacities  map[string]int
	enrollments map[string]*models.Enrollment
	seq         int64
	swapErr     error
}

func newFakeStore(capacities map[string]int) *fakeRegistrationStore {
	return &fakeRegistrationStore{
		capacities:  capacities,
		enrollments: make(map[string]*models.Enrollment),
	}
}

func (f *fakeRegistrationStore) enrolledCount(sectionID string) int {
	count := 0
	for _, e := range f.enrollments {
		if e.SectionID == sectionID && e.Status == models.EnrollmentStatusEnrolled {
			count++
		}
	}
	return count
}

func (f *fakeRegistrationStore) activeExists(studentID, sectionID string) bool {
	for _, e := range f.enrollments {
		if e.StudentID == studentID && e.SectionID == sectionID && e.Status.IsActive() {
			return true
		}
	}
	return false
}

func (f *fakeRegistrationStore) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	if e, ok := f.enrollments[id]; ok {
		copied := *e
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeRegistrationStore) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	if e, ok := f.enrollments[id]; ok {
		return &models.EnrollmentDetail{Enrollment: *e}, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeRegistrationStore) Admit(ctx context.Context, enrollment *models.Enrollment, override bool) error {
	capacity, ok := f.capacities[enrollment.SectionID]
	if !ok {
		return sql.ErrNoRows
	}
	if f.activeExists(enrollment.StudentID, enrollment.SectionID) {
		return appErrors.Clone(appErrors.ErrDuplicateEnrollment, "")
	}
	f.seq++
	enrollment.ID = fmt.Sprintf("enr-%d", f.seq)
	enrollment.Seq = f.seq
	enrollment.Status = models.EnrollmentStatusWaitlisted
	if override || f.enrolledCount(enrollment.SectionID) < capacity {
		enrollment.Status = models.EnrollmentStatusEnrolled
	}
	enrollment.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(f.seq) * time.Second)
	enrollment.UpdatedAt = enrollment.CreatedAt
	copied := *enrollment
	f.enrollments[enrollment.ID] = &copied
	return nil
}

func (f *fakeRegistrationStore) UpdateStatus(ctx context.Context, id string, from, to models.EnrollmentStatus, grade *string) error {
	e, ok := f.enrollments[id]
	if !ok || e.Status != from {
		return sql.ErrNoRows
	}
	e.Status = to
	if grade != nil {
		e.Grade = grade
	}
	return nil
}

func (f *fakeRegistrationStore) PromoteNext(ctx context.Context, sectionID string) (*models.Enrollment, error) {
	capacity, ok := f.capacities[sectionID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	if f.enrolledCount(sectionID) >= capacity {
		return nil, nil
	}
	var waitlisted []*models.Enrollment
	for _, e := range f.enrollments {
		if e.SectionID == sectionID && e.Status == models.EnrollmentStatusWaitlisted {
			waitlisted = append(waitlisted, e)
		}
	}
	if len(waitlisted) == 0 {
		return nil, nil
	}
	sort.Slice(waitlisted, func(i, j int) bool {
		if waitlisted[i].CreatedAt.Equal(waitlisted[j].CreatedAt) {
			return waitlisted[i].Seq < waitlisted[j].Seq
		}
		return waitlisted[i].CreatedAt.Before(waitlisted[j].CreatedAt)
	})
	head := waitlisted[0]
	head.Status = models.EnrollmentStatusEnrolled
	copied := *head
	return &copied, nil
}

func (f *fakeRegistrationStore) Swap(ctx context.Context, fromID, toSectionID string) (*models.Enrollment, *models.Enrollment, error) {
	if f.swapErr != nil {
		return nil, nil, f.swapErr
	}
	source, ok := f.enrollments[fromID]
	if !ok {
		return nil, nil, sql.ErrNoRows
	}
	if !source.Status.IsActive() {
		return nil, nil, appErrors.Clone(appErrors.ErrStateViolation, "enrollment is not active")
	}
	capacity, ok := f.capacities[toSectionID]
	if !ok {
		return nil, nil, sql.ErrNoRows
	}
	// The duplicate guard aborts before the withdrawal is applied.
	if f.activeExists(source.StudentID, toSectionID) {
		return nil, nil, appErrors.Clone(appErrors.ErrDuplicateEnrollment, "student already has an active enrollment in target section")
	}

	source.Status = models.EnrollmentStatusWithdrawn
	f.seq++
	status := models.EnrollmentStatusWaitlisted
	if f.enrolledCount(toSectionID) < capacity {
		status = models.EnrollmentStatusEnrolled
	}
	target := &models.Enrollment{
		ID:        fmt.Sprintf("enr-%d", f.seq),
		Seq:       f.seq,
		StudentID: source.StudentID,
		SectionID: toSectionID,
		Status:    status,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(f.seq) * time.Second),
	}
	copied := *target
	f.enrollments[target.ID] = &copied
	sourceCopy := *source
	targetCopy := *target
	return &sourceCopy, &targetCopy, nil
}

func (f *fakeRegistrationStore) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	var list []models.EnrollmentDetail
	for _, e := range f.enrollments {
		if filter.StudentID != "" && e.StudentID != filter.StudentID {
			continue
		}
		if filter.SectionID != "" && e.SectionID != filter.SectionID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		list = append(list, models.EnrollmentDetail{Enrollment: *e})
	}
	return list, len(list), nil
}

type fakeGate struct {
	err error
}

func (f *fakeGate) Check(ctx context.Context, studentID, sectionID string) error {
	return f.err
}

type fakePublisher struct {
	events []models.RegistrationEvent
}

func (f *fakePublisher) Publish(ctx context.Context, event models.RegistrationEvent) {
	f.events = append(f.events, event)
}

func (f *fakePublisher) byType(t models.RegistrationEventType) []models.RegistrationEvent {
	var out []models.RegistrationEvent
	for _, e := range f.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeMetrics struct {
	outcomes   map[string]int
	promotions int
	rollbacks  int
}

func (f *fakeMetrics) ObserveRegistration(outcome string) {
	if f.outcomes == nil {
		f.outcomes = make(map[string]int)
	}
	f.outcomes[outcome]++
}

func (f *fakeMetrics) ObservePromotion()    { f.promotions++ }
func (f *fakeMetrics) ObserveSwapRollback() { f.rollbacks++ }

type fakeSectionReader struct {
	sections map[string]*models.Section
}

func (f *fakeSectionReader) FindByID(ctx context.Context, id string) (*models.Section, error) {
	if s, ok := f.sections[id]; ok {
		return s, nil
	}
	return nil, sql.ErrNoRows
}

type fakeTermReader struct {
	terms map[string]*models.Term
}

func (f *fakeTermReader) FindByID(ctx context.Context, id string) (*models.Term, error) {
	if t, ok := f.terms[id]; ok {
		return t, nil
	}
	return nil, sql.ErrNoRows
}

type registrationFixture struct {
	store     *fakeRegistrationStore
	gate      *fakeGate
	publisher *fakePublisher
	metrics   *fakeMetrics
	svc       *RegistrationService
}

func newRegistrationFixture(capacities map[string]int) *registrationFixture {
	store := newFakeStore(capacities)
	gate := &fakeGate{}
	publisher := &fakePublisher{}
	metrics := &fakeMetrics{}
	sections := &fakeSectionReader{sections: map[string]*models.Section{}}
	for id := range capacities {
		sections.sections[id] = &models.Section{ID: id, TermID: "t1", Capacity: capacities[id]}
	}
	terms := &fakeTermReader{terms: map[string]*models.Term{
		"t1": {ID: "t1", AddDropDeadline: time.Now().UTC().Add(24 * time.Hour)},
	}}
	svc := NewRegistrationService(store, sections, terms, gate, publisher, metrics, validator.New(), zap.NewNop())
	return &registrationFixture{store: store, gate: gate, publisher: publisher, metrics: metrics, svc: svc}
}

func staffActor() *models.JWTClaims {
	return &models.JWTClaims{UserID: "u-reg", Role: models.RoleRegistrar}
}

func studentActor(id string) *models.JWTClaims {
	return &models.JWTClaims{UserID: id, Role: models.RoleStudent}
}

func TestRegisterGrantsSeat(t *testing.T) {
	fx := newRegistrationFixture(map[string]int{"sec1": 2})

	enrollment, err := fx.svc.Register(context.Background(), studentActor("s1"), RegisterRequest{StudentID: "s1", SectionID: "sec1"})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusEnrolled, enrollment.Status)
	require.Len(t, fx.publisher.events, 1)
	assert.Equal(t, models.EventEnrolled, fx.publisher.events[0].Type)
	assert.Equal(t, 1, fx.metrics.outcomes["ENROLLED"])
}

func TestRegisterWaitlistsWhenFull(t *testing.T) {
	fx := newRegistrationFixture(map[string]int{"sec1": 1})
	_, err := fx.svc.Register(context.Background(), studentActor("s1"), RegisterRequest{StudentID: "s1", SectionID: "sec1"})
	require.NoError(t, err)

	enrollment, err := fx.svc.Register(context.Background(), studentActor("s2"), RegisterRequest{StudentID: "s2", SectionID: "sec1"})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusWaitlisted, enrollment.Status)
	assert.Equal(t, 1, fx.metrics.outcomes["WAITLISTED"])
	require.Len(t, fx.publisher.byType(models.EventWaitlisted), 1)
}

func TestRegisterOverrideRequiresStaff(t *testing.T) {
	fx := newRegistrationFixture(map[string]int{"sec1": 1})

	_, err := fx.svc.Register(context.Background(), studentActor("s1"), RegisterRequest{StudentID: "s1", SectionID: "sec1", Override: true})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrOverrideRequired.Code, appErrors.FromError(err).Code)
	assert.Empty(t, fx.store.enrollments)
}

func TestRegisterOverrideOverfillsSection(t *testing.T) {
	fx := newRegistrationFixture(map[string]int{"sec1": 1})
	_, err := fx.svc.Register(context.Background(), studentActor("s1"), RegisterRequest{StudentID: "s1", SectionID: "sec1"})
	require.NoError(t, err)

	enrollment, err := fx.svc.Register(context.Background(), staffActor(), RegisterRequest{StudentID: "s2", SectionID: "sec1", Override: true})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusEnrolled, enrollment.Status)
	assert.Equal(t, 2, fx.store.enrolledCount("sec1"))
}

func TestRegisterGateRejectionLeavesNoTrace(t *testing.T) {
	fx := newRegistrationFixture(map[string]int{"sec1": 5})
	fx.gate.err = appErrors.WithDetails(appErrors.ErrRegistrationHold, []models.Hold{{ID: "h1"}})

	_, err := fx.svc.Register(context.Background(), studentActor("s1"), RegisterRequest{StudentID: "s1", SectionID: "sec1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrRegistrationHold.Code, appErrors.FromError(err).Code)
	assert.Empty(t, fx.store.enrollments)
	assert.Empty(t, fx.publisher.events)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	fx := newRegistrationFixture(map[string]int{"sec1": 5})
	_, err := fx.svc.Register(context.Background(), studentActor("s1"), RegisterRequest{StudentID: "s1", SectionID: "sec1"})
	require.NoError(t, err)

	_, err = fx.svc.Register(context.Background(), studentActor("s1"), RegisterRequest{StudentID: "s1", SectionID: "sec1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrDuplicateEnrollment.Code, appErrors.FromError(err).Code)
}

func TestWithdrawPromotesWaitlistHead(t *testing.T) {
	fx := newRegistrationFixture(map[string]int{"sec1": 1})

	a, err := fx.svc.Register(context.Background(), studentActor("sA"), RegisterRequest{StudentID: "sA", SectionID: "sec1"})
	require.NoError(t, err)
	b, err := fx.svc.Register(context.Background(), studentActor("sB"), RegisterRequest{StudentID: "sB", SectionID: "sec1"})
	require.NoError(t, err)
	c, err := fx.svc.Register(context.Background(), studentActor("sC"), RegisterRequest{StudentID: "sC", SectionID: "sec1"})
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentStatusWaitlisted, b.Status)
	require.Equal(t, models.EnrollmentStatusWaitlisted, c.Status)

	withdrawn, err := fx.svc.Withdraw(context.Background(), studentActor("sA"), a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusWithdrawn, withdrawn.Status)

	// B joined the waitlist before C, so B gets the seat.
	assert.Equal(t, models.EnrollmentStatusEnrolled, fx.store.enrollments[b.ID].Status)
	assert.Equal(t, models.EnrollmentStatusWaitlisted, fx.store.enrollments[c.ID].Status)
	assert.Equal(t, 1, fx.metrics.promotions)

	promoted := fx.publisher.byType(models.EventPromoted)
	require.Len(t, promoted, 1)
	assert.Equal(t, "sB", promoted[0].StudentID)
}

func TestWithdrawByNonOwnerForbidden(t *testing.T) {
	fx := newRegistrationFixture(map[string]int{"sec1": 1})
	a, err := fx.svc.Register(context.Background(), studentActor("sA"), RegisterRequest{StudentID: "sA", SectionID: "sec1"})
	require.NoError(t, err)

	_, err = fx.svc.Withdraw(context.Background(), studentActor("sB"), a.ID)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
	assert.Equal(t, models.EnrollmentStatusEnrolled, fx.store.enrollments[a.ID].Status)
}

func TestWithdrawTwiceIsStateViolation(t *testing.T) {
	fx := newRegistrationFixture(map[string]int{"sec1": 1})
	a, err := fx.svc.Register(context.Background(), studentActor("sA"), RegisterRequest{StudentID: "sA", SectionID: "sec1"})
	require.NoError(t, err)

	_, err = fx.svc.Withdraw(context.Background(), studentActor("sA"), a.ID)
	require.NoError(t, err)
	_, err = fx.svc.Withdraw(context.Background(), studentActor("sA"), a.ID)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStateViolation.Code, appErrors.FromError(err).Code)
}

func TestCompleteRequiresGrade(t *testing.T) {
	fx := newRegistrationFixture(map[string]int{"sec1": 1})
	a, err := fx.svc.Register(context.Background(), studentActor("sA"), RegisterRequest{StudentID: "sA", SectionID: "sec1"})
	require.NoError(t, err)

	_, err = fx.svc.Complete(context.Background(), a.ID, CompleteRequest{})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestCompleteFreesSeatForWaitlist(t *testing.T) {
	fx := newRegistrationFixture(map[string]int{"sec1": 1})
	a, err := fx.svc.Register(context.Background(), studentActor("sA"), RegisterRequest{StudentID: "sA", SectionID: "sec1"})
	require.NoError(t, err)
	b, err := fx.svc.Register(context.Background(), studentActor("sB"), RegisterRequest{StudentID: "sB", SectionID: "sec1"})
	require.NoError(t, err)

	completed, err := fx.svc.Complete(context.Background(), a.ID, CompleteRequest{Grade: "A-"})
	require.NoError(t, err)
	require.NotNil(t, completed.Grade)
	assert.Equal(t, "A-", *completed.Grade)
	assert.Equal(t, models.EnrollmentStatusEnrolled, fx.store.enrollments[b.ID].Status)
}

func TestCompleteWaitlistedRejected(t *testing.T) {
	fx := newRegistrationFixture(map[string]int{"sec1": 1})
	_, err := fx.svc.Register(context.Background(), studentActor("sA"), RegisterRequest{StudentID: "sA", SectionID: "sec1"})
	require.NoError(t, err)
	b, err := fx.svc.Register(context.Background(), studentActor("sB"), RegisterRequest{StudentID: "sB", SectionID: "sec1"})
	require.NoError(t, err)

	_, err = fx.svc.Complete(context.Background(), b.ID, CompleteRequest{Grade: "B"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStateViolation.Code, appErrors.FromError(err).Code)
}

func TestSwapMovesSeatAndPromotesSource(t *testing.T) {
	fx := newRegistrationFixture(map[string]int{"sec1": 1, "sec2": 1})
	a, err := fx.svc.Register(context.Background(), studentActor("sA"), RegisterRequest{StudentID: "sA", SectionID: "sec1"})
	require.NoError(t, err)
	b, err := fx.svc.Register(context.Background(), studentActor("sB"), RegisterRequest{StudentID: "sB", SectionID: "sec1"})
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentStatusWaitlisted, b.Status)

	result, err := fx.svc.Swap(context.Background(), studentActor("sA"), a.ID, SwapRequest{TargetSectionID: "sec2"})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusWithdrawn, result.From.Status)
	assert.Equal(t, models.EnrollmentStatusEnrolled, result.To.Status)
	assert.Equal(t, "sec2", result.To.SectionID)

	// The vacated seat goes to the waitlist head of the source section.
	assert.Equal(t, models.EnrollmentStatusEnrolled, fx.store.enrollments[b.ID].Status)
}

func TestSwapIntoFullSectionWaitlists(t *testing.T) {
	fx := newRegistrationFixture(map[string]int{"sec1": 1, "sec2": 1})
	a, err := fx.svc.Register(context.Background(), studentActor("sA"), RegisterRequest{StudentID: "sA", SectionID: "sec1"})
	require.NoError(t, err)
	_, err = fx.svc.Register(context.Background(), studentActor("sB"), RegisterRequest{StudentID: "sB", SectionID: "sec2"})
	require.NoError(t, err)

	result, err := fx.svc.Swap(context.Background(), studentActor("sA"), a.ID, SwapRequest{TargetSectionID: "sec2"})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusWaitlisted, result.To.Status)
}

func TestSwapFailureLeavesSourceUntouched(t *testing.T) {
	fx := newRegistrationFixture(map[string]int{"sec1": 1, "sec2": 1})
	a, err := fx.svc.Register(context.Background(), studentActor("sA"), RegisterRequest{StudentID: "sA", SectionID: "sec1"})
	require.NoError(t, err)

	fx.store.swapErr = appErrors.Clone(appErrors.ErrDuplicateEnrollment, "student already has an active enrollment in target section")

	_, err = fx.svc.Swap(context.Background(), studentActor("sA"), a.ID, SwapRequest{TargetSectionID: "sec2"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrSwapFailed.Code, appErrors.FromError(err).Code)
	assert.Equal(t, 1, fx.metrics.rollbacks)
	assert.Equal(t, models.EnrollmentStatusEnrolled, fx.store.enrollments[a.ID].Status)
	// Only the original registration event exists; nothing was published for
	// the aborted swap.
	assert.Len(t, fx.publisher.events, 1)
}

func TestSwapToSameSectionRejected(t *testing.T) {
	fx := newRegistrationFixture(map[string]int{"sec1": 2})
	a, err := fx.svc.Register(context.Background(), studentActor("sA"), RegisterRequest{StudentID: "sA", SectionID: "sec1"})
	require.NoError(t, err)

	_, err = fx.svc.Swap(context.Background(), studentActor("sA"), a.ID, SwapRequest{TargetSectionID: "sec1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErrors.FromError(err).Code)
}

func TestSwapAfterDeadlineRejected(t *testing.T) {
	fx := newRegistrationFixture(map[string]int{"sec1": 2, "sec2": 2})
	a, err := fx.svc.Register(context.Background(), studentActor("sA"), RegisterRequest{StudentID: "sA", SectionID: "sec1"})
	require.NoError(t, err)

	fx.svc.terms = &fakeTermReader{terms: map[string]*models.Term{
		"t1": {ID: "t1", AddDropDeadline: time.Now().UTC().Add(-time.Hour)},
	}}

	_, err = fx.svc.Swap(context.Background(), studentActor("sA"), a.ID, SwapRequest{TargetSectionID: "sec2"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrDeadlinePassed.Code, appErrors.FromError(err).Code)
	assert.Equal(t, models.EnrollmentStatusEnrolled, fx.store.enrollments[a.ID].Status)
}

func TestPromoteAllDrainsFreedCapacity(t *testing.T) {
	fx := newRegistrationFixture(map[string]int{"sec1": 1})
	_, err := fx.svc.Register(context.Background(), studentActor("sA"), RegisterRequest{StudentID: "sA", SectionID: "sec1"})
	require.NoError(t, err)
	for _, id := range []string{"sB", "sC", "sD"} {
		_, err = fx.svc.Register(context.Background(), studentActor(id), RegisterRequest{StudentID: id, SectionID: "sec1"})
		require.NoError(t, err)
	}

	// Capacity raised from 1 to 3: two waitlisted students fit.
	fx.store.capacities["sec1"] = 3

	count, err := fx.svc.PromoteAll(context.Background(), "sec1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 3, fx.store.enrolledCount("sec1"))
	assert.Equal(t, 2, fx.metrics.promotions)
}
