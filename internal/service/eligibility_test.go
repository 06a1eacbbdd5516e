package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/uni-registrar-api/internal/models"
	appErrors "github.com/noah-isme/uni-registrar-api/pkg/errors"
)

type stubHoldsReader struct {
	holds map[string][]models.Hold
}

func (s *stubHoldsReader) ListBlocking(ctx context.Context, studentID string) ([]models.Hold, error) {
	return s.holds[studentID], nil
}

type stubDuplicateChecker struct {
	active map[string]bool
}

func (s *stubDuplicateChecker) ExistsActive(ctx context.Context, studentID, sectionID string) (bool, error) {
	return s.active[studentID+"/"+sectionID], nil
}

type stubGateStudents struct {
	students map[string]*models.Student
}

func (s *stubGateStudents) FindByID(ctx context.Context, id string) (*models.Student, error) {
	if st, ok := s.students[id]; ok {
		return st, nil
	}
	return nil, sql.ErrNoRows
}

type stubGateSections struct {
	sections map[string]*models.Section
}

func (s *stubGateSections) FindByID(ctx context.Context, id string) (*models.Section, error) {
	if sec, ok := s.sections[id]; ok {
		return sec, nil
	}
	return nil, sql.ErrNoRows
}

type stubGateTerms struct {
	terms map[string]*models.Term
}

func (s *stubGateTerms) FindByID(ctx context.Context, id string) (*models.Term, error) {
	if term, ok := s.terms[id]; ok {
		return term, nil
	}
	return nil, sql.ErrNoRows
}

func newTestGate(holds *stubHoldsReader, dup *stubDuplicateChecker, deadline time.Time) *EligibilityGate {
	students := &stubGateStudents{students: map[string]*models.Student{
		"s1": {ID: "s1", Active: true},
		"s2": {ID: "s2", Active: false},
	}}
	sections := &stubGateSections{sections: map[string]*models.Section{
		"sec1": {ID: "sec1", TermID: "t1", Capacity: 30},
	}}
	terms := &stubGateTerms{terms: map[string]*models.Term{
		"t1": {ID: "t1", AddDropDeadline: deadline},
	}}
	gate := NewEligibilityGate(holds, dup, students, sections, terms, zap.NewNop())
	gate.now = func() time.Time { return time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC) }
	return gate
}

func TestEligibilityGatePasses(t *testing.T) {
	gate := newTestGate(&stubHoldsReader{}, &stubDuplicateChecker{}, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	err := gate.Check(context.Background(), "s1", "sec1")
	require.NoError(t, err)
}

func TestEligibilityGateBlocksOnHold(t *testing.T) {
	holds := &stubHoldsReader{holds: map[string][]models.Hold{
		"s1": {
			{ID: "h1", StudentID: "s1", Severity: models.HoldSeverityCritical, Reason: "unpaid balance", PreventsRegistration: true},
			{ID: "h2", StudentID: "s1", Severity: models.HoldSeverityWarning, Reason: "missing transcript", PreventsRegistration: true},
		},
	}}
	gate := newTestGate(holds, &stubDuplicateChecker{}, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	err := gate.Check(context.Background(), "s1", "sec1")
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrRegistrationHold.Code, appErr.Code)

	// The rejection carries every blocking hold, not just the first.
	details, ok := appErr.Details.([]models.Hold)
	require.True(t, ok)
	assert.Len(t, details, 2)
}

func TestEligibilityGateHoldFiresBeforeDeadline(t *testing.T) {
	holds := &stubHoldsReader{holds: map[string][]models.Hold{
		"s1": {{ID: "h1", StudentID: "s1", PreventsRegistration: true}},
	}}
	// Deadline already passed; the hold still wins.
	gate := newTestGate(holds, &stubDuplicateChecker{}, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	err := gate.Check(context.Background(), "s1", "sec1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrRegistrationHold.Code, appErrors.FromError(err).Code)
}

func TestEligibilityGateRejectsAfterDeadline(t *testing.T) {
	gate := newTestGate(&stubHoldsReader{}, &stubDuplicateChecker{}, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	err := gate.Check(context.Background(), "s1", "sec1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrDeadlinePassed.Code, appErrors.FromError(err).Code)
}

func TestEligibilityGateRejectsDuplicate(t *testing.T) {
	dup := &stubDuplicateChecker{active: map[string]bool{"s1/sec1": true}}
	gate := newTestGate(&stubHoldsReader{}, dup, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	err := gate.Check(context.Background(), "s1", "sec1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrDuplicateEnrollment.Code, appErrors.FromError(err).Code)
}

func TestEligibilityGateRejectsInactiveStudent(t *testing.T) {
	gate := newTestGate(&stubHoldsReader{}, &stubDuplicateChecker{}, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	err := gate.Check(context.Background(), "s2", "sec1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrStudentNotActive.Code, appErrors.FromError(err).Code)
}

func TestEligibilityGateUnknownSection(t *testing.T) {
	gate := newTestGate(&stubHoldsReader{}, &stubDuplicateChecker{}, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	err := gate.Check(context.Background(), "s1", "missing")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}
