package models

import "time"

// EnrollmentStatus represents the lifecycle state of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusEnrolled   EnrollmentStatus = "ENROLLED"
	EnrollmentStatusWaitlisted EnrollmentStatus = "WAITLISTED"
	EnrollmentStatusWithdrawn  EnrollmentStatus = "WITHDRAWN"
	EnrollmentStatusCompleted  EnrollmentStatus = "COMPLETED"
)

// legalTransitions is the single authority for status changes.
// Initial statuses (ENROLLED, WAITLISTED) are chosen at creation time by the
// registration service, never by a transition.
var legalTransitions = map[EnrollmentStatus][]EnrollmentStatus{
	EnrollmentStatusEnrolled:   {EnrollmentStatusWithdrawn, EnrollmentStatusCompleted},
	EnrollmentStatusWaitlisted: {EnrollmentStatusEnrolled, EnrollmentStatusWithdrawn},
}

// CanTransition reports whether moving an enrollment from one status to
// another is legal. COMPLETED and WITHDRAWN are terminal.
func CanTransition(from, to EnrollmentStatus) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsActive reports whether the status counts toward the one-active-enrollment
// rule for a (student, section) pair.
func (s EnrollmentStatus) IsActive() bool {
	return s == EnrollmentStatusEnrolled || s == EnrollmentStatusWaitlisted
}

// Enrollment ties a student to a section for one registration attempt.
// Seq is assigned by the database and breaks creation-timestamp ties when
// ordering the waitlist.
type Enrollment struct {
	ID          string           `db:"id" json:"id"`
	Seq         int64            `db:"seq" json:"-"`
	StudentID   string           `db:"student_id" json:"student_id"`
	SectionID   string           `db:"section_id" json:"section_id"`
	Status      EnrollmentStatus `db:"status" json:"status"`
	Grade       *string          `db:"grade" json:"grade,omitempty"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time        `db:"updated_at" json:"updated_at"`
	WithdrawnAt *time.Time       `db:"withdrawn_at" json:"withdrawn_at,omitempty"`
	CompletedAt *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
}

// EnrollmentDetail enriches Enrollment with student and section info.
type EnrollmentDetail struct {
	Enrollment
	StudentName   string `db:"student_name" json:"student_name"`
	StudentNumber string `db:"student_number" json:"student_number"`
	CourseCode    string `db:"course_code" json:"course_code"`
	SectionTitle  string `db:"section_title" json:"section_title"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID string
	SectionID string
	Status    EnrollmentStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
