package models

import "time"

// RegistrationEventType tags outbound registration events.
type RegistrationEventType string

const (
	EventEnrolled   RegistrationEventType = "enrolled"
	EventWaitlisted RegistrationEventType = "waitlisted"
	EventPromoted   RegistrationEventType = "promoted"
)

// RegistrationEvent is handed to the external notification dispatcher.
// Delivery is at-least-once; receivers are expected to be idempotent on
// EnrollmentID + Type.
type RegistrationEvent struct {
	Type         RegistrationEventType `json:"type"`
	EnrollmentID string                `json:"enrollment_id"`
	StudentID    string                `json:"student_id"`
	SectionID    string                `json:"section_id"`
	OccurredAt   time.Time             `json:"occurred_at"`
}
