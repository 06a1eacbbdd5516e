package models

import "time"

// HoldSeverity indicates how serious a hold is.
type HoldSeverity string

const (
	HoldSeverityInfo     HoldSeverity = "INFO"
	HoldSeverityWarning  HoldSeverity = "WARNING"
	HoldSeverityCritical HoldSeverity = "CRITICAL"
)

// Hold is a student-level restriction. An unresolved hold with
// PreventsRegistration set blocks all new enrollment creation for the
// student regardless of seat availability.
type Hold struct {
	ID                   string       `db:"id" json:"id"`
	StudentID            string       `db:"student_id" json:"student_id"`
	Severity             HoldSeverity `db:"severity" json:"severity"`
	Reason               string       `db:"reason" json:"reason"`
	PreventsRegistration bool         `db:"prevents_registration" json:"prevents_registration"`
	PlacedBy             *string      `db:"placed_by" json:"placed_by,omitempty"`
	ResolvedAt           *time.Time   `db:"resolved_at" json:"resolved_at,omitempty"`
	CreatedAt            time.Time    `db:"created_at" json:"created_at"`
}

// Blocking reports whether the hold currently prevents registration.
func (h Hold) Blocking() bool {
	return h.PreventsRegistration && h.ResolvedAt == nil
}
