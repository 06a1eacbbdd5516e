package models

import "time"

// Section is one scheduled offering of a course within a term.
type Section struct {
	ID         string    `db:"id" json:"id"`
	CourseCode string    `db:"course_code" json:"course_code"`
	Title      string    `db:"title" json:"title"`
	TermID     string    `db:"term_id" json:"term_id"`
	Capacity   int       `db:"capacity" json:"capacity"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// SectionDetail carries the section together with live seat accounting.
type SectionDetail struct {
	Section
	EnrolledCount   int `db:"enrolled_count" json:"enrolled_count"`
	WaitlistedCount int `db:"waitlisted_count" json:"waitlisted_count"`
	AvailableSpots  int `json:"available_spots"`
}

// SectionFilter provides filters for listing sections.
type SectionFilter struct {
	TermID     string
	CourseCode string
	Page       int
	PageSize   int
	SortBy     string
	SortOrder  string
}

// AvailableSpots returns the number of free seats given a declared capacity
// and a fresh enrolled count. Negative when over-enrolled by administrative
// override.
func AvailableSpots(capacity, enrolled int) int {
	return capacity - enrolled
}

// HasAvailableSeat reports whether a new enrollment can take a seat.
func HasAvailableSeat(capacity, enrolled int) bool {
	return AvailableSpots(capacity, enrolled) > 0
}
