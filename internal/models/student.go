package models

import "strings"

// Student represents one roster member. ExternalID is the human-facing
// identifier; within the same (name, year) partition it must be unique, which
// guards against the same person being registered twice.
type Student struct {
	ID         string `db:"id" json:"id"`
	Name       string `db:"name" json:"name"`
	ExternalID string `db:"external_id" json:"external_id"`
	Phone      string `db:"phone" json:"phone,omitempty"`
	Email      string `db:"email" json:"email,omitempty"`
	Guardian   string `db:"guardian" json:"guardian,omitempty"`
	GroupID    string `db:"group_id" json:"group_id"`
	Year       int    `db:"year" json:"year"`
	SyncMeta
}

// RecordID implements Record.
func (s *Student) RecordID() string { return s.ID }

// CloneRecord implements Record.
func (s *Student) CloneRecord() Record {
	clone := *s
	return &clone
}

// IdentityKey normalizes the duplicate-detection key for a student: same
// name (case-insensitive, trimmed) plus same external ID within one year
// partition means the same person.
func (s *Student) IdentityKey() string {
	return strings.ToLower(strings.TrimSpace(s.Name)) + "|" + strings.TrimSpace(s.ExternalID)
}

// StudentFilter captures filtering criteria for roster listings.
type StudentFilter struct {
	GroupID string
	Year    int
	Search  string
}
