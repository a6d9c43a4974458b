package models

import "time"

// AttendanceStatus represents the status for attendance records.
type AttendanceStatus string

const (
	AttendancePresent AttendanceStatus = "present"
	AttendanceLate    AttendanceStatus = "late"
	AttendanceAbsent  AttendanceStatus = "absent"
	AttendanceSick    AttendanceStatus = "sick"
	AttendanceExcused AttendanceStatus = "excused"
)

// Valid returns true when the status is a supported value.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case AttendancePresent, AttendanceLate, AttendanceAbsent, AttendanceSick, AttendanceExcused:
		return true
	default:
		return false
	}
}

// AttendanceRecord captures one student's attendance on one date.
type AttendanceRecord struct {
	ID        string           `db:"id" json:"id"`
	StudentID string           `db:"student_id" json:"student_id"`
	GroupID   string           `db:"group_id" json:"group_id"`
	Year      int              `db:"year" json:"year"`
	Date      time.Time        `db:"date" json:"date"`
	Status    AttendanceStatus `db:"status" json:"status"`
	TrainerID string           `db:"trainer_id" json:"trainer_id"`
	Notes     string           `db:"notes" json:"notes,omitempty"`
	SyncMeta
}

// RecordID implements Record.
func (a *AttendanceRecord) RecordID() string { return a.ID }

// CloneRecord implements Record.
func (a *AttendanceRecord) CloneRecord() Record {
	clone := *a
	return &clone
}

// AttendanceFilter scopes attendance listings.
type AttendanceFilter struct {
	StudentID string
	GroupID   string
	Year      int
	DateFrom  *time.Time
	DateTo    *time.Time
	Status    *AttendanceStatus
}

// BulkAttendanceFailure reports one student whose attendance could not be
// marked during a group marking.
type BulkAttendanceFailure struct {
	StudentID string `json:"student_id"`
	Reason    string `json:"reason"`
}

// BulkAttendanceResult partitions a group marking outcome per student.
type BulkAttendanceResult struct {
	Marked []string                `json:"marked"`
	Failed []BulkAttendanceFailure `json:"failed"`
}
