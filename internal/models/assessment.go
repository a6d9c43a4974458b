package models

import "time"

// AssessmentSchemaVersion is the current assessment document schema. Version
// 1 predates the export/lock and edit-audit fields; version 2 carries them.
const AssessmentSchemaVersion = 2

// AssessmentState is the export/lock lifecycle state, derived from the lock
// flags rather than stored separately so two clients can never disagree with
// the flags themselves.
type AssessmentState string

const (
	AssessmentDraft    AssessmentState = "DRAFT"
	AssessmentExported AssessmentState = "EXPORTED"
	AssessmentReviewed AssessmentState = "REVIEWED"
)

// AssessmentRecord captures one scored result for a student, plus the
// export/lock lifecycle and edit audit trail.
type AssessmentRecord struct {
	ID        string    `db:"id" json:"id"`
	StudentID string    `db:"student_id" json:"student_id"`
	GroupID   string    `db:"group_id" json:"group_id"`
	Year      int       `db:"year" json:"year"`
	Unit      *string   `db:"unit" json:"unit,omitempty"`
	Name      string    `db:"name" json:"name"`
	Type      string    `db:"type" json:"type"`
	Score     float64   `db:"score" json:"score"`
	MaxScore  float64   `db:"max_score" json:"max_score"`
	Date      time.Time `db:"date" json:"date"`
	AuthorID  string    `db:"author_id" json:"author_id"`

	ExportedToAdmin bool       `db:"exported_to_admin" json:"exported_to_admin"`
	ExportedAt      *time.Time `db:"exported_at" json:"exported_at,omitempty"`
	ExportedBy      *string    `db:"exported_by" json:"exported_by,omitempty"`
	ReviewedByAdmin bool       `db:"reviewed_by_admin" json:"reviewed_by_admin"`
	ReviewedAt      *time.Time `db:"reviewed_at" json:"reviewed_at,omitempty"`
	ReviewedBy      *string    `db:"reviewed_by" json:"reviewed_by,omitempty"`

	LastEditedAt *time.Time `db:"last_edited_at" json:"last_edited_at,omitempty"`
	LastEditedBy *string    `db:"last_edited_by" json:"last_edited_by,omitempty"`
	EditCount    int        `db:"edit_count" json:"edit_count"`

	SchemaVersion int `db:"schema_version" json:"schema_version"`
	SyncMeta
}

// RecordID implements Record.
func (a *AssessmentRecord) RecordID() string { return a.ID }

// CloneRecord implements Record.
func (a *AssessmentRecord) CloneRecord() Record {
	clone := *a
	if a.Unit != nil {
		u := *a.Unit
		clone.Unit = &u
	}
	clone.ExportedAt = cloneTime(a.ExportedAt)
	clone.ExportedBy = cloneString(a.ExportedBy)
	clone.ReviewedAt = cloneTime(a.ReviewedAt)
	clone.ReviewedBy = cloneString(a.ReviewedBy)
	clone.LastEditedAt = cloneTime(a.LastEditedAt)
	clone.LastEditedBy = cloneString(a.LastEditedBy)
	return &clone
}

// State derives the lifecycle state from the lock flags.
func (a *AssessmentRecord) State() AssessmentState {
	if a.ReviewedByAdmin {
		return AssessmentReviewed
	}
	if a.ExportedToAdmin {
		return AssessmentExported
	}
	return AssessmentDraft
}

// Locked reports whether non-admin mutation paths must refuse the record.
func (a *AssessmentRecord) Locked() bool {
	return a.ExportedToAdmin
}

// UpgradeSchema migrates documents written under older schema versions. A
// version-1 record has no lock or audit fields; their zero values are the
// correct defaults. A record claiming review without export was written by a
// client that predates the two-phase lifecycle; review implies export.
func (a *AssessmentRecord) UpgradeSchema() {
	if a.SchemaVersion >= AssessmentSchemaVersion {
		return
	}
	if a.EditCount < 0 {
		a.EditCount = 0
	}
	if a.ReviewedByAdmin && !a.ExportedToAdmin {
		a.ExportedToAdmin = true
		a.ExportedAt = cloneTime(a.ReviewedAt)
		a.ExportedBy = cloneString(a.ReviewedBy)
	}
	a.SchemaVersion = AssessmentSchemaVersion
}

// AssessmentFilter scopes assessment listings.
type AssessmentFilter struct {
	StudentID string
	GroupID   string
	Year      int
	AuthorID  string
	State     *AssessmentState
}

// ExportFailure reports one record that could not be exported.
type ExportFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// ExportResult partitions a batch export outcome. Partial success is a
// legitimate outcome when other clients mutate the same records concurrently,
// so the result is never collapsed into a single boolean.
type ExportResult struct {
	Succeeded []string        `json:"succeeded"`
	Failed    []ExportFailure `json:"failed"`
}

// ExportPreviewItem summarises one record for the confirmation dialog shown
// before an export is performed.
type ExportPreviewItem struct {
	ID          string          `json:"id"`
	StudentID   string          `json:"student_id"`
	StudentName string          `json:"student_name,omitempty"`
	Name        string          `json:"name"`
	Score       float64         `json:"score"`
	MaxScore    float64         `json:"max_score"`
	State       AssessmentState `json:"state"`
	Exportable  bool            `json:"exportable"`
	Reason      string          `json:"reason,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
