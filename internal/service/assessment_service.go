package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/rostersync/internal/models"
	appErrors "github.com/noah-isme/rostersync/pkg/errors"
)

type assessmentStore interface {
	Assessment(id string) (*models.AssessmentRecord, bool)
	Assessments(filter models.AssessmentFilter) []*models.AssessmentRecord
	Student(id string) (*models.Student, bool)
	Group(id string) (*models.Group, bool)
	Account(id string) (*models.Account, bool)
}

// CreateAssessmentRequest holds payload for recording a new assessment.
type CreateAssessmentRequest struct {
	StudentID string    `json:"student_id" validate:"required"`
	Name      string    `json:"name" validate:"required"`
	Type      string    `json:"type" validate:"required"`
	Unit      *string   `json:"unit"`
	Score     float64   `json:"score" validate:"gte=0"`
	MaxScore  float64   `json:"max_score" validate:"required,gt=0"`
	Date      time.Time `json:"date" validate:"required"`
}

// UpdateAssessmentRequest holds payload for editing an assessment.
type UpdateAssessmentRequest struct {
	Name     string    `json:"name" validate:"required"`
	Type     string    `json:"type" validate:"required"`
	Unit     *string   `json:"unit"`
	Score    float64   `json:"score" validate:"gte=0"`
	MaxScore float64   `json:"max_score" validate:"required,gt=0"`
	Date     time.Time `json:"date" validate:"required"`
}

// ExportRequest names the assessments to hand over to the admin.
type ExportRequest struct {
	IDs []string `json:"ids" validate:"required,min=1"`
}

// AssessmentService handles assessment use-cases including the export
// lifecycle. Once a record is exported its content is frozen for trainers;
// only an admin can still write it, and only an admin can unlock it.
type AssessmentService struct {
	store     assessmentStore
	mutator   recordMutator
	validator *validator.Validate
	logger    *zap.Logger
}

// NewAssessmentService constructs the assessment service.
func NewAssessmentService(store assessmentStore, mutator recordMutator, validate *validator.Validate, logger *zap.Logger) *AssessmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssessmentService{store: store, mutator: mutator, validator: validate, logger: logger}
}

// List returns assessments matching the filter, limited to the actor's scope.
func (s *AssessmentService) List(ctx context.Context, actor models.Actor, filter models.AssessmentFilter, page, pageSize int) ([]*models.AssessmentRecord, *models.Pagination, error) {
	all := s.store.Assessments(filter)
	visible := make([]*models.AssessmentRecord, 0, len(all))
	for _, a := range all {
		if scopeVisible(s.store, actor, a.GroupID, a.Year) {
			visible = append(visible, a)
		}
	}
	start, end, pagination := pageBounds(len(visible), page, pageSize)
	return visible[start:end], pagination, nil
}

// Get returns one assessment.
func (s *AssessmentService) Get(ctx context.Context, actor models.Actor, id string) (*models.AssessmentRecord, error) {
	rec, ok := s.store.Assessment(id)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "assessment not found")
	}
	if !scopeVisible(s.store, actor, rec.GroupID, rec.Year) {
		return nil, appErrors.Clone(appErrors.ErrPermission, "assessment outside assigned scope")
	}
	return rec, nil
}

// Create records a new assessment for a student.
func (s *AssessmentService) Create(ctx context.Context, actor models.Actor, req CreateAssessmentRequest) (*models.AssessmentRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid assessment payload")
	}
	if req.Score > req.MaxScore {
		return nil, appErrors.Clone(appErrors.ErrValidation, "score exceeds max score")
	}
	student, ok := s.store.Student(req.StudentID)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
	}
	group, ok := s.store.Group(student.GroupID)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student's group no longer exists")
	}
	if err := requireGroupAccess(s.store, actor, group); err != nil {
		return nil, err
	}

	rec := &models.AssessmentRecord{
		ID:            uuid.NewString(),
		StudentID:     student.ID,
		GroupID:       group.ID,
		Year:          student.Year,
		Unit:          req.Unit,
		Name:          req.Name,
		Type:          req.Type,
		Score:         req.Score,
		MaxScore:      req.MaxScore,
		Date:          req.Date,
		AuthorID:      actor.ID,
		SchemaVersion: models.AssessmentSchemaVersion,
	}
	if err := s.mutator.Save(ctx, models.CollectionAssessments, rec, actor); err != nil {
		return nil, err
	}
	created, _ := s.store.Assessment(rec.ID)
	return created, nil
}

// Update edits an assessment's content. Exported records refuse trainer
// edits; an admin may still correct them.
func (s *AssessmentService) Update(ctx context.Context, actor models.Actor, id string, req UpdateAssessmentRequest) (*models.AssessmentRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid assessment payload")
	}
	if req.Score > req.MaxScore {
		return nil, appErrors.Clone(appErrors.ErrValidation, "score exceeds max score")
	}
	rec, ok := s.store.Assessment(id)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "assessment not found")
	}
	if !scopeVisible(s.store, actor, rec.GroupID, rec.Year) {
		return nil, appErrors.Clone(appErrors.ErrPermission, "assessment outside assigned scope")
	}
	if rec.Locked() && !actor.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrLocked, "assessment exported to admin; edits require admin role")
	}

	rec.Name = req.Name
	rec.Type = req.Type
	rec.Unit = req.Unit
	rec.Score = req.Score
	rec.MaxScore = req.MaxScore
	rec.Date = req.Date
	s.stampEdit(rec, actor)

	if err := s.mutator.Save(ctx, models.CollectionAssessments, rec, actor); err != nil {
		return nil, err
	}
	updated, _ := s.store.Assessment(id)
	return updated, nil
}

// Delete removes an assessment. Exported records refuse trainer deletion.
func (s *AssessmentService) Delete(ctx context.Context, actor models.Actor, id string) error {
	rec, ok := s.store.Assessment(id)
	if !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "assessment not found")
	}
	if !scopeVisible(s.store, actor, rec.GroupID, rec.Year) {
		return appErrors.Clone(appErrors.ErrPermission, "assessment outside assigned scope")
	}
	if rec.Locked() && !actor.IsAdmin() {
		return appErrors.Clone(appErrors.ErrLocked, "assessment exported to admin; deletion requires admin role")
	}
	return s.mutator.Remove(ctx, models.CollectionAssessments, id, actor)
}

// ExportPreview reports, per requested record, whether an export would go
// through and why not otherwise. It mutates nothing.
func (s *AssessmentService) ExportPreview(ctx context.Context, actor models.Actor, ids []string) []models.ExportPreviewItem {
	items := make([]models.ExportPreviewItem, 0, len(ids))
	for _, id := range ids {
		rec, ok := s.store.Assessment(id)
		if !ok {
			items = append(items, models.ExportPreviewItem{ID: id, Reason: "assessment not found"})
			continue
		}
		item := models.ExportPreviewItem{
			ID:        rec.ID,
			StudentID: rec.StudentID,
			Name:      rec.Name,
			Score:     rec.Score,
			MaxScore:  rec.MaxScore,
			State:     rec.State(),
		}
		if student, ok := s.store.Student(rec.StudentID); ok {
			item.StudentName = student.Name
		}
		switch {
		case !scopeVisible(s.store, actor, rec.GroupID, rec.Year):
			item.Reason = "assessment outside assigned scope"
		case rec.State() != models.AssessmentDraft:
			item.Reason = fmt.Sprintf("already in state %s", rec.State())
		default:
			item.Exportable = true
		}
		items = append(items, item)
	}
	return items
}

// Export hands the named assessments over to the admin and locks them. Each
// record is re-checked against current state at export time, so a batch built
// from a stale preview degrades into per-record failures instead of
// clobbering concurrent changes.
func (s *AssessmentService) Export(ctx context.Context, actor models.Actor, req ExportRequest) (*models.ExportResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid export payload")
	}

	now := time.Now().UTC()
	by := actor.ID
	result := &models.ExportResult{}
	for _, id := range req.IDs {
		rec, ok := s.store.Assessment(id)
		if !ok {
			result.Failed = append(result.Failed, models.ExportFailure{ID: id, Reason: "assessment not found"})
			continue
		}
		if !scopeVisible(s.store, actor, rec.GroupID, rec.Year) {
			result.Failed = append(result.Failed, models.ExportFailure{ID: id, Reason: "assessment outside assigned scope"})
			continue
		}
		if rec.State() != models.AssessmentDraft {
			result.Failed = append(result.Failed, models.ExportFailure{ID: id, Reason: fmt.Sprintf("already in state %s", rec.State())})
			continue
		}

		rec.ExportedToAdmin = true
		rec.ExportedAt = &now
		rec.ExportedBy = &by

		if err := s.mutator.Save(ctx, models.CollectionAssessments, rec, actor); err != nil {
			s.logger.Warn("assessment export failed",
				zap.String("assessment_id", id),
				zap.Error(err))
			result.Failed = append(result.Failed, models.ExportFailure{ID: id, Reason: err.Error()})
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}
	return result, nil
}

// MarkReviewed records that the admin has reviewed an exported assessment.
// Reviewing an already-reviewed record is a no-op, not an error.
func (s *AssessmentService) MarkReviewed(ctx context.Context, actor models.Actor, id string) (*models.AssessmentRecord, error) {
	if !actor.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrPermission, "review requires admin role")
	}
	rec, ok := s.store.Assessment(id)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "assessment not found")
	}
	switch rec.State() {
	case models.AssessmentReviewed:
		return rec, nil
	case models.AssessmentDraft:
		return nil, appErrors.Clone(appErrors.ErrValidation, "assessment has not been exported")
	}

	now := time.Now().UTC()
	by := actor.ID
	rec.ReviewedByAdmin = true
	rec.ReviewedAt = &now
	rec.ReviewedBy = &by

	if err := s.mutator.Save(ctx, models.CollectionAssessments, rec, actor); err != nil {
		return nil, err
	}
	updated, _ := s.store.Assessment(id)
	return updated, nil
}

// Unlock returns an exported or reviewed assessment to draft so trainers can
// edit it again. The export and review trail is cleared with the lock; the
// edit audit fields stay.
func (s *AssessmentService) Unlock(ctx context.Context, actor models.Actor, id string) (*models.AssessmentRecord, error) {
	if !actor.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrPermission, "unlock requires admin role")
	}
	rec, ok := s.store.Assessment(id)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "assessment not found")
	}
	if rec.State() == models.AssessmentDraft {
		return nil, appErrors.Clone(appErrors.ErrValidation, "assessment is not locked")
	}

	rec.ExportedToAdmin = false
	rec.ExportedAt = nil
	rec.ExportedBy = nil
	rec.ReviewedByAdmin = false
	rec.ReviewedAt = nil
	rec.ReviewedBy = nil

	if err := s.mutator.Save(ctx, models.CollectionAssessments, rec, actor); err != nil {
		return nil, err
	}
	unlocked, _ := s.store.Assessment(id)
	return unlocked, nil
}

func (s *AssessmentService) stampEdit(rec *models.AssessmentRecord, actor models.Actor) {
	now := time.Now().UTC()
	by := actor.ID
	rec.EditCount++
	rec.LastEditedAt = &now
	rec.LastEditedBy = &by
}
