package service

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/rostersync/internal/models"
	appErrors "github.com/noah-isme/rostersync/pkg/errors"
)

func newAssessmentService(f *fixture) *AssessmentService {
	return NewAssessmentService(f.store, f.mutator, validator.New(), zap.NewNop())
}

func TestAssessmentCreate(t *testing.T) {
	f := newFixture(t)
	group := f.seedGroup("Alpha", 2025)
	student := f.seedStudent("s1", "Alex Doe", group)
	trainer := f.seedAccount("trainer-1", "pat", models.RoleTrainer, []string{group.ID}, nil)
	svc := newAssessmentService(f)

	rec, err := svc.Create(context.Background(), trainer, CreateAssessmentRequest{
		StudentID: student.ID,
		Name:      "Algebra Exam",
		Type:      "exam",
		Score:     84,
		MaxScore:  100,
		Date:      time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "trainer-1", rec.AuthorID)
	assert.Equal(t, models.AssessmentDraft, rec.State())
	assert.Equal(t, models.AssessmentSchemaVersion, rec.SchemaVersion)
}

func TestAssessmentCreateScoreAboveMaxRefused(t *testing.T) {
	f := newFixture(t)
	group := f.seedGroup("Alpha", 2025)
	student := f.seedStudent("s1", "Alex Doe", group)
	svc := newAssessmentService(f)

	_, err := svc.Create(context.Background(), f.admin, CreateAssessmentRequest{
		StudentID: student.ID,
		Name:      "Algebra Exam",
		Type:      "exam",
		Score:     101,
		MaxScore:  100,
		Date:      time.Now(),
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestAssessmentExportLockLifecycle(t *testing.T) {
	f := newFixture(t)
	group := f.seedGroup("Alpha", 2025)
	student := f.seedStudent("s1", "Alex Doe", group)
	trainer := f.seedAccount("trainer-1", "pat", models.RoleTrainer, []string{group.ID}, nil)
	rec := f.seedAssessment("a1", student, 84)
	svc := newAssessmentService(f)
	ctx := context.Background()

	edit := UpdateAssessmentRequest{Name: rec.Name, Type: rec.Type, Score: 90, MaxScore: 100, Date: rec.Date}

	result, err := svc.Export(ctx, trainer, ExportRequest{IDs: []string{"a1"}})
	require.NoError(t, err)
	require.Equal(t, []string{"a1"}, result.Succeeded)
	require.Empty(t, result.Failed)

	exported, _ := f.store.Assessment("a1")
	assert.Equal(t, models.AssessmentExported, exported.State())
	require.NotNil(t, exported.ExportedBy)
	assert.Equal(t, "trainer-1", *exported.ExportedBy)

	_, err = svc.Update(ctx, trainer, "a1", edit)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrLocked))
	err = svc.Delete(ctx, trainer, "a1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrLocked))

	reviewed, err := svc.MarkReviewed(ctx, f.admin, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AssessmentReviewed, reviewed.State())

	// Still locked for the trainer after review.
	_, err = svc.Update(ctx, trainer, "a1", edit)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrLocked))

	unlocked, err := svc.Unlock(ctx, f.admin, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AssessmentDraft, unlocked.State())
	assert.Nil(t, unlocked.ExportedAt)
	assert.Nil(t, unlocked.ReviewedAt)

	updated, err := svc.Update(ctx, trainer, "a1", edit)
	require.NoError(t, err)
	assert.Equal(t, 90.0, updated.Score)
	assert.Equal(t, 1, updated.EditCount)
	require.NotNil(t, updated.LastEditedBy)
	assert.Equal(t, "trainer-1", *updated.LastEditedBy)
}

func TestAssessmentAdminEditsExportedRecord(t *testing.T) {
	f := newFixture(t)
	group := f.seedGroup("Alpha", 2025)
	student := f.seedStudent("s1", "Alex Doe", group)
	rec := f.seedAssessment("a1", student, 84)
	svc := newAssessmentService(f)
	ctx := context.Background()

	_, err := svc.Export(ctx, f.admin, ExportRequest{IDs: []string{"a1"}})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, f.admin, "a1", UpdateAssessmentRequest{
		Name: rec.Name, Type: rec.Type, Score: 70, MaxScore: 100, Date: rec.Date,
	})
	require.NoError(t, err)
	assert.Equal(t, 70.0, updated.Score)
	assert.Equal(t, models.AssessmentExported, updated.State())
}

func TestAssessmentExportPartialFailures(t *testing.T) {
	f := newFixture(t)
	group := f.seedGroup("Alpha", 2025)
	student := f.seedStudent("s1", "Alex Doe", group)
	f.seedAssessment("a1", student, 84)
	already := f.seedAssessment("a2", student, 60)
	already.ExportedToAdmin = true
	f.store.Put(models.CollectionAssessments, already)
	svc := newAssessmentService(f)

	result, err := svc.Export(context.Background(), f.admin, ExportRequest{IDs: []string{"a1", "a2", "ghost"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, result.Succeeded)
	require.Len(t, result.Failed, 2)
	assert.Equal(t, "a2", result.Failed[0].ID)
	assert.Contains(t, result.Failed[0].Reason, "EXPORTED")
	assert.Equal(t, "ghost", result.Failed[1].ID)
	assert.Contains(t, result.Failed[1].Reason, "not found")
}

func TestAssessmentExportPreview(t *testing.T) {
	f := newFixture(t)
	group := f.seedGroup("Alpha", 2025)
	other := f.seedGroup("Beta", 2025)
	student := f.seedStudent("s1", "Alex Doe", group)
	outside := f.seedStudent("s2", "Robin Roe", other)
	trainer := f.seedAccount("trainer-1", "pat", models.RoleTrainer, []string{group.ID}, nil)
	f.seedAssessment("a1", student, 84)
	f.seedAssessment("a2", outside, 70)
	svc := newAssessmentService(f)

	items := svc.ExportPreview(context.Background(), trainer, []string{"a1", "a2", "ghost"})
	require.Len(t, items, 3)

	assert.True(t, items[0].Exportable)
	assert.Equal(t, "Alex Doe", items[0].StudentName)
	assert.False(t, items[1].Exportable)
	assert.Contains(t, items[1].Reason, "scope")
	assert.False(t, items[2].Exportable)
	assert.Contains(t, items[2].Reason, "not found")
}

func TestAssessmentMarkReviewedRules(t *testing.T) {
	f := newFixture(t)
	group := f.seedGroup("Alpha", 2025)
	student := f.seedStudent("s1", "Alex Doe", group)
	trainer := f.seedAccount("trainer-1", "pat", models.RoleTrainer, []string{group.ID}, nil)
	f.seedAssessment("a1", student, 84)
	svc := newAssessmentService(f)
	ctx := context.Background()

	_, err := svc.MarkReviewed(ctx, trainer, "a1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrPermission))

	_, err = svc.MarkReviewed(ctx, f.admin, "a1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, err = svc.Export(ctx, f.admin, ExportRequest{IDs: []string{"a1"}})
	require.NoError(t, err)
	first, err := svc.MarkReviewed(ctx, f.admin, "a1")
	require.NoError(t, err)

	again, err := svc.MarkReviewed(ctx, f.admin, "a1")
	require.NoError(t, err)
	assert.Equal(t, first.ReviewedAt.UTC(), again.ReviewedAt.UTC())
}

func TestAssessmentUnlockRules(t *testing.T) {
	f := newFixture(t)
	group := f.seedGroup("Alpha", 2025)
	student := f.seedStudent("s1", "Alex Doe", group)
	trainer := f.seedAccount("trainer-1", "pat", models.RoleTrainer, []string{group.ID}, nil)
	f.seedAssessment("a1", student, 84)
	svc := newAssessmentService(f)
	ctx := context.Background()

	_, err := svc.Unlock(ctx, trainer, "a1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrPermission))

	_, err = svc.Unlock(ctx, f.admin, "a1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestAssessmentListScopedToTrainer(t *testing.T) {
	f := newFixture(t)
	group := f.seedGroup("Alpha", 2025)
	other := f.seedGroup("Beta", 2025)
	mine := f.seedStudent("s1", "Alex Doe", group)
	theirs := f.seedStudent("s2", "Robin Roe", other)
	trainer := f.seedAccount("trainer-1", "pat", models.RoleTrainer, []string{group.ID}, nil)
	f.seedAssessment("a1", mine, 84)
	f.seedAssessment("a2", theirs, 70)
	svc := newAssessmentService(f)

	visible, pagination, err := svc.List(context.Background(), trainer, models.AssessmentFilter{}, 1, 20)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "a1", visible[0].ID)
	assert.Equal(t, 1, pagination.TotalCount)

	all, _, err := svc.List(context.Background(), f.admin, models.AssessmentFilter{}, 1, 20)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
