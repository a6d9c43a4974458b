package service

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/rostersync/internal/models"
	appErrors "github.com/noah-isme/rostersync/pkg/errors"
)

type studentStore interface {
	Student(id string) (*models.Student, bool)
	Students(filter models.StudentFilter) []*models.Student
	FindStudentIdentity(key string, year int, excludeID string) (*models.Student, bool)
	Group(id string) (*models.Group, bool)
	Account(id string) (*models.Account, bool)
	AttendanceList(filter models.AttendanceFilter) []*models.AttendanceRecord
	Assessments(filter models.AssessmentFilter) []*models.AssessmentRecord
}

// CreateStudentRequest holds payload for enrolling students.
type CreateStudentRequest struct {
	Name       string `json:"name" validate:"required"`
	ExternalID string `json:"external_id"`
	Phone      string `json:"phone"`
	Email      string `json:"email" validate:"omitempty,email"`
	Guardian   string `json:"guardian"`
	GroupID    string `json:"group_id" validate:"required"`
}

// UpdateStudentRequest holds payload for updating students.
type UpdateStudentRequest struct {
	Name       string `json:"name" validate:"required"`
	ExternalID string `json:"external_id"`
	Phone      string `json:"phone"`
	Email      string `json:"email" validate:"omitempty,email"`
	Guardian   string `json:"guardian"`
	GroupID    string `json:"group_id" validate:"required"`
}

// StudentService handles roster use-cases.
type StudentService struct {
	store     studentStore
	mutator   recordMutator
	validator *validator.Validate
	logger    *zap.Logger
}

// NewStudentService constructs the student service.
func NewStudentService(store studentStore, mutator recordMutator, validate *validator.Validate, logger *zap.Logger) *StudentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StudentService{store: store, mutator: mutator, validator: validate, logger: logger}
}

// List returns the students visible to the actor, paged.
func (s *StudentService) List(ctx context.Context, actor models.Actor, filter models.StudentFilter, page, pageSize int) ([]*models.Student, *models.Pagination, error) {
	all := s.store.Students(filter)
	visible := make([]*models.Student, 0, len(all))
	for _, st := range all {
		if scopeVisible(s.store, actor, st.GroupID, st.Year) {
			visible = append(visible, st)
		}
	}
	start, end, pagination := pageBounds(len(visible), page, pageSize)
	return visible[start:end], pagination, nil
}

// Get returns one student.
func (s *StudentService) Get(ctx context.Context, actor models.Actor, id string) (*models.Student, error) {
	student, ok := s.store.Student(id)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
	}
	if !scopeVisible(s.store, actor, student.GroupID, student.Year) {
		return nil, appErrors.Clone(appErrors.ErrPermission, "student outside assigned scope")
	}
	return student, nil
}

// Create enrolls a new student into a group. The student's year follows the
// group's year.
func (s *StudentService) Create(ctx context.Context, actor models.Actor, req CreateStudentRequest) (*models.Student, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}
	group, ok := s.store.Group(req.GroupID)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, "group not found")
	}
	if err := requireGroupAccess(s.store, actor, group); err != nil {
		return nil, err
	}

	student := &models.Student{
		ID:         uuid.NewString(),
		Name:       req.Name,
		ExternalID: req.ExternalID,
		Phone:      req.Phone,
		Email:      req.Email,
		Guardian:   req.Guardian,
		GroupID:    group.ID,
		Year:       group.Year,
	}
	if _, exists := s.store.FindStudentIdentity(student.IdentityKey(), group.Year, ""); exists {
		return nil, appErrors.Clone(appErrors.ErrDuplicate, "student with the same name and external id already enrolled this year")
	}

	if err := s.mutator.Save(ctx, models.CollectionStudents, student, actor); err != nil {
		return nil, err
	}
	created, _ := s.store.Student(student.ID)
	return created, nil
}

// Update modifies an existing student, including moves between groups.
func (s *StudentService) Update(ctx context.Context, actor models.Actor, id string, req UpdateStudentRequest) (*models.Student, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid student payload")
	}
	student, ok := s.store.Student(id)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
	}
	if !scopeVisible(s.store, actor, student.GroupID, student.Year) {
		return nil, appErrors.Clone(appErrors.ErrPermission, "student outside assigned scope")
	}
	group, ok := s.store.Group(req.GroupID)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, "group not found")
	}
	if err := requireGroupAccess(s.store, actor, group); err != nil {
		return nil, err
	}

	student.Name = req.Name
	student.ExternalID = req.ExternalID
	student.Phone = req.Phone
	student.Email = req.Email
	student.Guardian = req.Guardian
	student.GroupID = group.ID
	student.Year = group.Year

	if _, exists := s.store.FindStudentIdentity(student.IdentityKey(), group.Year, id); exists {
		return nil, appErrors.Clone(appErrors.ErrDuplicate, "student with the same name and external id already enrolled this year")
	}

	if err := s.mutator.Save(ctx, models.CollectionStudents, student, actor); err != nil {
		return nil, err
	}
	updated, _ := s.store.Student(id)
	return updated, nil
}

// Delete removes a student and every attendance and assessment record that
// hangs off them. Exported assessments block the cascade for non-admins.
func (s *StudentService) Delete(ctx context.Context, actor models.Actor, id string) error {
	student, ok := s.store.Student(id)
	if !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "student not found")
	}
	if !scopeVisible(s.store, actor, student.GroupID, student.Year) {
		return appErrors.Clone(appErrors.ErrPermission, "student outside assigned scope")
	}

	assessments := s.store.Assessments(models.AssessmentFilter{StudentID: id})
	if !actor.IsAdmin() {
		for _, a := range assessments {
			if a.Locked() {
				return appErrors.Clone(appErrors.ErrLocked, "student has assessments exported to admin")
			}
		}
	}

	for _, att := range s.store.AttendanceList(models.AttendanceFilter{StudentID: id}) {
		if err := s.mutator.Remove(ctx, models.CollectionAttendance, att.ID, actor); err != nil {
			return err
		}
	}
	for _, a := range assessments {
		if err := s.mutator.Remove(ctx, models.CollectionAssessments, a.ID, actor); err != nil {
			return err
		}
	}
	return s.mutator.Remove(ctx, models.CollectionStudents, id, actor)
}
