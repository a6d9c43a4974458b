package service

import (
	"context"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/rostersync/internal/models"
	appErrors "github.com/noah-isme/rostersync/pkg/errors"
)

type groupStore interface {
	Group(id string) (*models.Group, bool)
	Groups() []*models.Group
	GroupByKey(name string, year int) (*models.Group, bool)
	Students(filter models.StudentFilter) []*models.Student
	Account(id string) (*models.Account, bool)
	AttendanceList(filter models.AttendanceFilter) []*models.AttendanceRecord
	Assessments(filter models.AssessmentFilter) []*models.AssessmentRecord
}

// CreateGroupRequest holds payload for creating groups.
type CreateGroupRequest struct {
	Name string `json:"name" validate:"required"`
	Year int    `json:"year" validate:"required,gte=2000,lte=2100"`
}

// UpdateGroupRequest holds payload for renaming a group. The year is fixed at
// creation; students carry it.
type UpdateGroupRequest struct {
	Name string `json:"name" validate:"required"`
}

// GroupService handles group use-cases. Structural changes to the roster are
// admin operations.
type GroupService struct {
	store     groupStore
	mutator   recordMutator
	validator *validator.Validate
	logger    *zap.Logger
}

// NewGroupService constructs the group service.
func NewGroupService(store groupStore, mutator recordMutator, validate *validator.Validate, logger *zap.Logger) *GroupService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GroupService{store: store, mutator: mutator, validator: validate, logger: logger}
}

// List returns the groups visible to the actor.
func (s *GroupService) List(ctx context.Context, actor models.Actor) ([]*models.Group, error) {
	all := s.store.Groups()
	visible := make([]*models.Group, 0, len(all))
	for _, g := range all {
		if scopeVisible(s.store, actor, g.ID, g.Year) {
			visible = append(visible, g)
		}
	}
	return visible, nil
}

// Get returns one group.
func (s *GroupService) Get(ctx context.Context, actor models.Actor, id string) (*models.Group, error) {
	group, ok := s.store.Group(id)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "group not found")
	}
	if !scopeVisible(s.store, actor, group.ID, group.Year) {
		return nil, appErrors.Clone(appErrors.ErrPermission, "group outside assigned scope")
	}
	return group, nil
}

// Create adds a group. The group's ID derives from its normalized name and
// year, so two clients creating the same group concurrently converge on one
// document instead of two.
func (s *GroupService) Create(ctx context.Context, actor models.Actor, req CreateGroupRequest) (*models.Group, error) {
	if !actor.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrPermission, "group management requires admin role")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid group payload")
	}
	if _, exists := s.store.GroupByKey(req.Name, req.Year); exists {
		return nil, appErrors.Clone(appErrors.ErrDuplicate, "group with this name already exists for the year")
	}

	group := &models.Group{
		ID:   models.DeterministicGroupID(req.Name, req.Year),
		Name: req.Name,
		Year: req.Year,
	}
	if err := s.mutator.Save(ctx, models.CollectionGroups, group, actor); err != nil {
		return nil, err
	}
	created, _ := s.store.Group(group.ID)
	return created, nil
}

// Update renames a group, keeping its ID stable for existing references.
func (s *GroupService) Update(ctx context.Context, actor models.Actor, id string, req UpdateGroupRequest) (*models.Group, error) {
	if !actor.IsAdmin() {
		return nil, appErrors.Clone(appErrors.ErrPermission, "group management requires admin role")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid group payload")
	}
	group, ok := s.store.Group(id)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "group not found")
	}
	if other, exists := s.store.GroupByKey(req.Name, group.Year); exists && other.ID != id {
		return nil, appErrors.Clone(appErrors.ErrDuplicate, "group with this name already exists for the year")
	}

	group.Name = req.Name
	if err := s.mutator.Save(ctx, models.CollectionGroups, group, actor); err != nil {
		return nil, err
	}
	updated, _ := s.store.Group(id)
	return updated, nil
}

// Delete removes a group and everything enrolled in it: students, their
// attendance, and their assessments.
func (s *GroupService) Delete(ctx context.Context, actor models.Actor, id string) error {
	if !actor.IsAdmin() {
		return appErrors.Clone(appErrors.ErrPermission, "group management requires admin role")
	}
	if _, ok := s.store.Group(id); !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "group not found")
	}

	for _, att := range s.store.AttendanceList(models.AttendanceFilter{GroupID: id}) {
		if err := s.mutator.Remove(ctx, models.CollectionAttendance, att.ID, actor); err != nil {
			return err
		}
	}
	for _, a := range s.store.Assessments(models.AssessmentFilter{GroupID: id}) {
		if err := s.mutator.Remove(ctx, models.CollectionAssessments, a.ID, actor); err != nil {
			return err
		}
	}
	for _, st := range s.store.Students(models.StudentFilter{GroupID: id}) {
		if err := s.mutator.Remove(ctx, models.CollectionStudents, st.ID, actor); err != nil {
			return err
		}
	}
	return s.mutator.Remove(ctx, models.CollectionGroups, id, actor)
}
