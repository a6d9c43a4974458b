package service

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/rostersync/internal/models"
	appErrors "github.com/noah-isme/rostersync/pkg/errors"
)

type attendanceStore interface {
	Attendance(id string) (*models.AttendanceRecord, bool)
	AttendanceList(filter models.AttendanceFilter) []*models.AttendanceRecord
	Student(id string) (*models.Student, bool)
	Group(id string) (*models.Group, bool)
	Account(id string) (*models.Account, bool)
}

// MarkAttendanceRequest records one student's attendance on one date. Marking
// the same student and date again updates the existing record rather than
// creating a second one.
type MarkAttendanceRequest struct {
	StudentID string                  `json:"student_id" validate:"required"`
	Date      time.Time               `json:"date" validate:"required"`
	Status    models.AttendanceStatus `json:"status" validate:"required"`
	Notes     string                  `json:"notes"`
}

// BulkMarkItem is one student's entry inside a group marking.
type BulkMarkItem struct {
	StudentID string                  `json:"student_id" validate:"required"`
	Status    models.AttendanceStatus `json:"status" validate:"required"`
	Notes     string                  `json:"notes"`
}

// BulkMarkRequest marks a whole group for one date in a single call.
type BulkMarkRequest struct {
	GroupID string         `json:"group_id" validate:"required"`
	Date    time.Time      `json:"date" validate:"required"`
	Items   []BulkMarkItem `json:"items" validate:"required,min=1,dive"`
}

// UpdateAttendanceRequest corrects an existing record.
type UpdateAttendanceRequest struct {
	Status models.AttendanceStatus `json:"status" validate:"required"`
	Notes  string                  `json:"notes"`
}

// AttendanceService handles attendance use-cases.
type AttendanceService struct {
	store     attendanceStore
	mutator   recordMutator
	validator *validator.Validate
	logger    *zap.Logger
}

// NewAttendanceService constructs the attendance service.
func NewAttendanceService(store attendanceStore, mutator recordMutator, validate *validator.Validate, logger *zap.Logger) *AttendanceService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AttendanceService{store: store, mutator: mutator, validator: validate, logger: logger}
}

// List returns attendance records matching the filter, limited to the actor's
// scope.
func (s *AttendanceService) List(ctx context.Context, actor models.Actor, filter models.AttendanceFilter, page, pageSize int) ([]*models.AttendanceRecord, *models.Pagination, error) {
	all := s.store.AttendanceList(filter)
	visible := make([]*models.AttendanceRecord, 0, len(all))
	for _, att := range all {
		if scopeVisible(s.store, actor, att.GroupID, att.Year) {
			visible = append(visible, att)
		}
	}
	start, end, pagination := pageBounds(len(visible), page, pageSize)
	return visible[start:end], pagination, nil
}

// Mark records attendance for one student on one date. An existing record for
// the same student and day is updated in place.
func (s *AttendanceService) Mark(ctx context.Context, actor models.Actor, req MarkAttendanceRequest) (*models.AttendanceRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid attendance payload")
	}
	if !req.Status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown attendance status")
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

	record := s.applyMark(student, group, dayOf(req.Date), req.Status, req.Notes, actor)
	if err := s.mutator.Save(ctx, models.CollectionAttendance, record, actor); err != nil {
		return nil, err
	}
	saved, _ := s.store.Attendance(record.ID)
	return saved, nil
}

// BulkMark marks a whole group for one date. Students that cannot be marked
// are reported individually; the rest of the batch still goes through.
func (s *AttendanceService) BulkMark(ctx context.Context, actor models.Actor, req BulkMarkRequest) (*models.BulkAttendanceResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid bulk attendance payload")
	}
	group, ok := s.store.Group(req.GroupID)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "group not found")
	}
	if err := requireGroupAccess(s.store, actor, group); err != nil {
		return nil, err
	}

	day := dayOf(req.Date)
	result := &models.BulkAttendanceResult{}
	for _, item := range req.Items {
		student, ok := s.store.Student(item.StudentID)
		if !ok {
			result.Failed = append(result.Failed, models.BulkAttendanceFailure{StudentID: item.StudentID, Reason: "student not found"})
			continue
		}
		if student.GroupID != group.ID {
			result.Failed = append(result.Failed, models.BulkAttendanceFailure{StudentID: item.StudentID, Reason: "student not in this group"})
			continue
		}
		if !item.Status.Valid() {
			result.Failed = append(result.Failed, models.BulkAttendanceFailure{StudentID: item.StudentID, Reason: "unknown attendance status"})
			continue
		}

		record := s.applyMark(student, group, day, item.Status, item.Notes, actor)
		if err := s.mutator.Save(ctx, models.CollectionAttendance, record, actor); err != nil {
			s.logger.Warn("bulk attendance save failed",
				zap.String("student_id", student.ID),
				zap.Error(err))
			result.Failed = append(result.Failed, models.BulkAttendanceFailure{StudentID: item.StudentID, Reason: err.Error()})
			continue
		}
		result.Marked = append(result.Marked, student.ID)
	}
	return result, nil
}

// Update corrects the status or notes of an existing record.
func (s *AttendanceService) Update(ctx context.Context, actor models.Actor, id string, req UpdateAttendanceRequest) (*models.AttendanceRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid attendance payload")
	}
	if !req.Status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown attendance status")
	}
	record, ok := s.store.Attendance(id)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "attendance record not found")
	}
	if !scopeVisible(s.store, actor, record.GroupID, record.Year) {
		return nil, appErrors.Clone(appErrors.ErrPermission, "attendance record outside assigned scope")
	}

	record.Status = req.Status
	record.Notes = req.Notes
	record.TrainerID = actor.ID

	if err := s.mutator.Save(ctx, models.CollectionAttendance, record, actor); err != nil {
		return nil, err
	}
	saved, _ := s.store.Attendance(id)
	return saved, nil
}

// Delete removes an attendance record.
func (s *AttendanceService) Delete(ctx context.Context, actor models.Actor, id string) error {
	record, ok := s.store.Attendance(id)
	if !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "attendance record not found")
	}
	if !scopeVisible(s.store, actor, record.GroupID, record.Year) {
		return appErrors.Clone(appErrors.ErrPermission, "attendance record outside assigned scope")
	}
	return s.mutator.Remove(ctx, models.CollectionAttendance, id, actor)
}

// applyMark builds the record to save for one student and day, reusing an
// existing record for that day when there is one.
func (s *AttendanceService) applyMark(student *models.Student, group *models.Group, day time.Time, status models.AttendanceStatus, notes string, actor models.Actor) *models.AttendanceRecord {
	record := s.findForDay(student.ID, day)
	if record == nil {
		record = &models.AttendanceRecord{
			ID:        uuid.NewString(),
			StudentID: student.ID,
			GroupID:   group.ID,
			Year:      student.Year,
			Date:      day,
		}
	}
	record.Status = status
	record.Notes = notes
	record.TrainerID = actor.ID
	return record
}

func (s *AttendanceService) findForDay(studentID string, day time.Time) *models.AttendanceRecord {
	from, to := day, day.Add(24*time.Hour)
	existing := s.store.AttendanceList(models.AttendanceFilter{StudentID: studentID, DateFrom: &from, DateTo: &to})
	for _, att := range existing {
		if dayOf(att.Date).Equal(day) {
			return att
		}
	}
	return nil
}

// dayOf strips the time of day. Attendance is per calendar day in UTC.
func dayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
