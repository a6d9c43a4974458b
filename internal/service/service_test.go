package service

import (
	"context"
	"testing"
	"time"

	"github.com/noah-isme/rostersync/internal/models"
	"github.com/noah-isme/rostersync/internal/store"
)

// applyMutator stands in for the sync coordinator: it stamps and applies
// mutations to the entity store directly, optionally failing on demand.
type applyMutator struct {
	store     *store.EntityStore
	saveErr   error
	removeErr error
	saves     int
	removes   int
}

func (m *applyMutator) Save(ctx context.Context, c models.Collection, rec models.Record, actor models.Actor) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	rec.Meta().Stamp(time.Now())
	m.store.Put(c, rec)
	m.saves++
	return nil
}

func (m *applyMutator) Remove(ctx context.Context, c models.Collection, id string, actor models.Actor) error {
	if m.removeErr != nil {
		return m.removeErr
	}
	m.store.Delete(c, id)
	m.removes++
	return nil
}

type fixture struct {
	store   *store.EntityStore
	mutator *applyMutator
	admin   models.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewEntityStore()
	f := &fixture{store: st, mutator: &applyMutator{store: st}}
	f.admin = f.seedAccount("admin-1", "head-admin", models.RoleAdmin, nil, nil)
	return f
}

func (f *fixture) seedAccount(id, username string, role models.Role, groups []string, years []int) models.Actor {
	f.store.Put(models.CollectionAccounts, &models.Account{
		ID:             id,
		Username:       username,
		Role:           role,
		AssignedGroups: groups,
		AssignedYears:  years,
	})
	return models.Actor{ID: id, Role: role}
}

func (f *fixture) seedGroup(name string, year int) *models.Group {
	g := &models.Group{ID: models.DeterministicGroupID(name, year), Name: name, Year: year}
	f.store.Put(models.CollectionGroups, g)
	return g
}

func (f *fixture) seedStudent(id, name string, group *models.Group) *models.Student {
	st := &models.Student{ID: id, Name: name, ExternalID: "X-" + id, GroupID: group.ID, Year: group.Year}
	f.store.Put(models.CollectionStudents, st)
	return st
}

func (f *fixture) seedAttendance(id string, student *models.Student, date time.Time, status models.AttendanceStatus) *models.AttendanceRecord {
	rec := &models.AttendanceRecord{
		ID:        id,
		StudentID: student.ID,
		GroupID:   student.GroupID,
		Year:      student.Year,
		Date:      date,
		Status:    status,
		TrainerID: "trainer-1",
	}
	f.store.Put(models.CollectionAttendance, rec)
	return rec
}

func (f *fixture) seedAssessment(id string, student *models.Student, score float64) *models.AssessmentRecord {
	rec := &models.AssessmentRecord{
		ID:            id,
		StudentID:     student.ID,
		GroupID:       student.GroupID,
		Year:          student.Year,
		Name:          "Shuttle Run",
		Type:          "exam",
		Score:         score,
		MaxScore:      100,
		Date:          time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		AuthorID:      "trainer-1",
		SchemaVersion: models.AssessmentSchemaVersion,
	}
	f.store.Put(models.CollectionAssessments, rec)
	return rec
}
