package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/rostersync/internal/models"
	appErrors "github.com/noah-isme/rostersync/pkg/errors"
)

func newGroupService(f *fixture) *GroupService {
	return NewGroupService(f.store, f.mutator, nil, nil)
}

func TestGroupCreateRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	svc := newGroupService(f)
	trainer := f.seedAccount("trainer-1", "sam", models.RoleTrainer, nil, nil)

	_, err := svc.Create(context.Background(), trainer, CreateGroupRequest{Name: "U15 Lions", Year: 2025})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrPermission))
}

func TestGroupCreateDeterministicID(t *testing.T) {
	f := newFixture(t)
	svc := newGroupService(f)

	created, err := svc.Create(context.Background(), f.admin, CreateGroupRequest{Name: "U15 Lions", Year: 2025})
	require.NoError(t, err)
	assert.Equal(t, models.DeterministicGroupID("u15  lions", 2025), created.ID)
	assert.Equal(t, "U15 Lions", created.Name)
}

func TestGroupCreateNormalizedDuplicate(t *testing.T) {
	f := newFixture(t)
	svc := newGroupService(f)

	_, err := svc.Create(context.Background(), f.admin, CreateGroupRequest{Name: "Alpha", Year: 2025})
	require.NoError(t, err)

	// Case and spacing differences are the same group.
	_, err = svc.Create(context.Background(), f.admin, CreateGroupRequest{Name: "  ALPHA ", Year: 2025})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrDuplicate))

	// A different year is a different group.
	_, err = svc.Create(context.Background(), f.admin, CreateGroupRequest{Name: "Alpha", Year: 2026})
	require.NoError(t, err)
}

func TestGroupRenameKeepsID(t *testing.T) {
	f := newFixture(t)
	svc := newGroupService(f)

	created, err := svc.Create(context.Background(), f.admin, CreateGroupRequest{Name: "U15 Lions", Year: 2025})
	require.NoError(t, err)

	renamed, err := svc.Update(context.Background(), f.admin, created.ID, UpdateGroupRequest{Name: "U16 Lions"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, renamed.ID)
	assert.Equal(t, "U16 Lions", renamed.Name)
}

func TestGroupRenameToExistingNameRefused(t *testing.T) {
	f := newFixture(t)
	svc := newGroupService(f)

	a, err := svc.Create(context.Background(), f.admin, CreateGroupRequest{Name: "Alpha", Year: 2025})
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), f.admin, CreateGroupRequest{Name: "Beta", Year: 2025})
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), f.admin, a.ID, UpdateGroupRequest{Name: "beta"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrDuplicate))

	// Renaming to its own name is not a conflict.
	_, err = svc.Update(context.Background(), f.admin, a.ID, UpdateGroupRequest{Name: "ALPHA"})
	require.NoError(t, err)
}

func TestGroupDeleteCascades(t *testing.T) {
	f := newFixture(t)
	svc := newGroupService(f)

	group := f.seedGroup("U15 Lions", 2025)
	student := f.seedStudent("s1", "Alex Doe", group)
	f.seedAttendance("att1", student, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), models.AttendancePresent)
	f.seedAssessment("a1", student, 80)

	require.NoError(t, svc.Delete(context.Background(), f.admin, group.ID))

	assert.Zero(t, f.store.Count(models.CollectionGroups))
	assert.Zero(t, f.store.Count(models.CollectionStudents))
	assert.Zero(t, f.store.Count(models.CollectionAttendance))
	assert.Zero(t, f.store.Count(models.CollectionAssessments))
	assert.Equal(t, 4, f.mutator.removes)
}

func TestGroupListScoped(t *testing.T) {
	f := newFixture(t)
	svc := newGroupService(f)

	g1 := f.seedGroup("U15 Lions", 2025)
	f.seedGroup("U17 Tigers", 2025)
	trainer := f.seedAccount("trainer-1", "sam", models.RoleTrainer, []string{g1.ID}, nil)

	visible, err := svc.List(context.Background(), trainer)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, g1.ID, visible[0].ID)

	all, err := svc.List(context.Background(), f.admin)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
