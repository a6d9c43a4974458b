package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/rostersync/internal/middleware"
	"github.com/noah-isme/rostersync/internal/models"
	"github.com/noah-isme/rostersync/internal/service"
	"github.com/noah-isme/rostersync/internal/store"
	appErrors "github.com/noah-isme/rostersync/pkg/errors"
)

func newAssessmentHandler(t *testing.T) (*AssessmentHandler, *store.EntityStore) {
	t.Helper()
	st := store.NewEntityStore()
	group := &models.Group{ID: models.DeterministicGroupID("alpha", 2025), Name: "alpha", Year: 2025}
	st.Put(models.CollectionGroups, group)
	st.Put(models.CollectionAccounts, &models.Account{ID: "admin-1", Username: "head-admin", Role: models.RoleAdmin})
	st.Put(models.CollectionAccounts, &models.Account{
		ID: "t1", Username: "trainer", Role: models.RoleTrainer, AssignedGroups: []string{group.ID},
	})
	st.Put(models.CollectionStudents, &models.Student{ID: "s1", Name: "Alex Doe", GroupID: group.ID, Year: 2025})

	now := time.Now().UTC()
	by := "t1"
	st.Put(models.CollectionAssessments, &models.AssessmentRecord{
		ID: "a-draft", StudentID: "s1", GroupID: group.ID, Year: 2025,
		Name: "Shuttle Run", Type: "drill", Score: 11.2, MaxScore: 20,
		Date: now, AuthorID: by, SchemaVersion: models.AssessmentSchemaVersion,
	})
	st.Put(models.CollectionAssessments, &models.AssessmentRecord{
		ID: "a-exported", StudentID: "s1", GroupID: group.ID, Year: 2025,
		Name: "Long Jump", Type: "drill", Score: 4.1, MaxScore: 10,
		Date: now, AuthorID: by, SchemaVersion: models.AssessmentSchemaVersion,
		ExportedToAdmin: true, ExportedAt: &now, ExportedBy: &by,
	})

	svc := service.NewAssessmentService(st, &storeMutator{store: st}, nil, nil)
	return NewAssessmentHandler(svc), st
}

func trainerClaims() *models.JWTClaims {
	return &models.JWTClaims{AccountID: "t1", Username: "trainer", Role: models.RoleTrainer}
}

func TestAssessmentHandlerExportPartitionsResult(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, _ := newAssessmentHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body, _ := json.Marshal(service.ExportRequest{IDs: []string{"a-draft", "a-exported"}})
	req, _ := http.NewRequest(http.MethodPost, "/assessments/export", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	c.Set(middleware.ContextClaimsKey, trainerClaims())

	handler.Export(c)
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Data models.ExportResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, []string{"a-draft"}, envelope.Data.Succeeded)
	require.Len(t, envelope.Data.Failed, 1)
	assert.Equal(t, "a-exported", envelope.Data.Failed[0].ID)
}

func TestAssessmentHandlerUpdateLockedForTrainer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, _ := newAssessmentHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body, _ := json.Marshal(service.UpdateAssessmentRequest{
		Name: "Long Jump", Type: "drill", Score: 5, MaxScore: 10, Date: time.Now().UTC(),
	})
	req, _ := http.NewRequest(http.MethodPut, "/assessments/a-exported", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "a-exported"}}
	c.Set(middleware.ContextClaimsKey, trainerClaims())

	handler.Update(c)
	require.Equal(t, http.StatusForbidden, w.Code)

	var envelope struct {
		Error *appErrors.Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, appErrors.ErrLocked.Code, envelope.Error.Code)
}

func TestAssessmentHandlerReviewFlow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, st := newAssessmentHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/assessments/a-exported/review", nil)
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "a-exported"}}
	c.Set(middleware.ContextClaimsKey, trainerClaims())

	handler.Review(c)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	req, _ = http.NewRequest(http.MethodPost, "/assessments/a-exported/review", nil)
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "a-exported"}}
	c.Set(middleware.ContextClaimsKey, adminClaims())

	handler.Review(c)
	require.Equal(t, http.StatusOK, w.Code)

	reviewed, ok := st.Assessment("a-exported")
	require.True(t, ok)
	assert.Equal(t, models.AssessmentReviewed, reviewed.State())
}
