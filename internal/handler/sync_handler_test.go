package handler

import (
	"context"
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
	"github.com/noah-isme/rostersync/internal/sync"
	"github.com/noah-isme/rostersync/pkg/config"
	"github.com/noah-isme/rostersync/pkg/jobs"
	"github.com/noah-isme/rostersync/pkg/storage"
)

type engineStub struct {
	status  models.StatusSnapshot
	pending []sync.Entry
}

func (e *engineStub) Status() models.StatusSnapshot { return e.status }

func (e *engineStub) PendingWrites() []sync.Entry { return e.pending }

func (e *engineStub) Rebuild(ctx context.Context) error { return nil }

func (e *engineStub) Flush() {}

type dispatcherStub struct {
	jobs []jobs.Job
}

func (d *dispatcherStub) Enqueue(job jobs.Job) error {
	d.jobs = append(d.jobs, job)
	return nil
}

func newSyncHandler(t *testing.T, engine *engineStub, queue *dispatcherStub) *SyncHandler {
	t.Helper()
	snapshots, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("test-secret", time.Hour)
	svc := service.NewSyncService(engine, queue, snapshots, signer, t.TempDir(), config.SnapshotConfig{Enabled: true, SignedURLTTL: time.Hour, MaxAge: time.Hour}, nil)
	return NewSyncHandler(svc)
}

func TestSyncHandlerStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := &engineStub{status: models.StatusSnapshot{State: models.SyncStateOffline, PendingWrites: 3}}
	handler := newSyncHandler(t, engine, &dispatcherStub{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/sync/status", nil)
	c.Request = req

	handler.Status(c)
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Data models.StatusSnapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, models.SyncStateOffline, envelope.Data.State)
	assert.Equal(t, 3, envelope.Data.PendingWrites)
}

func TestSyncHandlerRebuildForbiddenForTrainer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	queue := &dispatcherStub{}
	handler := newSyncHandler(t, &engineStub{}, queue)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/sync/rebuild", nil)
	c.Request = req
	c.Set(middleware.ContextClaimsKey, &models.JWTClaims{AccountID: "t1", Username: "trainer", Role: models.RoleTrainer})

	handler.Rebuild(c)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, queue.jobs)
}

func TestSyncHandlerRebuildEnqueues(t *testing.T) {
	gin.SetMode(gin.TestMode)
	queue := &dispatcherStub{}
	handler := newSyncHandler(t, &engineStub{}, queue)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/sync/rebuild", nil)
	c.Request = req
	c.Set(middleware.ContextClaimsKey, adminClaims())

	handler.Rebuild(c)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, service.JobTypeRebuild, queue.jobs[0].Type)
}
