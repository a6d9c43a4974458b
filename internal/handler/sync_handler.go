package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/rostersync/internal/service"
	"github.com/noah-isme/rostersync/pkg/response"
)

// SyncHandler exposes the sync engine: status, pending writes, rebuild, and
// mirror snapshots.
type SyncHandler struct {
	sync *service.SyncService
}

// NewSyncHandler constructs SyncHandler.
func NewSyncHandler(sync *service.SyncService) *SyncHandler {
	return &SyncHandler{sync: sync}
}

// Status godoc
// @Summary Current sync status
// @Tags Sync
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /sync/status [get]
func (h *SyncHandler) Status(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.sync.Status(c.Request.Context()), nil)
}

// Pending godoc
// @Summary Writes queued for the remote store
// @Tags Sync
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /sync/pending [get]
func (h *SyncHandler) Pending(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.sync.PendingWrites(c.Request.Context()), nil)
}

// Rebuild godoc
// @Summary Rebuild local state from the remote store
// @Description Runs on the maintenance queue; watch /sync/status for progress
// @Tags Sync
// @Produce json
// @Success 202 {object} response.Envelope
// @Router /sync/rebuild [post]
func (h *SyncHandler) Rebuild(c *gin.Context) {
	jobID, err := h.sync.EnqueueRebuild(c.Request.Context(), actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, gin.H{"job_id": jobID}, nil)
}

// Snapshot godoc
// @Summary Archive the mirror and return a signed download URL
// @Tags Sync
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /sync/snapshot [get]
func (h *SyncHandler) Snapshot(c *gin.Context) {
	info, err := h.sync.CreateSnapshot(c.Request.Context(), actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{
		"snapshot":     info,
		"download_url": fmt.Sprintf("/files/snapshots?token=%s", info.DownloadToken),
	}, nil)
}

// Download godoc
// @Summary Download a snapshot via signed token
// @Tags Sync
// @Produce octet-stream
// @Param token query string true "Signed token"
// @Success 200 {file} binary
// @Router /files/snapshots [get]
func (h *SyncHandler) Download(c *gin.Context) {
	download, err := h.sync.ResolveSnapshotDownload(c.Request.Context(), c.Query("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer download.File.Close() //nolint:errcheck

	stat, err := download.File.Stat()
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", download.Filename))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, stat.Size(), "application/gzip", download.File, nil)
}
