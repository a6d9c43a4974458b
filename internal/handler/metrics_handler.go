package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/rostersync/internal/service"
	"github.com/noah-isme/rostersync/pkg/response"
)

type remotePinger interface {
	Ping(ctx context.Context) error
}

// MetricsHandler exposes observability endpoints.
type MetricsHandler struct {
	metrics *service.MetricsService
	sync    *service.SyncService
	remote  remotePinger
}

// NewMetricsHandler constructs a metrics handler.
func NewMetricsHandler(metrics *service.MetricsService, sync *service.SyncService, remote remotePinger) *MetricsHandler {
	return &MetricsHandler{metrics: metrics, sync: sync, remote: remote}
}

// Prometheus serves the Prometheus metrics endpoint.
func (h *MetricsHandler) Prometheus(c *gin.Context) {
	if h.metrics == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// Health responds with a generic OK payload for liveness usage.
func (h *MetricsHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready reports whether the daemon can serve: local state is always ready,
// the remote probe result is informational so offline instances still pass.
func (h *MetricsHandler) Ready(c *gin.Context) {
	status := h.sync.Status(c.Request.Context())
	payload := gin.H{"status": "ok", "sync_state": status.State}

	if h.remote != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.remote.Ping(ctx); err != nil {
			payload["remote"] = "unreachable"
		} else {
			payload["remote"] = "ok"
		}
	}
	c.JSON(http.StatusOK, payload)
}

// System godoc
// @Summary Aggregated request and sync counters
// @Tags System
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /system/metrics [get]
func (h *MetricsHandler) System(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.metrics.Snapshot(), nil)
}
