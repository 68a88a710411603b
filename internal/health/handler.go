// Package health serves the liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/netsblox/cloud-topology/internal/bus"
	"github.com/netsblox/cloud-topology/internal/logging"
)

// StoreChecker checks connectivity to the project/message persistence layer.
type StoreChecker interface {
	Ping(ctx context.Context) error
}

// Handler serves the probe endpoints. Both dependencies may be nil: a nil
// relay means single-instance mode and a nil store is not checked; neither
// counts against readiness.
type Handler struct {
	relay *bus.Service
	store StoreChecker
}

func NewHandler(relay *bus.Service, store StoreChecker) *Handler {
	return &Handler{relay: relay, store: store}
}

// LivenessResponse is the GET /health/live body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the GET /health/ready body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness reports that the process is alive. No dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness reports 200 only when every configured dependency answers a
// ping within the probe deadline; 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{
		"redis": h.checkRelay(ctx),
		"store": h.checkStore(ctx),
	}

	status, code := "ready", http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status, code = "unavailable", http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(code, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkRelay(ctx context.Context) string {
	if h.relay == nil {
		return "healthy"
	}
	if err := h.relay.Ping(ctx); err != nil {
		logging.Error(ctx, "redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkStore(ctx context.Context) string {
	if h.store == nil {
		return "healthy"
	}
	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "store health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
