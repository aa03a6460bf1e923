// Package handlers exposes the manager and the connection-quality engine over a JSON
// API.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pwrec/internal/alerts"
	"pwrec/internal/manager"
	"pwrec/internal/models"
)

type ManagerHandlers struct {
	manager *manager.Manager
	logger  *zap.Logger
}

func NewManagerHandlers(mgr *manager.Manager) *ManagerHandlers {
	logger := zap.NewNop()
	if mgr != nil && mgr.Log != nil {
		logger = mgr.Log.Named("api")
	}
	return &ManagerHandlers{manager: mgr, logger: logger}
}

// RegisterAPI mounts every /api route except login on rg.
func (h *ManagerHandlers) RegisterAPI(rg *gin.RouterGroup) {
	rg.GET("/sessions", h.APISessions)
	rg.POST("/sessions", h.APISessionCreate)
	rg.GET("/sessions/:id", h.APISession)
	rg.DELETE("/sessions/:id", h.APISessionDelete)
	rg.POST("/sessions/:id/stop", h.APISessionStop)
	rg.POST("/sessions/:id/complete", h.APISessionComplete)
	rg.POST("/sessions/:id/replay", h.APISessionReplay)
	rg.POST("/sessions/:id/events", h.APISessionEvent)
	rg.GET("/sessions/:id/quality", h.APISessionQuality)
	rg.POST("/sessions/:id/network", h.APISessionNetwork)

	rg.POST("/quality", h.APIQualityScore)

	rg.GET("/alerts", h.APIAlerts)
	rg.POST("/alerts/:id/acknowledge", h.APIAlertAcknowledge)
	rg.DELETE("/alerts/:id", h.APIAlertDismiss)
	rg.GET("/thresholds", h.APIThresholds)
	rg.PATCH("/thresholds", h.APIThresholdsUpdate)

	rg.GET("/history/insights", h.APIHistoryInsights)
	rg.GET("/history/:period", h.APIHistory)

	rg.GET("/process/:pid/status", h.APIProcessStatus)
	rg.DELETE("/process/:pid", h.APIProcessCleanup)
	rg.GET("/monitors", h.APIMonitors)

	rg.GET("/notifications", h.APINotifications)
	rg.GET("/telemetry", h.APITelemetry)
}

// respondError maps sentinel errors onto HTTP status codes.
func (h *ManagerHandlers) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
	case errors.Is(err, alerts.ErrAlertNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found"})
	case errors.Is(err, manager.ErrProcessNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Process not found"})
	case errors.Is(err, models.ErrInvalidEventType):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, manager.ErrProcessActive), errors.Is(err, manager.ErrNoScript):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		ToastError(c, "Request failed", "See the server log for details")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func parsePID(c *gin.Context) (int, bool) {
	pid, err := strconv.Atoi(c.Param("pid"))
	if err != nil || pid <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid pid"})
		return 0, false
	}
	return pid, true
}
