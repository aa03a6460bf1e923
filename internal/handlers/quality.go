package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"pwrec/internal/middleware"
	"pwrec/internal/models"
)

type qualityEvent struct {
	Timestamp        time.Time `json:"timestamp" validate:"required"`
	Type             string    `json:"type" validate:"required,event_type"`
	Duration         *int64    `json:"duration" validate:"omitempty,gte=0"`
	Details          string    `json:"details"`
	Latency          *float64  `json:"latency" validate:"omitempty,gte=0"`
	QualityIndicator *float64  `json:"quality_indicator" validate:"omitempty,gte=0,lte=100"`
}

type qualityRequest struct {
	Events []qualityEvent `json:"events" validate:"max=10000,dive"`
}

// APIQualityScore scores a caller-supplied event stream with the event-frequency
// formula.
func (h *ManagerHandlers) APIQualityScore(c *gin.Context) {
	var req qualityRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	events := make([]models.ConnectionEvent, 0, len(req.Events))
	for _, e := range req.Events {
		events = append(events, models.ConnectionEvent{
			Timestamp:        e.Timestamp,
			Type:             models.EventType(e.Type),
			Duration:         e.Duration,
			Details:          e.Details,
			Latency:          e.Latency,
			QualityIndicator: e.QualityIndicator,
		})
	}
	c.JSON(http.StatusOK, h.manager.Conn.QualityScore(events))
}

func (h *ManagerHandlers) APIAlerts(c *gin.Context) {
	unackOnly, _ := strconv.ParseBool(c.Query("unacknowledged"))
	list := h.manager.Conn.ActiveAlerts(unackOnly)
	c.JSON(http.StatusOK, gin.H{"alerts": list, "count": len(list)})
}

func (h *ManagerHandlers) APIAlertAcknowledge(c *gin.Context) {
	if err := h.manager.Conn.AcknowledgeAlert(c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ManagerHandlers) APIAlertDismiss(c *gin.Context) {
	if err := h.manager.Conn.DismissAlert(c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ManagerHandlers) APIThresholds(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Conn.Thresholds())
}

// APIThresholdsUpdate applies a partial update and re-evaluates every tracked session.
// Alerts raised by the new limits are returned alongside the thresholds.
func (h *ManagerHandlers) APIThresholdsUpdate(c *gin.Context) {
	var patch models.ThresholdsPatch
	if !middleware.BindJSON(c, &patch) {
		return
	}
	th, created := h.manager.Conn.UpdateThresholds(patch)
	if created == nil {
		created = []models.ConnectionAlert{}
	}
	c.JSON(http.StatusOK, gin.H{"thresholds": th, "created_alerts": created})
}

// APIHistory returns the cached aggregate for a period; 404 until it has been computed.
func (h *ManagerHandlers) APIHistory(c *gin.Context) {
	p, err := models.ParsePeriod(c.Param("period"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	hm, ok := h.manager.Conn.HistoricalMetrics(p)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Historical metrics not yet computed", "period": p})
		return
	}
	c.JSON(http.StatusOK, hm)
}

func (h *ManagerHandlers) APIHistoryInsights(c *gin.Context) {
	insights, err := h.manager.Conn.Insights()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"insights": insights})
}
