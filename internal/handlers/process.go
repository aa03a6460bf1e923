package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// APIProcessStatus is the liveness poll used by reconnection monitors.
func (h *ManagerHandlers) APIProcessStatus(c *gin.Context) {
	pid, ok := parsePID(c)
	if !ok {
		return
	}
	st, err := h.manager.ProcessStatus(c.Request.Context(), pid)
	if err != nil {
		// the caller's context ended; the monitor counts this as a check error
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

// APIProcessCleanup releases tracking for a process a monitor has given up on.
func (h *ManagerHandlers) APIProcessCleanup(c *gin.Context) {
	pid, ok := parsePID(c)
	if !ok {
		return
	}
	if err := h.manager.CleanupProcess(c.Request.Context(), pid); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ManagerHandlers) APIMonitors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"monitors": h.manager.MonitorStatuses()})
}

func (h *ManagerHandlers) APINotifications(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	list := h.manager.RecentNotifications(limit)
	c.JSON(http.StatusOK, gin.H{"notifications": list, "count": len(list)})
}

func (h *ManagerHandlers) APITelemetry(c *gin.Context) {
	t := h.manager.Telemetry()
	c.JSON(http.StatusOK, gin.H{
		"system":         t.System,
		"processes":      t.Processes,
		"health_percent": h.manager.SystemHealthPercent(),
	})
}
