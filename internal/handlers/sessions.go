package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pwrec/internal/connection"
	"pwrec/internal/middleware"
	"pwrec/internal/models"
)

type createSessionRequest struct {
	Name string `json:"name" validate:"omitempty,max=200"`
	URL  string `json:"url" validate:"required,url,max=2048"`
}

// eventRequest is the wire form of an appended connection event. The type must be one
// of the six case-sensitive values; anything else is rejected here.
type eventRequest struct {
	Type             string   `json:"type" validate:"required,event_type"`
	Details          string   `json:"details" validate:"max=1024"`
	Duration         *int64   `json:"duration" validate:"omitempty,gte=0"`
	Latency          *float64 `json:"latency" validate:"omitempty,gte=0"`
	QualityIndicator *float64 `json:"quality_indicator" validate:"omitempty,gte=0,lte=100"`
}

type networkRequest struct {
	Online *bool `json:"online" validate:"required"`
}

func (h *ManagerHandlers) APISessions(c *gin.Context) {
	sessions, err := h.manager.Sessions.ListSessions()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (h *ManagerHandlers) APISession(c *gin.Context) {
	sess, err := h.manager.Sessions.GetSession(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// APISessionCreate creates a session and starts recording it.
func (h *ManagerHandlers) APISessionCreate(c *gin.Context) {
	var req createSessionRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	sess, err := h.manager.StartRecording(middleware.SanitizeString(req.Name), req.URL)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ToastSuccess(c, "Recording started", sess.Name)
	c.JSON(http.StatusCreated, sess)
}

func (h *ManagerHandlers) APISessionDelete(c *gin.Context) {
	if err := h.manager.DeleteSession(c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	ToastInfo(c, "Session deleted", "")
	c.Status(http.StatusNoContent)
}

func (h *ManagerHandlers) APISessionStop(c *gin.Context) {
	sess, err := h.manager.StopSession(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	ToastWarn(c, "Stopped", sess.Name)
	c.JSON(http.StatusOK, sess)
}

func (h *ManagerHandlers) APISessionComplete(c *gin.Context) {
	sess, err := h.manager.CompleteSession(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *ManagerHandlers) APISessionReplay(c *gin.Context) {
	sess, err := h.manager.StartReplay(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	ToastSuccess(c, "Replay started", sess.Name)
	c.JSON(http.StatusAccepted, sess)
}

// APISessionEvent appends a connection event and returns the updated session.
func (h *ManagerHandlers) APISessionEvent(c *gin.Context) {
	var req eventRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	sess, err := h.manager.Conn.AppendEvent(c.Param("id"), connection.Event{
		Type:             models.EventType(req.Type),
		Details:          middleware.SanitizeString(req.Details),
		Duration:         req.Duration,
		Latency:          req.Latency,
		QualityIndicator: req.QualityIndicator,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *ManagerHandlers) APISessionQuality(c *gin.Context) {
	report, err := h.manager.Conn.SessionQuality(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// APISessionNetwork relays a browser online/offline signal to the session's watchdog.
func (h *ManagerHandlers) APISessionNetwork(c *gin.Context) {
	var req networkRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	if err := h.manager.NetworkChanged(c.Request.Context(), c.Param("id"), *req.Online); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
