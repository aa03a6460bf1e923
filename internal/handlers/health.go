package handlers

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"pwrec/internal/version"
)

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func Version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": version.String(),
		"commit":  version.Commit,
		"date":    version.Date,
	})
}

// Readyz reports whether the data directory is writable and the manager has started.
func (h *ManagerHandlers) Readyz(c *gin.Context) {
	checks := gin.H{}
	ready := true

	if h.manager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "checks": gin.H{"manager": "missing"}})
		return
	}
	if h.manager.Paths.CheckRoot() {
		checks["root"] = "ok"
	} else {
		checks["root"] = "missing"
		ready = false
	}
	if f, err := os.CreateTemp(h.manager.Paths.SessionsDir(), ".ready-*"); err == nil {
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		checks["sessions_writable"] = "ok"
	} else {
		checks["sessions_writable"] = err.Error()
		ready = false
	}
	checks["uptime_seconds"] = int(h.manager.Uptime().Seconds())

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "checks": checks})
}
