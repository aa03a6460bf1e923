package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pwrec/internal/middleware"
)

type AuthHandlers struct {
	authService *middleware.AuthService
	logger      *zap.Logger
}

type LoginRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Password string `json:"password" validate:"required,min=6"`
}

func NewAuthHandlers(authService *middleware.AuthService, logger *zap.Logger) *AuthHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandlers{authService: authService, logger: logger.Named("auth")}
}

// APILogin handles JSON-based authentication requests. Failed attempts count towards
// the same per-IP lockout as rejected API tokens.
func (h *AuthHandlers) APILogin(c *gin.Context) {
	ip := c.ClientIP()
	if retryAfter, locked := h.authService.Locked(ip); locked {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "Too many unauthorized attempts",
			"retry_after": int(retryAfter.Seconds()),
		})
		return
	}

	var req LoginRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	username := middleware.SanitizeString(req.Username)
	password := strings.TrimSpace(req.Password)

	token, err := h.authService.Login(username, password)
	if err != nil {
		h.logger.Warn("API login failed", zap.String("user", username), zap.String("ip", ip))
		if retryAfter, locked := h.authService.RecordFailure(ip); locked {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many unauthorized attempts",
				"retry_after": int(retryAfter.Seconds()),
			})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		return
	}

	h.authService.ClearFailures(ip)
	h.logger.Info("API login successful", zap.String("user", username), zap.String("ip", ip))
	h.authService.SetAuthCookie(c, token)
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"user":       username,
		"expires_in": int(h.authService.Expiry().Seconds()),
	})
}

// APILogout clears the auth cookie. Bearer tokens stay valid until they expire.
func (h *AuthHandlers) APILogout(c *gin.Context) {
	middleware.ClearAuthCookie(c)
	c.Status(http.StatusNoContent)
}
