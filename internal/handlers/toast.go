package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"
)

type toastLevel string

const (
	toastSuccess toastLevel = "success"
	toastInfo    toastLevel = "info"
	toastWarning toastLevel = "warning"
	toastError   toastLevel = "error"
)

var headerSafe = strings.NewReplacer("\r", " ", "\n", " ")

// SetToast attaches X-Toast-* headers the dashboard turns into a toast. Session names
// are user input, so line breaks are flattened.
func SetToast(c *gin.Context, level toastLevel, title, msg string) {
	if c == nil {
		return
	}
	c.Header("X-Toast-Type", string(level))
	if title != "" {
		c.Header("X-Toast-Title", headerSafe.Replace(title))
	}
	if msg != "" {
		c.Header("X-Toast-Message", headerSafe.Replace(msg))
	}
}

func ToastSuccess(c *gin.Context, title, msg string) { SetToast(c, toastSuccess, title, msg) }
func ToastInfo(c *gin.Context, title, msg string)    { SetToast(c, toastInfo, title, msg) }
func ToastWarn(c *gin.Context, title, msg string)    { SetToast(c, toastWarning, title, msg) }
func ToastError(c *gin.Context, title, msg string)   { SetToast(c, toastError, title, msg) }
