package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"shopfloor-backend/internal/timer"
)

// statusOf maps a service error to its HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, timer.ErrConflict), errors.Is(err, timer.ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, timer.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, timer.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as {"error": "..."}. Internal errors are logged and
// their text is not exposed.
func respondError(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		log.Printf("Error handling %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
