package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"shopfloor-backend/internal/mw"
)

// GetDailyHoursCheck handles GET /api/:family/user/daily-hours-check.
func (h *Handler) GetDailyHoursCheck(c *gin.Context) {
	if _, ok := h.familyOf(c); !ok {
		return
	}
	check, err := h.daily.Check(c.Request.Context(), mw.CurrentUser(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

type acknowledgeRequest struct {
	ContinueWorking *bool `json:"continue_working" binding:"required"`
}

// AcknowledgeLimitExceeded handles POST /api/:family/user/acknowledge-limit-exceeded.
// Choosing not to continue stops the caller's open timer.
func (h *Handler) AcknowledgeLimitExceeded(c *gin.Context) {
	if _, ok := h.familyOf(c); !ok {
		return
	}
	var req acknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "continue_working is required")
		return
	}
	res, err := h.daily.Acknowledge(c.Request.Context(), mw.CurrentUser(c), *req.ContinueWorking)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
