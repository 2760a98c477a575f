package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"shopfloor-backend/internal/model"
	"shopfloor-backend/internal/mw"
	"shopfloor-backend/internal/service"
)

// familyOf resolves the :family path segment. Unknown families abort with 404.
func (h *Handler) familyOf(c *gin.Context) (*family, bool) {
	f, ok := h.families[model.Workflow(c.Param("family"))]
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown workflow %q", c.Param("family"))})
		return nil, false
	}
	return f, true
}

// GetStages handles GET /api/:family/stages.
func (h *Handler) GetStages(c *gin.Context) {
	f, ok := h.familyOf(c)
	if !ok {
		return
	}
	stages, err := f.timers.ListStages(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stages)
}

type startTimerRequest struct {
	OrderID *string `json:"order_id" form:"order_id"`
	BatchID *string `json:"batch_id" form:"batch_id"`
}

// StartStageTimer handles POST /api/:family/stages/:stage_id/start-timer.
// order_id and batch_id may come from the query string or a JSON body.
func (h *Handler) StartStageTimer(c *gin.Context) {
	f, ok := h.familyOf(c)
	if !ok {
		return
	}
	var req startTimerRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}

	sess, err := f.timers.Start(c.Request.Context(), mw.CurrentUser(c), c.Param("stage_id"), service.StartOptions{
		OrderID: nonEmpty(req.OrderID),
		BatchID: nonEmpty(req.BatchID),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "timer started", "session": sess})
}

// StopStageTimer handles POST /api/:family/stages/:stage_id/stop-timer.
func (h *Handler) StopStageTimer(c *gin.Context) {
	f, ok := h.familyOf(c)
	if !ok {
		return
	}
	items, ok := queryInt(c, "items_processed")
	if !ok {
		return
	}
	orders, ok := queryInt(c, "orders_processed")
	if !ok {
		return
	}

	sess, err := f.timers.Stop(c.Request.Context(), mw.CurrentUser(c), c.Param("stage_id"), service.Progress{Items: items, Orders: orders})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":          "timer stopped",
		"session":          sess,
		"duration_minutes": sess.DurationMinutes,
	})
}

// PauseStageTimer handles POST /api/:family/stages/:stage_id/pause-timer.
func (h *Handler) PauseStageTimer(c *gin.Context) {
	f, ok := h.familyOf(c)
	if !ok {
		return
	}
	sess, err := f.timers.Pause(c.Request.Context(), mw.CurrentUser(c), c.Param("stage_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "timer paused", "session": sess})
}

// ResumeStageTimer handles POST /api/:family/stages/:stage_id/resume-timer.
func (h *Handler) ResumeStageTimer(c *gin.Context) {
	f, ok := h.familyOf(c)
	if !ok {
		return
	}
	sess, err := f.timers.Resume(c.Request.Context(), mw.CurrentUser(c), c.Param("stage_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "timer resumed", "session": sess})
}

// GetActiveWorkers handles GET /api/:family/stages/:stage_id/active-workers.
func (h *Handler) GetActiveWorkers(c *gin.Context) {
	f, ok := h.familyOf(c)
	if !ok {
		return
	}
	workers, err := f.timers.ActiveWorkers(c.Request.Context(), c.Param("stage_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stage_id": c.Param("stage_id"), "workers": workers, "count": len(workers)})
}

// GetActiveTimer handles GET /api/:family/user/active-timer. The timer is
// reported whatever family holds it.
func (h *Handler) GetActiveTimer(c *gin.Context) {
	f, ok := h.familyOf(c)
	if !ok {
		return
	}
	active, err := f.timers.QueryActive(c.Request.Context(), mw.CurrentUser(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"has_active_timer": active != nil, "timer": active})
}

// AutoStopInactive handles POST /api/:family/timers/auto-stop-inactive.
func (h *Handler) AutoStopInactive(c *gin.Context) {
	f, ok := h.familyOf(c)
	if !ok {
		return
	}
	res, err := h.sweeper.SweepOnce(c.Request.Context(), f.timers.Workflow())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions_stopped":      res.Sessions,
		"batch_workers_stopped": res.BatchWorkers,
		"stopped_count":         res.Total(),
	})
}

// queryInt reads an optional non-negative integer query parameter. Missing
// values are zero; malformed ones abort with 400.
func queryInt(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		badRequest(c, fmt.Sprintf("%s must be an integer", key))
		return 0, false
	}
	return n, true
}

func nonEmpty(p *string) *string {
	if p == nil || *p == "" {
		return nil
	}
	return p
}
