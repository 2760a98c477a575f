package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"shopfloor-backend/internal/mw"
	"shopfloor-backend/internal/service"
	"shopfloor-backend/internal/store"
)

// sessionFilter builds a filter from user_id, stage_id, batch_id, status,
// from, to and limit. from and to are RFC3339 bounds on completed_at.
func sessionFilter(c *gin.Context) (store.SessionFilter, bool) {
	f := store.SessionFilter{
		UserID:  c.Query("user_id"),
		StageID: c.Query("stage_id"),
		BatchID: c.Query("batch_id"),
	}
	switch c.Query("status") {
	case "":
	case "open":
		f.OpenOnly = true
	case "closed":
		f.ClosedOnly = true
	default:
		badRequest(c, "status must be open or closed")
		return f, false
	}
	for key, dst := range map[string]**time.Time{"from": &f.CompletedFrom, "to": &f.CompletedTo} {
		raw := c.Query(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, "invalid '"+key+"' timestamp format. Use RFC3339.")
			return f, false
		}
		t = t.UTC()
		*dst = &t
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return f, false
		}
		f.Limit = n
	}
	return f, true
}

// ListSessions handles GET /api/:family/admin/sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	f, ok := h.familyOf(c)
	if !ok {
		return
	}
	filter, ok := sessionFilter(c)
	if !ok {
		return
	}
	sessions, err := f.admin.List(c.Request.Context(), mw.CurrentUser(c), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// AddSession handles POST /api/:family/admin/sessions.
func (h *Handler) AddSession(c *gin.Context) {
	f, ok := h.familyOf(c)
	if !ok {
		return
	}
	var req service.ManualSession
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	sess, err := f.admin.Add(c.Request.Context(), mw.CurrentUser(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// EditSession handles PATCH /api/:family/admin/sessions/:id.
func (h *Handler) EditSession(c *gin.Context) {
	f, ok := h.familyOf(c)
	if !ok {
		return
	}
	var patch service.SessionPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	sess, err := f.admin.Edit(c.Request.Context(), mw.CurrentUser(c), c.Param("id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// DeleteSession handles DELETE /api/:family/admin/sessions/:id.
func (h *Handler) DeleteSession(c *gin.Context) {
	f, ok := h.familyOf(c)
	if !ok {
		return
	}
	if err := f.admin.Delete(c.Request.Context(), mw.CurrentUser(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type setRateRequest struct {
	HourlyRate *float64 `json:"hourly_rate" binding:"required"`
}

// SetUserRate handles PUT /api/admin/users/:user_id/rate.
func (h *Handler) SetUserRate(c *gin.Context) {
	var req setRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "hourly_rate is required")
		return
	}
	if *req.HourlyRate < 0 {
		badRequest(c, "hourly_rate must not be negative")
		return
	}
	rate, err := h.rates.Set(c.Request.Context(), c.Param("user_id"), *req.HourlyRate)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rate)
}
