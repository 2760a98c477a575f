package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"shopfloor-backend/internal/kpi"
	"shopfloor-backend/internal/service"
)

func windowQuery(c *gin.Context) service.WindowQuery {
	return service.WindowQuery{
		Period: c.Query("period"),
		From:   c.Query("from"),
		To:     c.Query("to"),
	}
}

// GetGroupedKPIs returns a handler for the grouped KPI endpoints.
func (h *Handler) GetGroupedKPIs(by kpi.GroupBy) gin.HandlerFunc {
	return func(c *gin.Context) {
		f, ok := h.familyOf(c)
		if !ok {
			return
		}
		report, err := f.kpis.Group(c.Request.Context(), by, windowQuery(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// GetOverallKPIs handles GET /api/:family/stats/overall-kpis.
func (h *Handler) GetOverallKPIs(c *gin.Context) {
	f, ok := h.familyOf(c)
	if !ok {
		return
	}
	report, err := f.kpis.Overall(c.Request.Context(), windowQuery(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
