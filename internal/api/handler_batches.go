package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"shopfloor-backend/internal/model"
	"shopfloor-backend/internal/mw"
	"shopfloor-backend/internal/service"
	"shopfloor-backend/internal/store"
)

type createBatchRequest struct {
	Workflow      model.Workflow `json:"workflow" binding:"required"`
	Name          string         `json:"name" binding:"required"`
	StageID       string         `json:"stage_id" binding:"required"`
	TotalItems    int            `json:"total_items"`
	SourceBatchID *string        `json:"source_batch_id"`
}

// CreateBatch handles POST /api/batches.
func (h *Handler) CreateBatch(c *gin.Context) {
	var req createBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	view, err := h.batches.Create(c.Request.Context(), service.CreateBatchInput{
		Workflow:      req.Workflow,
		Name:          req.Name,
		StageID:       req.StageID,
		TotalItems:    req.TotalItems,
		SourceBatchID: nonEmpty(req.SourceBatchID),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// ListBatches handles GET /api/batches?workflow=&status=&stage_id=&active=true.
func (h *Handler) ListBatches(c *gin.Context) {
	filter := store.BatchFilter{
		Workflow:          model.Workflow(c.Query("workflow")),
		Status:            model.BatchStatus(c.Query("status")),
		StageID:           c.Query("stage_id"),
		WithActiveWorkers: c.Query("active") == "true",
	}
	if filter.Workflow != "" && !filter.Workflow.Valid() {
		badRequest(c, "unknown workflow")
		return
	}
	views, err := h.batches.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

// GetBatch handles GET /api/batches/:batch_id.
func (h *Handler) GetBatch(c *gin.Context) {
	view, err := h.batches.Get(c.Request.Context(), c.Param("batch_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// StartBatchTimer handles POST /api/batches/:batch_id/start-timer. Joining a
// batch the caller already works on is a no-op.
func (h *Handler) StartBatchTimer(c *gin.Context) {
	view, already, err := h.batches.Join(c.Request.Context(), mw.CurrentUser(c), c.Param("batch_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	msg := "timer started"
	if already {
		msg = "already working on this batch"
	}
	c.JSON(http.StatusOK, gin.H{"message": msg, "batch": view})
}

// StopBatchTimer handles POST /api/batches/:batch_id/stop-timer.
func (h *Handler) StopBatchTimer(c *gin.Context) {
	res, err := h.batches.Leave(c.Request.Context(), mw.CurrentUser(c), c.Param("batch_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// PauseBatchTimer handles POST /api/batches/:batch_id/pause-timer.
func (h *Handler) PauseBatchTimer(c *gin.Context) {
	view, err := h.batches.PauseWorker(c.Request.Context(), mw.CurrentUser(c), c.Param("batch_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ResumeBatchTimer handles POST /api/batches/:batch_id/resume-timer.
func (h *Handler) ResumeBatchTimer(c *gin.Context) {
	view, err := h.batches.ResumeWorker(c.Request.Context(), mw.CurrentUser(c), c.Param("batch_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// MoveBatchStage handles POST /api/batches/:batch_id/move-stage?target_stage_id=.
func (h *Handler) MoveBatchStage(c *gin.Context) {
	target := c.Query("target_stage_id")
	if target == "" {
		badRequest(c, "target_stage_id is required")
		return
	}
	view, err := h.batches.MoveStage(c.Request.Context(), c.Param("batch_id"), target)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// CompleteBatchItem handles POST /api/batches/:batch_id/items/:item_id/complete.
func (h *Handler) CompleteBatchItem(c *gin.Context) {
	view, err := h.batches.CompleteItem(c.Request.Context(), mw.CurrentUser(c), c.Param("batch_id"), c.Param("item_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// CompleteBatch handles POST /api/batches/:batch_id/complete.
func (h *Handler) CompleteBatch(c *gin.Context) {
	res, err := h.batches.Complete(c.Request.Context(), mw.CurrentUser(c), c.Param("batch_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetBatchReport handles GET /api/batches/:batch_id/report.
func (h *Handler) GetBatchReport(c *gin.Context) {
	report, err := h.batches.Report(c.Request.Context(), c.Param("batch_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
