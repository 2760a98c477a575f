package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"shopfloor-backend/config"
	"shopfloor-backend/internal/kpi"
	"shopfloor-backend/internal/model"
	"shopfloor-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, cfg *config.Config) *gin.Engine {
	r := gin.Default()

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.Server.RateLimitPerSec), cfg.Server.RateLimitBurst)

	// The stage catalog only changes on deploy
	ttl := time.Duration(cfg.Server.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(ttl, 2*ttl)
	caching := mw.Cache(cacheStore, ttl)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.Use(rateLimiter, mw.Identity())
	{
		api.GET("/push/subscriptions", h.GetSubscription)
		api.PUT("/push/subscriptions", h.PutSubscription)
		api.DELETE("/push/subscriptions", h.DeleteSubscription)
		api.GET("/push/vapid_public_key", h.GetVAPIDPublicKey)

		batches := api.Group("/batches")
		batches.POST("", h.CreateBatch)
		batches.GET("", h.ListBatches)
		batches.GET("/:batch_id", h.GetBatch)
		batches.POST("/:batch_id/start-timer", h.StartBatchTimer)
		batches.POST("/:batch_id/stop-timer", h.StopBatchTimer)
		batches.POST("/:batch_id/pause-timer", h.PauseBatchTimer)
		batches.POST("/:batch_id/resume-timer", h.ResumeBatchTimer)
		batches.POST("/:batch_id/move-stage", h.MoveBatchStage)
		batches.POST("/:batch_id/items/:item_id/complete", h.CompleteBatchItem)
		batches.POST("/:batch_id/complete", h.CompleteBatch)
		batches.GET("/:batch_id/report", h.GetBatchReport)

		api.PUT("/admin/users/:user_id/rate", mw.RequireRole(model.RoleAdmin), h.SetUserRate)

		fam := api.Group("/:family")
		fam.GET("/stages", caching, h.GetStages)
		fam.POST("/stages/:stage_id/start-timer", h.StartStageTimer)
		fam.POST("/stages/:stage_id/stop-timer", h.StopStageTimer)
		fam.POST("/stages/:stage_id/pause-timer", h.PauseStageTimer)
		fam.POST("/stages/:stage_id/resume-timer", h.ResumeStageTimer)
		fam.GET("/stages/:stage_id/active-workers", h.GetActiveWorkers)

		fam.GET("/user/active-timer", h.GetActiveTimer)
		fam.GET("/user/daily-hours-check", h.GetDailyHoursCheck)
		fam.POST("/user/acknowledge-limit-exceeded", h.AcknowledgeLimitExceeded)
		fam.POST("/timers/auto-stop-inactive", h.AutoStopInactive)

		fam.GET("/stats/user-kpis", h.GetGroupedKPIs(kpi.ByUser))
		fam.GET("/stats/stage-kpis", h.GetGroupedKPIs(kpi.ByStage))
		fam.GET("/stats/user-stage-kpis", h.GetGroupedKPIs(kpi.ByUserStage))
		fam.GET("/stats/overall-kpis", h.GetOverallKPIs)

		admin := fam.Group("/admin", mw.RequireRole(model.RoleAdmin))
		admin.GET("/sessions", h.ListSessions)
		admin.POST("/sessions", h.AddSession)
		admin.PATCH("/sessions/:id", h.EditSession)
		admin.DELETE("/sessions/:id", h.DeleteSession)
	}

	return r
}
