package api

import (
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"shopfloor-backend/config"
	"shopfloor-backend/internal/model"
	"shopfloor-backend/internal/service"
	"shopfloor-backend/internal/store"
	"shopfloor-backend/internal/sweeper"
)

// family bundles the services of one workflow.
type family struct {
	timers *service.StageTimers
	admin  *service.SessionAdmin
	kpis   *service.KPIs
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store    store.Store
	families map[model.Workflow]*family
	batches  *service.BatchTimers
	daily    *service.DailyLimits
	rates    *service.RateBook
	sweeper  *sweeper.Service
	webpush  *webpush.Options
}

// NewHandler wires every service over the given stores. A nil clock uses the
// wall clock and a nil notifier drops messages.
func NewHandler(cfg *config.Config, s store.Store, batches store.BatchStore, notifier service.Notifier,
	clock service.Clock, webpushOptions *webpush.Options) *Handler {
	loc := cfg.Timers.Location
	rates := service.NewRateBook(s, time.Duration(cfg.Server.CacheTTLSeconds)*time.Second, cfg.Timers.DefaultHourlyRate)
	bt := service.NewBatchTimers(s, batches, rates, notifier, clock)

	families := make(map[model.Workflow]*family, 2)
	for _, wf := range []model.Workflow{model.WorkflowProduction, model.WorkflowFulfillment} {
		families[wf] = &family{
			timers: service.NewStageTimers(wf, s, batches, clock),
			admin:  service.NewSessionAdmin(wf, s, clock),
			kpis:   service.NewKPIs(wf, s, rates, loc, clock),
		}
	}

	return &Handler{
		store:    s,
		families: families,
		batches:  bt,
		daily:    service.NewDailyLimits(s, batches, bt, cfg.Timers.DailyLimitHours, loc, clock),
		rates:    rates,
		sweeper:  sweeper.NewService(cfg, s, batches, bt, notifier, clock),
		webpush:  webpushOptions,
	}
}

// Sweeper returns the inactivity sweeper so the caller can run its loop.
func (h *Handler) Sweeper() *sweeper.Service {
	return h.sweeper
}
