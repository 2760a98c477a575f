// Package sweeper auto-stops timers that were left running without activity.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"shopfloor-backend/config"
	"shopfloor-backend/internal/model"
	"shopfloor-backend/internal/service"
	"shopfloor-backend/internal/store"
	"shopfloor-backend/internal/timer"
)

// Service closes stage sessions and batch worker entries whose running segment
// is older than the inactivity threshold.
type Service struct {
	cfg         *config.Config
	store       store.Store
	batches     store.BatchStore
	batchTimers *service.BatchTimers
	notifier    service.Notifier
	now         service.Clock
}

// Result counts what one sweep stopped.
type Result struct {
	Sessions     int `json:"sessions_stopped"`
	BatchWorkers int `json:"batch_workers_stopped"`
}

// Total is the number of timers stopped.
func (r Result) Total() int {
	return r.Sessions + r.BatchWorkers
}

// NewService creates a sweeper. A nil notifier drops messages.
func NewService(cfg *config.Config, s store.Store, batches store.BatchStore, bt *service.BatchTimers, notifier service.Notifier, clock service.Clock) *Service {
	if notifier == nil {
		notifier = service.NopNotifier{}
	}
	return &Service{
		cfg:         cfg,
		store:       s,
		batches:     batches,
		batchTimers: bt,
		notifier:    notifier,
		now:         clock,
	}
}

// Run sweeps every workflow on the configured interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Timers.SweepEnabled {
		log.Println("Sweeper is disabled. Not starting.")
		return
	}
	log.Println("Starting sweeper service...")

	s.sweepAndLog(ctx)

	t := time.NewTimer(s.cfg.Timers.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Sweeper service shutting down.")
			return
		case <-t.C:
			s.sweepAndLog(ctx)
			t.Reset(s.cfg.Timers.SweepInterval)
		}
	}
}

func (s *Service) sweepAndLog(ctx context.Context) {
	res, err := s.SweepOnce(ctx, "")
	if err != nil {
		log.Printf("Error during sweep: %v", err)
		return
	}
	if res.Total() > 0 {
		log.Printf("Sweep stopped %d sessions and %d batch workers", res.Sessions, res.BatchWorkers)
	}
}

func (s *Service) reason() string {
	return fmt.Sprintf("auto-stopped after more than %d minutes without activity; credited at most %d minutes",
		s.cfg.Timers.InactivityThresholdMinutes, s.cfg.Timers.AutoStopCapMinutes)
}

func (s *Service) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

// SweepOnce stops the inactive timers of workflow, or of every workflow when
// it is empty. Timers closed concurrently by their owner are skipped.
func (s *Service) SweepOnce(ctx context.Context, workflow model.Workflow) (Result, error) {
	var res Result
	now := s.clock()
	threshold := s.cfg.Timers.InactivityThreshold()
	capMinutes := float64(s.cfg.Timers.AutoStopCapMinutes)
	reason := s.reason()

	sessions, err := s.store.ListSessions(ctx, store.SessionFilter{Workflow: workflow, OpenOnly: true})
	if err != nil {
		return res, err
	}
	for i := range sessions {
		sess := &sessions[i]
		closed, ok := timer.AutoStop(timer.SessionState(sess), now, threshold, capMinutes, reason)
		if !ok {
			continue
		}
		if err := service.CloseSession(ctx, s.store, sess, closed, ""); err != nil {
			if errors.Is(err, timer.ErrInvalidState) {
				continue
			}
			return res, err
		}
		res.Sessions++
		s.notifier.Notify(sess.UserID, fmt.Sprintf("Your timer on %s was stopped for inactivity. %.0f minutes were credited.",
			sess.StageName, closed.Duration))
	}

	workers, err := s.batches.ListActiveWorkers(ctx, workflow)
	if err != nil {
		return res, err
	}
	for _, aw := range workers {
		w := aw.Worker
		closed, ok := timer.AutoStop(timer.WorkerState(&w), now, threshold, capMinutes, reason)
		if !ok {
			continue
		}
		b := &model.Batch{
			ID:               aw.BatchID,
			Name:             aw.BatchName,
			Workflow:         aw.Workflow,
			CurrentStageID:   aw.StageID,
			CurrentStageName: aw.StageName,
		}
		if _, err := s.batchTimers.ForceLeave(ctx, b, w, closed); err != nil {
			if errors.Is(err, timer.ErrInvalidState) {
				continue
			}
			return res, err
		}
		res.BatchWorkers++
		s.notifier.Notify(w.UserID, fmt.Sprintf("Your timer on batch %s was stopped for inactivity. %.0f minutes were credited.",
			aw.BatchName, closed.Duration))
	}
	return res, nil
}
