// Package service implements the timer flows on top of the stores: stage
// timers, batch timers, the daily-limit guard and admin overrides.
package service

import (
	"context"
	"log"
	"time"

	"shopfloor-backend/internal/model"
	"shopfloor-backend/internal/store"
	"shopfloor-backend/internal/timer"
)

// Clock returns the current time.
type Clock func() time.Time

// Notifier delivers a short message to a user's subscribed devices.
type Notifier interface {
	Notify(userID, message string)
}

// NopNotifier drops every message.
type NopNotifier struct{}

func (NopNotifier) Notify(string, string) {}

func utcNow(clock Clock) time.Time {
	if clock == nil {
		return time.Now().UTC()
	}
	return clock().UTC()
}

// recordEvent appends an audit entry. Failures are logged, never returned: the
// transition it describes has already been committed.
func recordEvent(ctx context.Context, s store.Store, ev model.TimerEvent) {
	if err := s.RecordEvent(ctx, &ev); err != nil {
		log.Printf("Error recording %s event for %s: %v", ev.Action, ev.UserID, err)
	}
}

// conflictError describes the claim that blocks a new timer for userID.
func conflictError(ctx context.Context, s store.Store, userID string) error {
	claim, err := s.GetOpenTimer(ctx, userID)
	if err != nil {
		return err
	}
	if claim == nil {
		return timer.Errorf(timer.ErrConflict, "user already has an active timer")
	}
	if claim.Kind == model.TimerKindBatch {
		return timer.Errorf(timer.ErrConflict, "user already has an active timer on batch %s", claim.BatchID)
	}
	return timer.Errorf(timer.ErrConflict, "user already has an active timer on %s stage %s", claim.Workflow, claim.StageID)
}

// ActiveTimer is the caller's open timer in either stage or batch form.
type ActiveTimer struct {
	Kind               model.TimerKind `json:"kind"`
	SessionID          string          `json:"session_id,omitempty"`
	BatchID            string          `json:"batch_id,omitempty"`
	BatchName          string          `json:"batch_name,omitempty"`
	Workflow           model.Workflow  `json:"workflow"`
	StageID            string          `json:"stage_id"`
	StageName          string          `json:"stage_name"`
	OrderID            *string         `json:"order_id,omitempty"`
	StartedAt          time.Time       `json:"started_at"`
	AccumulatedMinutes float64         `json:"accumulated_minutes"`
	IsPaused           bool            `json:"is_paused"`
	ItemsProcessed     int             `json:"items_processed"`
	ElapsedMinutes     float64         `json:"elapsed_minutes"`
}

func stageTimerView(s *model.TimeSession, now time.Time) *ActiveTimer {
	return &ActiveTimer{
		Kind:               model.TimerKindStage,
		SessionID:          s.ID,
		BatchID:            deref(s.BatchID),
		Workflow:           s.Workflow,
		StageID:            s.StageID,
		StageName:          s.StageName,
		OrderID:            s.OrderID,
		StartedAt:          s.StartedAt,
		AccumulatedMinutes: timer.Round2(s.AccumulatedMinutes),
		IsPaused:           s.IsPaused,
		ItemsProcessed:     s.ItemsProcessed,
		ElapsedMinutes:     timer.Round2(timer.SessionState(s).Elapsed(now)),
	}
}

func batchTimerView(b *model.Batch, w *model.BatchWorker, now time.Time) *ActiveTimer {
	return &ActiveTimer{
		Kind:               model.TimerKindBatch,
		BatchID:            b.ID,
		BatchName:          b.Name,
		Workflow:           b.Workflow,
		StageID:            b.CurrentStageID,
		StageName:          b.CurrentStageName,
		StartedAt:          w.StartedAt,
		AccumulatedMinutes: timer.Round2(w.AccumulatedMinutes),
		IsPaused:           w.IsPaused,
		ElapsedMinutes:     timer.Round2(timer.LiveMinutes(w, now)),
	}
}

// activeTimer resolves the user's claim into its live view, or nil.
func activeTimer(ctx context.Context, s store.Store, batches store.BatchStore, userID string, now time.Time) (*ActiveTimer, error) {
	claim, err := s.GetOpenTimer(ctx, userID)
	if err != nil || claim == nil {
		return nil, err
	}
	switch claim.Kind {
	case model.TimerKindBatch:
		b, err := batches.GetBatch(ctx, claim.BatchID)
		if err != nil || b == nil {
			return nil, err
		}
		w, ok := b.Worker(userID)
		if !ok {
			return nil, nil
		}
		return batchTimerView(b, w, now), nil
	default:
		sess, err := s.GetSession(ctx, claim.SessionID)
		if err != nil || sess == nil || !sess.IsOpen() {
			return nil, err
		}
		return stageTimerView(sess, now), nil
	}
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
