package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shopfloor-backend/internal/model"
	"shopfloor-backend/internal/store"
	"shopfloor-backend/internal/timer"
)

// SessionAdmin is the privileged override path over raw session records. It
// skips the state machine but keeps the user's timer claim consistent.
type SessionAdmin struct {
	workflow model.Workflow
	store    store.Store
	now      Clock
}

func NewSessionAdmin(workflow model.Workflow, s store.Store, clock Clock) *SessionAdmin {
	return &SessionAdmin{workflow: workflow, store: s, now: clock}
}

func requireAdmin(actor model.User) error {
	if !actor.IsAdmin() {
		return timer.Errorf(timer.ErrForbidden, "admin role required")
	}
	return nil
}

// List returns sessions of the admin's workflow matching filter.
func (a *SessionAdmin) List(ctx context.Context, actor model.User, filter store.SessionFilter) ([]model.TimeSession, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	filter.Workflow = a.workflow
	return a.store.ListSessions(ctx, filter)
}

// SessionPatch holds the fields an admin may overwrite. Nil fields are kept.
type SessionPatch struct {
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	DurationMinutes *float64   `json:"duration_minutes"`
	ItemsProcessed  *int       `json:"items_processed"`
	OrdersProcessed *int       `json:"orders_processed"`
	IsPaused        *bool      `json:"is_paused"`
}

func (a *SessionAdmin) get(ctx context.Context, id string) (*model.TimeSession, error) {
	sess, err := a.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.Workflow != a.workflow {
		return nil, timer.Errorf(timer.ErrNotFound, "session %s not found", id)
	}
	return sess, nil
}

// Edit overwrites fields of a session. Setting completed_at on an open session
// closes it; without an explicit duration the session is credited as if stopped
// at that instant.
func (a *SessionAdmin) Edit(ctx context.Context, actor model.User, id string, patch SessionPatch) (*model.TimeSession, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	sess, err := a.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validatePatch(patch); err != nil {
		return nil, err
	}

	if patch.StartedAt != nil {
		sess.StartedAt = patch.StartedAt.UTC()
	}
	if patch.IsPaused != nil && sess.IsOpen() {
		sess.IsPaused = *patch.IsPaused
	}
	if patch.ItemsProcessed != nil {
		sess.ItemsProcessed = *patch.ItemsProcessed
	}
	if patch.OrdersProcessed != nil {
		sess.OrdersProcessed = *patch.OrdersProcessed
	}
	if patch.CompletedAt != nil {
		completed := patch.CompletedAt.UTC()
		if completed.Before(sess.StartedAt) {
			return nil, timer.Errorf(timer.ErrInvalidState, "completed_at is before started_at")
		}
		if sess.IsOpen() {
			closed, err := timer.Stop(timer.SessionState(sess), completed)
			if err != nil {
				return nil, err
			}
			// Keep the counters and auto-stop flags of the record itself.
			autoStopped, reason := sess.AutoStopped, sess.AutoStopReason
			timer.ApplySession(sess, closed)
			sess.AutoStopped, sess.AutoStopReason = autoStopped, reason
		} else {
			sess.CompletedAt = &completed
		}
	}
	if patch.DurationMinutes != nil {
		if sess.IsOpen() {
			sess.AccumulatedMinutes = *patch.DurationMinutes
		} else {
			d := *patch.DurationMinutes
			sess.DurationMinutes = &d
			sess.AccumulatedMinutes = d
		}
	}

	if err := a.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	a.audit(ctx, actor, sess, "edited")
	return sess, nil
}

func validatePatch(p SessionPatch) error {
	if p.DurationMinutes != nil && *p.DurationMinutes < 0 {
		return timer.Errorf(timer.ErrInvalidState, "duration_minutes must not be negative")
	}
	if (p.ItemsProcessed != nil && *p.ItemsProcessed < 0) || (p.OrdersProcessed != nil && *p.OrdersProcessed < 0) {
		return timer.Errorf(timer.ErrInvalidState, "processed counts must not be negative")
	}
	return nil
}

// ManualSession is a closed session entered by an admin.
type ManualSession struct {
	UserID          string    `json:"user_id" binding:"required"`
	UserName        string    `json:"user_name"`
	StageID         string    `json:"stage_id" binding:"required"`
	StartedAt       time.Time `json:"started_at" binding:"required"`
	CompletedAt     time.Time `json:"completed_at" binding:"required"`
	DurationMinutes *float64  `json:"duration_minutes"`
	ItemsProcessed  int       `json:"items_processed"`
	OrdersProcessed int       `json:"orders_processed"`
	OrderID         *string   `json:"order_id"`
	BatchID         *string   `json:"batch_id"`
}

// Add inserts a closed session. Manual sessions never hold a timer claim.
func (a *SessionAdmin) Add(ctx context.Context, actor model.User, in ManualSession) (*model.TimeSession, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	started, completed := in.StartedAt.UTC(), in.CompletedAt.UTC()
	if completed.Before(started) {
		return nil, timer.Errorf(timer.ErrInvalidState, "completed_at is before started_at")
	}
	if in.ItemsProcessed < 0 || in.OrdersProcessed < 0 {
		return nil, timer.Errorf(timer.ErrInvalidState, "processed counts must not be negative")
	}
	stage, err := a.store.GetStage(ctx, a.workflow, in.StageID)
	if err != nil {
		return nil, err
	}
	if stage == nil {
		return nil, timer.Errorf(timer.ErrNotFound, "stage %s not found in %s", in.StageID, a.workflow)
	}

	duration := timer.Minutes(started, completed)
	if in.DurationMinutes != nil {
		if *in.DurationMinutes < 0 {
			return nil, timer.Errorf(timer.ErrInvalidState, "duration_minutes must not be negative")
		}
		duration = *in.DurationMinutes
	}
	sess := &model.TimeSession{
		ID:                 uuid.New().String(),
		Workflow:           a.workflow,
		UserID:             in.UserID,
		UserName:           in.UserName,
		StageID:            stage.ID,
		StageName:          stage.Name,
		OrderID:            in.OrderID,
		BatchID:            in.BatchID,
		StartedAt:          started,
		AccumulatedMinutes: duration,
		CompletedAt:        &completed,
		DurationMinutes:    &duration,
		ItemsProcessed:     in.ItemsProcessed,
		OrdersProcessed:    in.OrdersProcessed,
	}
	if err := a.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	a.audit(ctx, actor, sess, "added")
	return sess, nil
}

// Delete removes a session, releasing the user's claim if it was open.
func (a *SessionAdmin) Delete(ctx context.Context, actor model.User, id string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	sess, err := a.get(ctx, id)
	if err != nil {
		return err
	}
	if err := a.store.DeleteSession(ctx, sess); err != nil {
		return err
	}
	a.audit(ctx, actor, sess, "deleted")
	return nil
}

func (a *SessionAdmin) audit(ctx context.Context, actor model.User, sess *model.TimeSession, verb string) {
	recordEvent(ctx, a.store, model.TimerEvent{
		UserID:    sess.UserID,
		UserName:  sess.UserName,
		Action:    model.ActionAdminEdit,
		Workflow:  sess.Workflow,
		StageID:   sess.StageID,
		SessionID: sess.ID,
		Detail:    fmt.Sprintf("session %s by %s", verb, actor.ID),
		At:        utcNow(a.now),
	})
}
