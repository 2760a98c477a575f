package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"shopfloor-backend/internal/model"
	"shopfloor-backend/internal/store"
	"shopfloor-backend/internal/timer"
)

// StageTimers runs single-worker stage timers for one workflow family.
// Production and fulfillment each get an instance over the same stores.
type StageTimers struct {
	workflow model.Workflow
	store    store.Store
	batches  store.BatchStore
	now      Clock
}

// NewStageTimers creates the stage timer service for workflow.
func NewStageTimers(workflow model.Workflow, s store.Store, batches store.BatchStore, clock Clock) *StageTimers {
	return &StageTimers{workflow: workflow, store: s, batches: batches, now: clock}
}

func (t *StageTimers) Workflow() model.Workflow {
	return t.workflow
}

// StartOptions links a new session to an order or batch.
type StartOptions struct {
	OrderID *string
	BatchID *string
}

// Progress is the work recorded when a session stops.
type Progress struct {
	Items  int
	Orders int
}

// StageWorker is one roster entry of a stage.
type StageWorker struct {
	UserID         string          `json:"user_id"`
	UserName       string          `json:"user_name"`
	Kind           model.TimerKind `json:"kind"`
	SessionID      string          `json:"session_id,omitempty"`
	BatchID        string          `json:"batch_id,omitempty"`
	BatchName      string          `json:"batch_name,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	IsPaused       bool            `json:"is_paused"`
	ElapsedMinutes float64         `json:"elapsed_minutes"`
}

func (t *StageTimers) ListStages(ctx context.Context) ([]model.Stage, error) {
	return t.store.ListStages(ctx, t.workflow)
}

func (t *StageTimers) stage(ctx context.Context, stageID string) (*model.Stage, error) {
	stage, err := t.store.GetStage(ctx, t.workflow, stageID)
	if err != nil {
		return nil, err
	}
	if stage == nil {
		return nil, timer.Errorf(timer.ErrNotFound, "stage %s not found in %s", stageID, t.workflow)
	}
	return stage, nil
}

// Start opens a session for user on stageID. It fails with ErrConflict if the
// user holds any open timer, stage or batch.
func (t *StageTimers) Start(ctx context.Context, user model.User, stageID string, opts StartOptions) (*model.TimeSession, error) {
	stage, err := t.stage(ctx, stageID)
	if err != nil {
		return nil, err
	}

	now := utcNow(t.now)
	session := &model.TimeSession{
		ID:        uuid.New().String(),
		Workflow:  t.workflow,
		UserID:    user.ID,
		UserName:  user.Name,
		StageID:   stage.ID,
		StageName: stage.Name,
		OrderID:   opts.OrderID,
		BatchID:   opts.BatchID,
		StartedAt: now,
	}
	claim := &model.OpenTimer{
		UserID:    user.ID,
		Kind:      model.TimerKindStage,
		SessionID: session.ID,
		Workflow:  t.workflow,
		StageID:   stage.ID,
		ClaimedAt: now,
	}

	ok, err := t.store.StartSession(ctx, claim, session)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conflictError(ctx, t.store, user.ID)
	}

	recordEvent(ctx, t.store, model.TimerEvent{
		UserID:    user.ID,
		UserName:  user.Name,
		Action:    model.ActionWorkerJoined,
		Workflow:  t.workflow,
		StageID:   stage.ID,
		SessionID: session.ID,
		At:        now,
	})
	return session, nil
}

func (t *StageTimers) openOn(ctx context.Context, userID, stageID string) (*model.TimeSession, error) {
	sess, err := t.store.FindOpenSession(ctx, userID, t.workflow, stageID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, timer.NoActiveTimer("no active timer on stage %s", stageID)
	}
	return sess, nil
}

// Pause banks the running segment of the user's session on stageID.
func (t *StageTimers) Pause(ctx context.Context, user model.User, stageID string) (*model.TimeSession, error) {
	sess, err := t.openOn(ctx, user.ID, stageID)
	if err != nil {
		return nil, err
	}
	now := utcNow(t.now)
	paused, err := timer.Pause(timer.SessionState(sess), now)
	if err != nil {
		return nil, err
	}
	if err := t.transition(ctx, sess, paused); err != nil {
		return nil, err
	}
	recordEvent(ctx, t.store, model.TimerEvent{
		UserID: user.ID, UserName: user.Name, Action: model.ActionPaused,
		Workflow: t.workflow, StageID: stageID, SessionID: sess.ID, At: now,
		Detail: fmt.Sprintf("%.2f minutes banked", paused.Banked),
	})
	return sess, nil
}

// Resume starts a new segment on the user's paused session on stageID.
func (t *StageTimers) Resume(ctx context.Context, user model.User, stageID string) (*model.TimeSession, error) {
	sess, err := t.openOn(ctx, user.ID, stageID)
	if err != nil {
		return nil, err
	}
	now := utcNow(t.now)
	running, err := timer.Resume(timer.SessionState(sess), now)
	if err != nil {
		return nil, err
	}
	if err := t.transition(ctx, sess, running); err != nil {
		return nil, err
	}
	recordEvent(ctx, t.store, model.TimerEvent{
		UserID: user.ID, UserName: user.Name, Action: model.ActionResumed,
		Workflow: t.workflow, StageID: stageID, SessionID: sess.ID, At: now,
	})
	return sess, nil
}

// transition writes an open state, failing if another request changed the
// session since it was read.
func (t *StageTimers) transition(ctx context.Context, sess *model.TimeSession, st timer.State) error {
	wasPaused := sess.IsPaused
	timer.ApplySession(sess, st)
	ok, err := t.store.UpdateOpenSession(ctx, sess, wasPaused)
	if err != nil {
		return err
	}
	if !ok {
		return timer.Errorf(timer.ErrInvalidState, "session %s changed concurrently", sess.ID)
	}
	return nil
}

// Stop closes the user's session on stageID and adds progress to its counters.
// If no session is open on that stage, any open session of the user is stopped
// instead, since the caller may have raced a stage change.
func (t *StageTimers) Stop(ctx context.Context, user model.User, stageID string, progress Progress) (*model.TimeSession, error) {
	if progress.Items < 0 || progress.Orders < 0 {
		return nil, timer.Errorf(timer.ErrInvalidState, "processed counts must not be negative")
	}

	sess, err := t.store.FindOpenSession(ctx, user.ID, t.workflow, stageID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess, err = t.store.FindOpenSession(ctx, user.ID, "", "")
		if err != nil {
			return nil, err
		}
		if sess != nil {
			log.Printf("Warning: stop on %s/%s for %s matched open session %s on %s/%s",
				t.workflow, stageID, user.ID, sess.ID, sess.Workflow, sess.StageID)
		}
	}
	if sess == nil {
		return nil, timer.NoActiveTimer("no active timer found")
	}

	now := utcNow(t.now)
	closed, err := timer.Stop(timer.SessionState(sess), now)
	if err != nil {
		return nil, err
	}
	sess.ItemsProcessed += progress.Items
	sess.OrdersProcessed += progress.Orders
	if err := CloseSession(ctx, t.store, sess, closed, user.Name); err != nil {
		return nil, err
	}
	return sess, nil
}

// CloseSession applies closed to sess, persists it and releases the user's
// claim. The audit action is auto_stopped for sweeper closes.
func CloseSession(ctx context.Context, s store.Store, sess *model.TimeSession, closed timer.Closed, actorName string) error {
	timer.ApplySession(sess, closed)
	ok, err := s.CloseSession(ctx, sess)
	if err != nil {
		return err
	}
	if !ok {
		return timer.Errorf(timer.ErrInvalidState, "timer is already stopped")
	}

	action := model.ActionStopped
	detail := fmt.Sprintf("%.2f minutes, %d items, %d orders", closed.Duration, sess.ItemsProcessed, sess.OrdersProcessed)
	if closed.AutoStopped {
		action = model.ActionAutoStopped
		detail = fmt.Sprintf("%.2f minutes credited: %s", closed.Duration, closed.Reason)
	}
	if actorName == "" {
		actorName = sess.UserName
	}
	recordEvent(ctx, s, model.TimerEvent{
		UserID: sess.UserID, UserName: actorName, Action: action,
		Workflow: sess.Workflow, StageID: sess.StageID, SessionID: sess.ID,
		Detail: detail, At: closed.CompletedAt,
	})
	return nil
}

// RecordProgress adds to the counters of the user's open stage session. It
// reports false when the user has none.
func (t *StageTimers) RecordProgress(ctx context.Context, userID string, progress Progress) (bool, error) {
	return recordProgress(ctx, t.store, userID, progress)
}

func recordProgress(ctx context.Context, s store.Store, userID string, progress Progress) (bool, error) {
	sess, err := s.FindOpenSession(ctx, userID, "", "")
	if err != nil || sess == nil {
		return false, err
	}
	if err := s.IncrementSessionCounters(ctx, sess.ID, progress.Items, progress.Orders); err != nil {
		return false, err
	}
	return true, nil
}

// QueryActive returns the user's open timer, stage or batch, or nil.
func (t *StageTimers) QueryActive(ctx context.Context, userID string) (*ActiveTimer, error) {
	return activeTimer(ctx, t.store, t.batches, userID, utcNow(t.now))
}

// ActiveWorkers lists everyone timed into stageID: stage sessions on it plus
// workers on batches currently at it.
func (t *StageTimers) ActiveWorkers(ctx context.Context, stageID string) ([]StageWorker, error) {
	if _, err := t.stage(ctx, stageID); err != nil {
		return nil, err
	}
	now := utcNow(t.now)

	sessions, err := t.store.ListSessions(ctx, store.SessionFilter{
		Workflow: t.workflow,
		StageID:  stageID,
		OpenOnly: true,
	})
	if err != nil {
		return nil, err
	}
	roster := make([]StageWorker, 0, len(sessions))
	for i := range sessions {
		s := &sessions[i]
		roster = append(roster, StageWorker{
			UserID:         s.UserID,
			UserName:       s.UserName,
			Kind:           model.TimerKindStage,
			SessionID:      s.ID,
			StartedAt:      s.StartedAt,
			IsPaused:       s.IsPaused,
			ElapsedMinutes: timer.Round2(timer.SessionState(s).Elapsed(now)),
		})
	}

	workers, err := t.batches.ListActiveWorkers(ctx, t.workflow)
	if err != nil {
		return nil, err
	}
	for _, aw := range workers {
		if aw.StageID != stageID {
			continue
		}
		w := aw.Worker
		roster = append(roster, StageWorker{
			UserID:         w.UserID,
			UserName:       w.UserName,
			Kind:           model.TimerKindBatch,
			BatchID:        aw.BatchID,
			BatchName:      aw.BatchName,
			StartedAt:      w.StartedAt,
			IsPaused:       w.IsPaused,
			ElapsedMinutes: timer.Round2(timer.LiveMinutes(&w, now)),
		})
	}
	return roster, nil
}
