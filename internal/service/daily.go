package service

import (
	"context"
	"fmt"
	"time"

	"shopfloor-backend/internal/model"
	"shopfloor-backend/internal/parse"
	"shopfloor-backend/internal/store"
	"shopfloor-backend/internal/timer"
)

// DailyLimits compares a user's hours for the current calendar day with the
// configured limit and records their answer to the limit prompt.
type DailyLimits struct {
	store      store.Store
	batches    store.BatchStore
	batchTimer *BatchTimers
	limitHours float64
	loc        *time.Location
	now        Clock
}

// NewDailyLimits creates the guard. Days are split at midnight in loc.
func NewDailyLimits(s store.Store, batches store.BatchStore, bt *BatchTimers, limitHours float64, loc *time.Location, clock Clock) *DailyLimits {
	if loc == nil {
		loc = time.UTC
	}
	return &DailyLimits{store: s, batches: batches, batchTimer: bt, limitHours: limitHours, loc: loc, now: clock}
}

// DailyCheck is the user's standing against the daily limit.
type DailyCheck struct {
	UserID         string  `json:"user_id"`
	Date           string  `json:"date"`
	HoursWorked    float64 `json:"hours_worked"`
	LimitHours     float64 `json:"limit_hours"`
	Exceeded       bool    `json:"exceeded"`
	Acknowledged   bool    `json:"acknowledged"`
	NeedsPrompt    bool    `json:"needs_prompt"`
	HasActiveTimer bool    `json:"has_active_timer"`
}

// Check sums today's closed stage sessions, batch ledger entries ending today
// and the live minutes of the open timer.
func (d *DailyLimits) Check(ctx context.Context, userID string) (*DailyCheck, error) {
	now := utcNow(d.now)
	start, end := parse.DayBounds(now, d.loc)
	date := parse.DateKey(now, d.loc)

	sessions, err := d.store.ListSessions(ctx, store.SessionFilter{
		UserID:        userID,
		ClosedOnly:    true,
		CompletedFrom: &start,
		CompletedTo:   &end,
	})
	if err != nil {
		return nil, err
	}
	minutes := 0.0
	for i := range sessions {
		minutes += timer.SessionState(&sessions[i]).Elapsed(now)
	}

	ledger, err := d.batches.LedgerForUser(ctx, userID, start, end)
	if err != nil {
		return nil, err
	}
	for _, e := range ledger {
		minutes += e.Minutes
	}

	active, err := activeTimer(ctx, d.store, d.batches, userID, now)
	if err != nil {
		return nil, err
	}
	if active != nil {
		minutes += active.ElapsedMinutes
	}

	ack, err := d.store.LatestAck(ctx, userID, date)
	if err != nil {
		return nil, err
	}

	hours := minutes / 60
	check := &DailyCheck{
		UserID:         userID,
		Date:           date,
		HoursWorked:    timer.Round2(hours),
		LimitHours:     d.limitHours,
		Exceeded:       hours > d.limitHours,
		Acknowledged:   ack != nil && ack.ContinueWorking,
		HasActiveTimer: active != nil,
	}
	check.NeedsPrompt = check.Exceeded && !check.Acknowledged
	return check, nil
}

// AckResult is the outcome of answering the limit prompt.
type AckResult struct {
	Acknowledgment model.DailyLimitAck `json:"acknowledgment"`
	EndShift       bool                `json:"end_shift"`
	StoppedMinutes *float64            `json:"stopped_minutes,omitempty"`
}

// Acknowledge records the user's choice. Choosing to stop closes the user's
// open timer, stage or batch, and tells the caller to end the shift.
func (d *DailyLimits) Acknowledge(ctx context.Context, user model.User, continueWorking bool) (*AckResult, error) {
	now := utcNow(d.now)
	ack := model.DailyLimitAck{
		UserID:          user.ID,
		Date:            parse.DateKey(now, d.loc),
		ContinueWorking: continueWorking,
		AcknowledgedAt:  now,
	}
	if err := d.store.CreateAck(ctx, &ack); err != nil {
		return nil, err
	}

	result := &AckResult{Acknowledgment: ack}
	detail := "continue"
	if !continueWorking {
		detail = "stop"
		result.EndShift = true
		stopped, err := d.stopOpenTimer(ctx, user, now)
		if err != nil {
			return nil, err
		}
		result.StoppedMinutes = stopped
	}

	recordEvent(ctx, d.store, model.TimerEvent{
		UserID: user.ID, UserName: user.Name, Action: model.ActionLimitAcknowledged,
		Detail: detail, At: now,
	})
	return result, nil
}

func (d *DailyLimits) stopOpenTimer(ctx context.Context, user model.User, now time.Time) (*float64, error) {
	claim, err := d.store.GetOpenTimer(ctx, user.ID)
	if err != nil || claim == nil {
		return nil, err
	}

	switch claim.Kind {
	case model.TimerKindBatch:
		b, err := d.batches.GetBatch(ctx, claim.BatchID)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, fmt.Errorf("batch %s of open claim not found", claim.BatchID)
		}
		w, ok := b.Worker(user.ID)
		if !ok {
			return nil, d.store.ReleaseTimer(ctx, user.ID, model.TimerKindBatch, b.ID)
		}
		closed, err := timer.Stop(timer.WorkerState(w), now)
		if err != nil {
			return nil, err
		}
		entry, err := d.batchTimer.ForceLeave(ctx, b, *w, closed)
		if err != nil {
			return nil, err
		}
		return &entry.Minutes, nil
	default:
		sess, err := d.store.GetSession(ctx, claim.SessionID)
		if err != nil {
			return nil, err
		}
		if sess == nil || !sess.IsOpen() {
			return nil, d.store.ReleaseTimer(ctx, user.ID, model.TimerKindStage, claim.SessionID)
		}
		closed, err := timer.Stop(timer.SessionState(sess), now)
		if err != nil {
			return nil, err
		}
		if err := CloseSession(ctx, d.store, sess, closed, user.Name); err != nil {
			return nil, err
		}
		return sess.DurationMinutes, nil
	}
}
