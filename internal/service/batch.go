package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"shopfloor-backend/internal/kpi"
	"shopfloor-backend/internal/model"
	"shopfloor-backend/internal/store"
	"shopfloor-backend/internal/timer"
)

// maxUpstreamDepth bounds the source-batch chain walked by Report.
const maxUpstreamDepth = 16

// BatchTimers runs the multi-worker timer of batches.
type BatchTimers struct {
	store    store.Store
	batches  store.BatchStore
	rates    *RateBook
	notifier Notifier
	now      Clock
}

// NewBatchTimers creates the batch timer service. A nil notifier drops messages.
func NewBatchTimers(s store.Store, batches store.BatchStore, rates *RateBook, notifier Notifier, clock Clock) *BatchTimers {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &BatchTimers{store: s, batches: batches, rates: rates, notifier: notifier, now: clock}
}

// BatchView is a batch with its derived timer fields.
type BatchView struct {
	*model.Batch
	TimerActive  bool                        `json:"timer_active"`
	TimerPaused  bool                        `json:"timer_paused"`
	TotalMinutes float64                     `json:"total_minutes"`
	WorkersTime  map[string]model.WorkerTime `json:"workers_time,omitempty"`
}

func viewOf(b *model.Batch, now time.Time) *BatchView {
	live := 0.0
	for i := range b.ActiveWorkers {
		live += timer.LiveMinutes(&b.ActiveWorkers[i], now)
	}
	v := &BatchView{
		Batch:        b,
		TimerActive:  b.TimerActive(),
		TimerPaused:  b.TimerPaused(),
		TotalMinutes: timer.Round2(b.AccumulatedMinutes + live),
	}
	if len(b.Ledger) > 0 {
		v.WorkersTime = b.WorkersTime()
	}
	return v
}

// CreateBatchInput describes a new batch.
type CreateBatchInput struct {
	Workflow      model.Workflow
	Name          string
	StageID       string
	TotalItems    int
	SourceBatchID *string
}

func (bt *BatchTimers) Create(ctx context.Context, in CreateBatchInput) (*BatchView, error) {
	if !in.Workflow.Valid() {
		return nil, timer.Errorf(timer.ErrNotFound, "unknown workflow %q", in.Workflow)
	}
	if in.TotalItems < 0 {
		return nil, timer.Errorf(timer.ErrInvalidState, "total_items must not be negative")
	}
	stage, err := bt.store.GetStage(ctx, in.Workflow, in.StageID)
	if err != nil {
		return nil, err
	}
	if stage == nil {
		return nil, timer.Errorf(timer.ErrNotFound, "stage %s not found in %s", in.StageID, in.Workflow)
	}
	if in.SourceBatchID != nil {
		src, err := bt.batches.GetBatch(ctx, *in.SourceBatchID)
		if err != nil {
			return nil, err
		}
		if src == nil {
			return nil, timer.Errorf(timer.ErrNotFound, "source batch %s not found", *in.SourceBatchID)
		}
	}

	b := &model.Batch{
		Workflow:         in.Workflow,
		Name:             in.Name,
		CurrentStageID:   stage.ID,
		CurrentStageName: stage.Name,
		Status:           model.BatchStatusActive,
		TotalItems:       in.TotalItems,
		SourceBatchID:    in.SourceBatchID,
	}
	if err := bt.batches.CreateBatch(ctx, b); err != nil {
		return nil, err
	}
	return viewOf(b, utcNow(bt.now)), nil
}

func (bt *BatchTimers) load(ctx context.Context, batchID string) (*model.Batch, error) {
	b, err := bt.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, timer.Errorf(timer.ErrNotFound, "batch %s not found", batchID)
	}
	return b, nil
}

func (bt *BatchTimers) loadActive(ctx context.Context, batchID string) (*model.Batch, error) {
	b, err := bt.load(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status == model.BatchStatusCompleted {
		return nil, timer.Errorf(timer.ErrInvalidState, "batch %s is completed", batchID)
	}
	return b, nil
}

func (bt *BatchTimers) Get(ctx context.Context, batchID string) (*BatchView, error) {
	b, err := bt.load(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return viewOf(b, utcNow(bt.now)), nil
}

func (bt *BatchTimers) List(ctx context.Context, filter store.BatchFilter) ([]*BatchView, error) {
	batches, err := bt.batches.ListBatches(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := utcNow(bt.now)
	views := make([]*BatchView, 0, len(batches))
	for i := range batches {
		views = append(views, viewOf(&batches[i], now))
	}
	return views, nil
}

// Join adds user to the batch's active workers. Joining a batch the user is
// already on reports already=true and changes nothing. A user holding any
// other open timer gets ErrConflict.
func (bt *BatchTimers) Join(ctx context.Context, user model.User, batchID string) (view *BatchView, already bool, err error) {
	b, err := bt.loadActive(ctx, batchID)
	if err != nil {
		return nil, false, err
	}
	now := utcNow(bt.now)
	if _, ok := b.Worker(user.ID); ok {
		return viewOf(b, now), true, nil
	}

	claimed, err := bt.store.ClaimTimer(ctx, &model.OpenTimer{
		UserID:    user.ID,
		Kind:      model.TimerKindBatch,
		BatchID:   b.ID,
		Workflow:  b.Workflow,
		StageID:   b.CurrentStageID,
		ClaimedAt: now,
	})
	if err != nil {
		return nil, false, err
	}
	if !claimed {
		// A claim on this very batch without an entry is left over from an
		// interrupted join; finish it.
		existing, err := bt.store.GetOpenTimer(ctx, user.ID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil || existing.Kind != model.TimerKindBatch || existing.BatchID != b.ID {
			return nil, false, conflictError(ctx, bt.store, user.ID)
		}
	}

	added, err := bt.batches.AddWorker(ctx, b.ID, model.BatchWorker{
		UserID:    user.ID,
		UserName:  user.Name,
		StartedAt: now,
	}, now)
	if err != nil {
		if claimed {
			if rerr := bt.store.ReleaseTimer(ctx, user.ID, model.TimerKindBatch, b.ID); rerr != nil {
				log.Printf("Error releasing batch claim for %s after failed join: %v", user.ID, rerr)
			}
		}
		if errors.Is(err, store.ErrBatchCompleted) {
			return nil, false, timer.Errorf(timer.ErrInvalidState, "batch %s is completed", b.ID)
		}
		return nil, false, err
	}

	b, err = bt.load(ctx, b.ID)
	if err != nil {
		return nil, false, err
	}
	if !added {
		return viewOf(b, now), true, nil
	}

	recordEvent(ctx, bt.store, model.TimerEvent{
		UserID: user.ID, UserName: user.Name, Action: model.ActionWorkerJoined,
		Workflow: b.Workflow, StageID: b.CurrentStageID, BatchID: b.ID, At: now,
	})
	return viewOf(b, now), false, nil
}

// LeaveResult is the outcome of a worker leaving a batch.
type LeaveResult struct {
	Batch   *BatchView               `json:"batch"`
	Session model.BatchWorkerSession `json:"session"`
}

// Leave removes user from the batch, crediting the open segment to the ledger.
func (bt *BatchTimers) Leave(ctx context.Context, user model.User, batchID string) (*LeaveResult, error) {
	b, err := bt.load(ctx, batchID)
	if err != nil {
		return nil, err
	}
	w, ok := b.Worker(user.ID)
	if !ok {
		return nil, timer.Errorf(timer.ErrInvalidState, "no active timer on batch %s", batchID)
	}
	now := utcNow(bt.now)
	closed, err := timer.Stop(timer.WorkerState(w), now)
	if err != nil {
		return nil, err
	}
	entry, err := bt.ForceLeave(ctx, b, *w, closed)
	if err != nil {
		return nil, err
	}

	b, err = bt.load(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return &LeaveResult{Batch: viewOf(b, now), Session: *entry}, nil
}

// ForceLeave removes w from b with the closed state's duration, appends the
// ledger entry and releases the worker's claim. Used by Leave, Complete, the
// daily-limit stop and the sweeper.
func (bt *BatchTimers) ForceLeave(ctx context.Context, b *model.Batch, w model.BatchWorker, closed timer.Closed) (*model.BatchWorkerSession, error) {
	entry := model.BatchWorkerSession{
		ID:          uuid.New().String(),
		UserID:      w.UserID,
		UserName:    w.UserName,
		StartedAt:   w.StartedAt,
		EndedAt:     closed.CompletedAt,
		Minutes:     closed.Duration,
		StageID:     b.CurrentStageID,
		StageName:   b.CurrentStageName,
		AutoStopped: closed.AutoStopped,
	}
	removed, err := bt.batches.RemoveWorker(ctx, b.ID, w.UserID, entry)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, timer.Errorf(timer.ErrInvalidState, "user %s already left batch %s", w.UserID, b.ID)
	}
	if err := bt.store.ReleaseTimer(ctx, w.UserID, model.TimerKindBatch, b.ID); err != nil {
		return nil, err
	}

	action := model.ActionWorkerLeft
	detail := fmt.Sprintf("%.2f minutes", closed.Duration)
	if closed.AutoStopped {
		action = model.ActionAutoStopped
		detail = fmt.Sprintf("%.2f minutes credited: %s", closed.Duration, closed.Reason)
	}
	recordEvent(ctx, bt.store, model.TimerEvent{
		UserID: w.UserID, UserName: w.UserName, Action: action,
		Workflow: b.Workflow, StageID: b.CurrentStageID, BatchID: b.ID,
		Detail: detail, At: closed.CompletedAt,
	})
	return &entry, nil
}

// PauseWorker banks the user's running segment on the batch.
func (bt *BatchTimers) PauseWorker(ctx context.Context, user model.User, batchID string) (*BatchView, error) {
	return bt.transitionWorker(ctx, user, batchID, model.ActionPaused, func(s timer.State, now time.Time) (timer.State, error) {
		return timer.Pause(s, now)
	})
}

// ResumeWorker starts a new segment for the user's paused entry on the batch.
func (bt *BatchTimers) ResumeWorker(ctx context.Context, user model.User, batchID string) (*BatchView, error) {
	return bt.transitionWorker(ctx, user, batchID, model.ActionResumed, func(s timer.State, now time.Time) (timer.State, error) {
		return timer.Resume(s, now)
	})
}

func (bt *BatchTimers) transitionWorker(ctx context.Context, user model.User, batchID string, action model.TimerAction,
	step func(timer.State, time.Time) (timer.State, error)) (*BatchView, error) {
	b, err := bt.loadActive(ctx, batchID)
	if err != nil {
		return nil, err
	}
	w, ok := b.Worker(user.ID)
	if !ok {
		return nil, timer.NoActiveTimer("no active timer on batch %s", batchID)
	}
	now := utcNow(bt.now)
	next, err := step(timer.WorkerState(w), now)
	if err != nil {
		return nil, err
	}

	wasPaused := w.IsPaused
	timer.ApplyWorker(w, next)
	ok, err = bt.batches.UpdateWorker(ctx, b.ID, *w, wasPaused)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, timer.Errorf(timer.ErrInvalidState, "worker entry on batch %s changed concurrently", batchID)
	}

	recordEvent(ctx, bt.store, model.TimerEvent{
		UserID: user.ID, UserName: user.Name, Action: action,
		Workflow: b.Workflow, StageID: b.CurrentStageID, BatchID: b.ID, At: now,
	})
	return viewOf(b, now), nil
}

// MoveStage moves the batch and its orders to targetStageID. Active workers
// keep timing across the move.
func (bt *BatchTimers) MoveStage(ctx context.Context, batchID, targetStageID string) (*BatchView, error) {
	b, err := bt.loadActive(ctx, batchID)
	if err != nil {
		return nil, err
	}
	stage, err := bt.store.GetStage(ctx, b.Workflow, targetStageID)
	if err != nil {
		return nil, err
	}
	if stage == nil {
		return nil, timer.Errorf(timer.ErrNotFound, "stage %s not found in %s", targetStageID, b.Workflow)
	}

	now := utcNow(bt.now)
	if err := bt.batches.MoveStage(ctx, b.ID, stage.ID, stage.Name, now); err != nil {
		return nil, err
	}
	moved, err := bt.store.MoveBatchOrders(ctx, b.ID, stage.ID, stage.Name, now)
	if err != nil {
		return nil, err
	}
	log.Printf("Batch %s moved to %s with %d orders", b.ID, stage.ID, moved)

	b, err = bt.load(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	return viewOf(b, now), nil
}

// CompleteItem marks itemID done at the batch's current stage and counts it on
// the caller's open stage session, if any.
func (bt *BatchTimers) CompleteItem(ctx context.Context, user model.User, batchID, itemID string) (*BatchView, error) {
	if !store.ValidKey(itemID) {
		return nil, timer.Errorf(timer.ErrInvalidState, "invalid item id %q", itemID)
	}
	b, err := bt.loadActive(ctx, batchID)
	if err != nil {
		return nil, err
	}
	now := utcNow(bt.now)
	if b.StageProgress[b.CurrentStageID][itemID] {
		return viewOf(b, now), nil
	}
	if err := bt.batches.CompleteItem(ctx, b.ID, b.CurrentStageID, itemID, now); err != nil {
		return nil, err
	}
	if _, err := recordProgress(ctx, bt.store, user.ID, Progress{Items: 1}); err != nil {
		return nil, err
	}

	b, err = bt.load(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	return viewOf(b, now), nil
}

// CompleteResult is the outcome of completing a batch.
type CompleteResult struct {
	Batch           *BatchView                 `json:"batch"`
	StoppedWorkers  []model.BatchWorkerSession `json:"stopped_workers"`
	OrdersFulfilled int64                      `json:"orders_fulfilled"`
}

// Complete marks the batch completed, stops every active worker and fulfills
// its orders. Workers other than the caller are notified.
func (bt *BatchTimers) Complete(ctx context.Context, user model.User, batchID string) (*CompleteResult, error) {
	b, err := bt.loadActive(ctx, batchID)
	if err != nil {
		return nil, err
	}
	now := utcNow(bt.now)

	// Joins fail once the batch is marked, so the worker list loaded below is final.
	ok, err := bt.batches.MarkCompleted(ctx, b.ID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, timer.Errorf(timer.ErrInvalidState, "batch %s is already completed", batchID)
	}
	if b, err = bt.load(ctx, b.ID); err != nil {
		return nil, err
	}

	result := &CompleteResult{StoppedWorkers: []model.BatchWorkerSession{}}
	for _, w := range b.ActiveWorkers {
		closed, err := timer.Stop(timer.WorkerState(&w), now)
		if err != nil {
			return nil, err
		}
		entry, err := bt.ForceLeave(ctx, b, w, closed)
		if err != nil {
			if errors.Is(err, timer.ErrInvalidState) {
				// Left on its own in the meantime.
				continue
			}
			return nil, err
		}
		result.StoppedWorkers = append(result.StoppedWorkers, *entry)
		if w.UserID != user.ID {
			bt.notifier.Notify(w.UserID, fmt.Sprintf("Batch %s was completed. Your timer stopped at %.0f minutes.", b.Name, entry.Minutes))
		}
	}

	result.OrdersFulfilled, err = bt.store.FulfillBatchOrders(ctx, b.ID, now)
	if err != nil {
		return nil, err
	}

	b, err = bt.load(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	result.Batch = viewOf(b, now)
	return result, nil
}

// WorkerReport is one user's share of a batch.
type WorkerReport struct {
	UserID     string     `json:"user_id"`
	UserName   string     `json:"user_name"`
	Minutes    float64    `json:"minutes"`
	Hours      float64    `json:"hours"`
	Sessions   int        `json:"sessions"`
	Active     bool       `json:"active"`
	HourlyRate float64    `json:"hourly_rate"`
	RateSource RateSource `json:"rate_source"`
	LaborCost  float64    `json:"labor_cost"`
}

// BatchCost is the time and cost of one batch in an upstream chain.
type BatchCost struct {
	BatchID    string         `json:"batch_id"`
	Name       string         `json:"name"`
	Workflow   model.Workflow `json:"workflow"`
	TotalItems int            `json:"total_items"`
	TotalHours float64        `json:"total_hours"`
	LaborCost  float64        `json:"labor_cost"`
}

// Report is the combined time and cost report of a batch.
type Report struct {
	BatchID      string         `json:"batch_id"`
	Name         string         `json:"name"`
	Workflow     model.Workflow `json:"workflow"`
	Status       string         `json:"status"`
	TotalItems   int            `json:"total_items"`
	Workers      []WorkerReport `json:"workers"`
	TotalHours   float64        `json:"total_hours"`
	ItemsPerHour float64        `json:"items_per_hour"`
	LaborCost    float64        `json:"labor_cost"`
	CostPerUnit  float64        `json:"cost_per_unit"`
	DefaultRate  float64        `json:"default_rate"`

	Upstream            []BatchCost `json:"upstream"`
	EndToEndHours       float64     `json:"end_to_end_hours"`
	EndToEndLaborCost   float64     `json:"end_to_end_labor_cost"`
	EndToEndCostPerUnit float64     `json:"end_to_end_cost_per_unit"`
}

// Report combines the batch ledger with open segments, prices it with hourly
// rates and adds the cost of upstream source batches.
func (bt *BatchTimers) Report(ctx context.Context, batchID string) (*Report, error) {
	b, err := bt.load(ctx, batchID)
	if err != nil {
		return nil, err
	}
	now := utcNow(bt.now)

	workers, hours, cost, err := bt.price(ctx, b, now)
	if err != nil {
		return nil, err
	}
	r := &Report{
		BatchID:      b.ID,
		Name:         b.Name,
		Workflow:     b.Workflow,
		Status:       string(b.Status),
		TotalItems:   b.TotalItems,
		Workers:      workers,
		TotalHours:   timer.Round2(hours),
		ItemsPerHour: timer.Round2(kpi.PerHour(b.TotalItems, hours)),
		LaborCost:    timer.Round2(cost),
		CostPerUnit:  timer.Round2(perUnit(cost, b.TotalItems)),
		DefaultRate:  bt.rates.Default(),
		Upstream:     []BatchCost{},
	}

	totalHours, totalCost := hours, cost
	seen := map[string]bool{b.ID: true}
	next := b.SourceBatchID
	for depth := 0; next != nil && depth < maxUpstreamDepth; depth++ {
		if seen[*next] {
			log.Printf("Warning: source batch cycle at %s while reporting %s", *next, b.ID)
			break
		}
		seen[*next] = true
		up, err := bt.batches.GetBatch(ctx, *next)
		if err != nil {
			return nil, err
		}
		if up == nil {
			log.Printf("Warning: source batch %s of %s not found", *next, b.ID)
			break
		}
		_, upHours, upCost, err := bt.price(ctx, up, now)
		if err != nil {
			return nil, err
		}
		r.Upstream = append(r.Upstream, BatchCost{
			BatchID:    up.ID,
			Name:       up.Name,
			Workflow:   up.Workflow,
			TotalItems: up.TotalItems,
			TotalHours: timer.Round2(upHours),
			LaborCost:  timer.Round2(upCost),
		})
		totalHours += upHours
		totalCost += upCost
		next = up.SourceBatchID
	}

	r.EndToEndHours = timer.Round2(totalHours)
	r.EndToEndLaborCost = timer.Round2(totalCost)
	r.EndToEndCostPerUnit = timer.Round2(perUnit(totalCost, b.TotalItems))
	return r, nil
}

// price folds ledger and live segments per user and applies rates.
func (bt *BatchTimers) price(ctx context.Context, b *model.Batch, now time.Time) ([]WorkerReport, float64, float64, error) {
	byUser := make(map[string]*WorkerReport)
	var order []string
	row := func(userID, userName string) *WorkerReport {
		wr, ok := byUser[userID]
		if !ok {
			wr = &WorkerReport{UserID: userID, UserName: userName}
			byUser[userID] = wr
			order = append(order, userID)
		}
		return wr
	}
	for _, s := range b.Ledger {
		wr := row(s.UserID, s.UserName)
		wr.Minutes += s.Minutes
		wr.Sessions++
	}
	for i := range b.ActiveWorkers {
		w := &b.ActiveWorkers[i]
		wr := row(w.UserID, w.UserName)
		wr.Minutes += timer.LiveMinutes(w, now)
		wr.Active = true
	}

	rates, err := bt.rates.Resolve(ctx, order)
	if err != nil {
		return nil, 0, 0, err
	}
	out := make([]WorkerReport, 0, len(order))
	var minutes, cost float64
	for _, id := range order {
		wr := byUser[id]
		rate := rates[id]
		c := wr.Minutes / 60 * rate.Hourly
		minutes += wr.Minutes
		cost += c
		wr.HourlyRate = rate.Hourly
		wr.RateSource = rate.Source
		wr.LaborCost = timer.Round2(c)
		wr.Hours = timer.Round2(wr.Minutes / 60)
		wr.Minutes = timer.Round2(wr.Minutes)
		out = append(out, *wr)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Minutes > out[j].Minutes })
	return out, minutes / 60, cost, nil
}

func perUnit(cost float64, units int) float64 {
	if units <= 0 {
		return 0
	}
	return cost / float64(units)
}
