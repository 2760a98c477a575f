package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopfloor-backend/internal/model"
	"shopfloor-backend/internal/testutil"
)

func newTestBatch(t *testing.T, bs BatchStore) *model.Batch {
	t.Helper()
	b := &model.Batch{
		Workflow:         model.WorkflowProduction,
		Name:             "Batch 1",
		CurrentStageID:   "cutting",
		CurrentStageName: "Cutting",
		Status:           model.BatchStatusActive,
		TotalItems:       20,
	}
	require.NoError(t, bs.CreateBatch(context.Background(), b))
	require.NotEmpty(t, b.ID)
	return b
}

func TestGormBatchStore_MultiWorkerAdditivity(t *testing.T) {
	ctx := context.Background()
	bs := NewGormBatchStore(testutil.NewTestDB(t))
	b := newTestBatch(t, bs)
	t0 := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)

	added, err := bs.AddWorker(ctx, b.ID, model.BatchWorker{UserID: "a", UserName: "A", StartedAt: t0}, t0)
	require.NoError(t, err)
	require.True(t, added)
	added, err = bs.AddWorker(ctx, b.ID, model.BatchWorker{UserID: "b", UserName: "B", StartedAt: t0.Add(5 * time.Minute)}, t0.Add(5*time.Minute))
	require.NoError(t, err)
	require.True(t, added)

	added, err = bs.AddWorker(ctx, b.ID, model.BatchWorker{UserID: "a", UserName: "A", StartedAt: t0.Add(time.Hour)}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, added, "a is already active")

	got, err := bs.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, got.ActiveWorkers, 2)
	assert.True(t, got.TimerActive())
	assert.Equal(t, "a", got.AssignedTo)
	require.NotNil(t, got.TimerStartedAt)
	assert.True(t, got.TimerStartedAt.Equal(t0), "only the first worker starts the batch timer")
	require.NotNil(t, got.TimeStarted)
	assert.True(t, got.TimeStarted.Equal(t0))

	removed, err := bs.RemoveWorker(ctx, b.ID, "a", model.BatchWorkerSession{
		UserName: "A", StartedAt: t0, EndedAt: t0.Add(40 * time.Minute), Minutes: 40, StageID: "cutting", StageName: "Cutting",
	})
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = bs.RemoveWorker(ctx, b.ID, "b", model.BatchWorkerSession{
		UserName: "B", StartedAt: t0.Add(5 * time.Minute), EndedAt: t0.Add(30 * time.Minute), Minutes: 25, StageID: "cutting", StageName: "Cutting",
	})
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = bs.RemoveWorker(ctx, b.ID, "b", model.BatchWorkerSession{Minutes: 25, EndedAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, removed, "b already left")

	got, err = bs.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ActiveWorkers)
	assert.False(t, got.TimerActive())
	assert.True(t, got.TimerPaused())
	assert.InDelta(t, 65, got.AccumulatedMinutes, 1e-9)

	wt := got.WorkersTime()
	require.Len(t, wt, 2)
	assert.InDelta(t, 40, wt["a"].TotalMinutes, 1e-9)
	assert.InDelta(t, 25, wt["b"].TotalMinutes, 1e-9)
	assert.Len(t, wt["a"].Sessions, 1)
}

func TestGormBatchStore_UpdateWorkerIsConditional(t *testing.T) {
	ctx := context.Background()
	bs := NewGormBatchStore(testutil.NewTestDB(t))
	b := newTestBatch(t, bs)
	t0 := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)

	_, err := bs.AddWorker(ctx, b.ID, model.BatchWorker{UserID: "a", StartedAt: t0}, t0)
	require.NoError(t, err)

	ok, err := bs.UpdateWorker(ctx, b.ID, model.BatchWorker{UserID: "a", StartedAt: t0, AccumulatedMinutes: 10, IsPaused: true}, false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = bs.UpdateWorker(ctx, b.ID, model.BatchWorker{UserID: "a", StartedAt: t0, AccumulatedMinutes: 99, IsPaused: true}, false)
	require.NoError(t, err)
	assert.False(t, ok, "entry is no longer running")

	got, err := bs.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	w, found := got.Worker("a")
	require.True(t, found)
	assert.Equal(t, 10.0, w.AccumulatedMinutes)
	assert.True(t, got.TimerPaused())
}

func TestGormBatchStore_MoveStageKeepsWorkers(t *testing.T) {
	ctx := context.Background()
	bs := NewGormBatchStore(testutil.NewTestDB(t))
	b := newTestBatch(t, bs)
	t0 := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)

	_, err := bs.AddWorker(ctx, b.ID, model.BatchWorker{UserID: "a", StartedAt: t0}, t0)
	require.NoError(t, err)
	require.NoError(t, bs.CompleteItem(ctx, b.ID, "cutting", "item-1", t0.Add(time.Minute)))

	got, err := bs.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.StageProgress["cutting"]["item-1"])

	require.NoError(t, bs.MoveStage(ctx, b.ID, "sewing", "Sewing", t0.Add(10*time.Minute)))

	got, err = bs.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "sewing", got.CurrentStageID)
	assert.Equal(t, "Sewing", got.CurrentStageName)
	assert.Empty(t, got.StageProgress)
	require.Len(t, got.ActiveWorkers, 1)
	assert.True(t, got.ActiveWorkers[0].StartedAt.Equal(t0))
	assert.Empty(t, got.Ledger)
}

func TestGormBatchStore_MarkCompletedOnce(t *testing.T) {
	ctx := context.Background()
	bs := NewGormBatchStore(testutil.NewTestDB(t))
	b := newTestBatch(t, bs)
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	ok, err := bs.MarkCompleted(ctx, b.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = bs.MarkCompleted(ctx, b.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := bs.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	added, err := bs.AddWorker(ctx, b.ID, model.BatchWorker{UserID: "late", StartedAt: now}, now)
	assert.ErrorIs(t, err, ErrBatchCompleted)
	assert.False(t, added)

	got, err = bs.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ActiveWorkers)
}

func TestGormBatchStore_ParallelAddRemove(t *testing.T) {
	ctx := context.Background()
	bs := NewGormBatchStore(testutil.NewTestDB(t))
	b := newTestBatch(t, bs)
	t0 := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)

	const n = 10
	parallel := func(op func(user string) (bool, error)) {
		var wg sync.WaitGroup
		results := make([]bool, n)
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = op(fmt.Sprintf("w%d", i))
			}(i)
		}
		wg.Wait()
		for i := 0; i < n; i++ {
			require.NoError(t, errs[i])
			assert.True(t, results[i])
		}
	}

	parallel(func(user string) (bool, error) {
		return bs.AddWorker(ctx, b.ID, model.BatchWorker{UserID: user, StartedAt: t0}, t0)
	})
	got, err := bs.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, got.ActiveWorkers, n)

	parallel(func(user string) (bool, error) {
		return bs.RemoveWorker(ctx, b.ID, user, model.BatchWorkerSession{
			StartedAt: t0, EndedAt: t0.Add(30 * time.Minute), Minutes: 30, StageID: "cutting",
		})
	})
	got, err = bs.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ActiveWorkers)
	assert.Len(t, got.Ledger, n)
	assert.InDelta(t, 300, got.AccumulatedMinutes, 1e-9)
}

func TestGormBatchStore_ActiveWorkersAndLedger(t *testing.T) {
	ctx := context.Background()
	bs := NewGormBatchStore(testutil.NewTestDB(t))
	b1 := newTestBatch(t, bs)
	b2 := newTestBatch(t, bs)
	t0 := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)

	_, err := bs.AddWorker(ctx, b1.ID, model.BatchWorker{UserID: "a", StartedAt: t0}, t0)
	require.NoError(t, err)
	_, err = bs.AddWorker(ctx, b2.ID, model.BatchWorker{UserID: "b", StartedAt: t0}, t0)
	require.NoError(t, err)
	_, err = bs.RemoveWorker(ctx, b2.ID, "b", model.BatchWorkerSession{StartedAt: t0, EndedAt: t0.Add(time.Hour), Minutes: 60})
	require.NoError(t, err)

	active, err := bs.ListActiveWorkers(ctx, model.WorkflowProduction)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].Worker.UserID)
	assert.Equal(t, b1.ID, active[0].BatchID)
	assert.Equal(t, "cutting", active[0].StageID)

	ledger, err := bs.LedgerForUser(ctx, "b", t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, 60.0, ledger[0].Minutes)
	assert.Equal(t, b2.ID, ledger[0].BatchID)

	ledger, err = bs.LedgerForUser(ctx, "b", t0.Add(2*time.Hour), t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ledger)
}

func TestValidKey(t *testing.T) {
	for k, want := range map[string]bool{
		"item-1": true,
		"SKU_42": true,
		"price$": true,
		"":       false,
		"a.b":    false,
		"$set":   false,
		"a\x00b": false,
	} {
		assert.Equal(t, want, ValidKey(k), k)
	}
}
