package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopfloor-backend/config"
	"shopfloor-backend/internal/db"
	"shopfloor-backend/internal/model"
	"shopfloor-backend/internal/service"
	"shopfloor-backend/internal/store"
	"shopfloor-backend/internal/testutil"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent map[string]int
}

func (f *fakeNotifier) Notify(userID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[string]int)
	}
	f.sent[userID]++
}

type fixture struct {
	store    store.Store
	batches  store.BatchStore
	clock    *testutil.Clock
	notifier *fakeNotifier
	stages   *service.StageTimers
	bt       *service.BatchTimers
	sweeper  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := testutil.NewTestDB(t)
	s := store.NewGormStore(gdb)
	require.NoError(t, s.SeedStages(context.Background(), db.DefaultStages))
	bs := store.NewGormBatchStore(gdb)

	cfg := &config.Config{}
	cfg.ApplyDefaults()

	clock := testutil.NewClock(time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC))
	notifier := &fakeNotifier{}
	rates := service.NewRateBook(s, time.Minute, cfg.Timers.DefaultHourlyRate)
	bt := service.NewBatchTimers(s, bs, rates, notifier, clock.Now)

	return &fixture{
		store:    s,
		batches:  bs,
		clock:    clock,
		notifier: notifier,
		stages:   service.NewStageTimers(model.WorkflowProduction, s, bs, clock.Now),
		bt:       bt,
		sweeper:  NewService(cfg, s, bs, bt, notifier, clock.Now),
	}
}

func TestSweepOnce_StopsLongRunningSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale, err := f.stages.Start(ctx, model.User{ID: "u1", Name: "Alice"}, "cutting", service.StartOptions{})
	require.NoError(t, err)
	f.clock.Advance(6 * time.Hour)

	// Started later, so still under the threshold.
	_, err = f.stages.Start(ctx, model.User{ID: "u2", Name: "Bob"}, "sewing", service.StartOptions{})
	require.NoError(t, err)
	// Paused sessions are never swept.
	_, err = f.stages.Start(ctx, model.User{ID: "u3", Name: "Carol"}, "cutting", service.StartOptions{})
	require.NoError(t, err)
	_, err = f.stages.Pause(ctx, model.User{ID: "u3", Name: "Carol"}, "cutting")
	require.NoError(t, err)

	f.clock.Advance(4 * time.Hour)

	res, err := f.sweeper.SweepOnce(ctx, model.WorkflowProduction)
	require.NoError(t, err)
	assert.Equal(t, Result{Sessions: 1}, res)

	sess, err := f.store.GetSession(ctx, stale.ID)
	require.NoError(t, err)
	require.NotNil(t, sess.CompletedAt)
	assert.True(t, sess.AutoStopped)
	assert.InDelta(t, 240.0, *sess.DurationMinutes, 0.001)
	assert.Contains(t, sess.AutoStopReason, "240 minutes")

	claim, err := f.store.GetOpenTimer(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, claim)
	assert.Equal(t, 1, f.notifier.sent["u1"])
	assert.Zero(t, f.notifier.sent["u2"])

	// A second sweep finds nothing new.
	res, err = f.sweeper.SweepOnce(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, res.Total())
}

func TestSweepOnce_CapsBatchWorkers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.bt.Create(ctx, service.CreateBatchInput{
		Workflow:   model.WorkflowFulfillment,
		Name:       "Night pick",
		StageID:    "picking",
		TotalItems: 50,
	})
	require.NoError(t, err)
	_, _, err = f.bt.Join(ctx, model.User{ID: "u1", Name: "Alice"}, b.ID)
	require.NoError(t, err)
	f.clock.Advance(9 * time.Hour)

	// Scoped sweeps leave other workflows alone.
	res, err := f.sweeper.SweepOnce(ctx, model.WorkflowProduction)
	require.NoError(t, err)
	assert.Zero(t, res.Total())

	res, err = f.sweeper.SweepOnce(ctx, model.WorkflowFulfillment)
	require.NoError(t, err)
	assert.Equal(t, Result{BatchWorkers: 1}, res)

	batch, err := f.batches.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, batch.ActiveWorkers)
	require.Len(t, batch.Ledger, 1)
	assert.True(t, batch.Ledger[0].AutoStopped)
	assert.InDelta(t, 240.0, batch.Ledger[0].Minutes, 0.001)

	claim, err := f.store.GetOpenTimer(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, claim)
	assert.Equal(t, 1, f.notifier.sent["u1"])
}

func TestRun_DisabledReturnsImmediately(t *testing.T) {
	f := newFixture(t)
	f.sweeper.cfg.Timers.SweepEnabled = false

	done := make(chan struct{})
	go func() {
		f.sweeper.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return with the sweeper disabled")
	}
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	f.sweeper.cfg.Timers.SweepEnabled = true
	f.sweeper.cfg.Timers.SweepInterval = 10 * time.Millisecond

	_, err := f.stages.Start(context.Background(), model.User{ID: "u1"}, "cutting", service.StartOptions{})
	require.NoError(t, err)
	f.clock.Advance(5 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sweeper.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		claim, err := f.store.GetOpenTimer(context.Background(), "u1")
		return err == nil && claim == nil
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
