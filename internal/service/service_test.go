package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"shopfloor-backend/internal/db"
	"shopfloor-backend/internal/model"
	"shopfloor-backend/internal/store"
	"shopfloor-backend/internal/testutil"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu       sync.Mutex
	messages map[string][]string
}

func (n *recordingNotifier) Notify(userID, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.messages == nil {
		n.messages = make(map[string][]string)
	}
	n.messages[userID] = append(n.messages[userID], message)
}

type testEnv struct {
	db       *gorm.DB
	store    store.Store
	batches  store.BatchStore
	clock    *testutil.Clock
	notifier *recordingNotifier
	rates    *RateBook
	stages   *StageTimers
	fstages  *StageTimers
	bt       *BatchTimers
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gdb := testutil.NewTestDB(t)
	s := store.NewGormStore(gdb)
	require.NoError(t, s.SeedStages(context.Background(), db.DefaultStages))
	bs := store.NewGormBatchStore(gdb)
	clock := testutil.NewClock(t0)
	notifier := &recordingNotifier{}
	rates := NewRateBook(s, time.Minute, 15)

	return &testEnv{
		db:       gdb,
		store:    s,
		batches:  bs,
		clock:    clock,
		notifier: notifier,
		rates:    rates,
		stages:   NewStageTimers(model.WorkflowProduction, s, bs, clock.Now),
		fstages:  NewStageTimers(model.WorkflowFulfillment, s, bs, clock.Now),
		bt:       NewBatchTimers(s, bs, rates, notifier, clock.Now),
	}
}

func (e *testEnv) newBatch(t *testing.T, name, stageID string, items int, source *string) *BatchView {
	t.Helper()
	b, err := e.bt.Create(context.Background(), CreateBatchInput{
		Workflow:      model.WorkflowProduction,
		Name:          name,
		StageID:       stageID,
		TotalItems:    items,
		SourceBatchID: source,
	})
	require.NoError(t, err)
	return b
}

var (
	alice = model.User{ID: "u1", Name: "Alice"}
	bob   = model.User{ID: "u2", Name: "Bob"}
	carol = model.User{ID: "u3", Name: "Carol"}
	boss  = model.User{ID: "admin", Name: "Boss", Role: model.RoleAdmin}
)
