package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopfloor-backend/config"
	"shopfloor-backend/internal/api"
	"shopfloor-backend/internal/db"
	"shopfloor-backend/internal/model"
	"shopfloor-backend/internal/mw"
	"shopfloor-backend/internal/store"
	"shopfloor-backend/internal/testutil"
)

// TestShiftLifecycle walks a shift through the HTTP surface: a production batch
// worked by two people, handed off to a fulfillment batch, a forgotten timer
// swept overnight, and the resulting reports.
func TestShiftLifecycle(t *testing.T) {
	// --- Test Setup ---
	gin.SetMode(gin.TestMode)
	gdb := testutil.NewTestDB(t)
	appStore := store.NewGormStore(gdb)
	require.NoError(t, appStore.SeedStages(context.Background(), db.DefaultStages))

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Server.RateLimitPerSec = 1000
	cfg.Server.RateLimitBurst = 1000

	clock := testutil.NewClock(time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC))
	handler := api.NewHandler(cfg, appStore, store.NewGormBatchStore(gdb), nil, clock.Now, nil)
	router := api.NewRouter(handler, cfg)

	call := func(method, path, user, role, body string) map[string]any {
		t.Helper()
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(mw.HeaderUserID, user)
		if role != "" {
			req.Header.Set(mw.HeaderUserRole, role)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Less(t, w.Code, 300, "%s %s: %s", method, path, w.Body.String())
		var out map[string]any
		if w.Code != http.StatusNoContent && w.Body.Len() > 0 {
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
		}
		return out
	}

	// --- Production batch with two workers ---
	call(http.MethodPut, "/api/admin/users/u1/rate", "boss", "admin", `{"hourly_rate":30}`)
	prod := call(http.MethodPost, "/api/batches", "lead", "", `{"workflow":"production","name":"P-1","stage_id":"cutting","total_items":10}`)
	prodID := prod["id"].(string)

	call(http.MethodPost, "/api/batches/"+prodID+"/start-timer", "u1", "", "")
	clock.Advance(30 * time.Minute)
	call(http.MethodPost, "/api/batches/"+prodID+"/start-timer", "u2", "", "")
	clock.Advance(30 * time.Minute)
	call(http.MethodPost, "/api/batches/"+prodID+"/move-stage?target_stage_id=quality-check", "lead", "", "")
	clock.Advance(30 * time.Minute)
	done := call(http.MethodPost, "/api/batches/"+prodID+"/complete", "u1", "", "")
	assert.Len(t, done["stopped_workers"], 2)

	// u1 worked 90 minutes at 30/h and u2 60 minutes at the default 15/h.
	report := call(http.MethodGet, "/api/batches/"+prodID+"/report", "lead", "", "")
	assert.InDelta(t, 2.5, report["total_hours"], 0.001)
	assert.InDelta(t, 60.0, report["labor_cost"], 0.001)
	assert.InDelta(t, 6.0, report["cost_per_unit"], 0.001)

	// --- Fulfillment batch sourced from the production batch ---
	ful := call(http.MethodPost, "/api/batches", "lead", "",
		`{"workflow":"fulfillment","name":"F-1","stage_id":"packing","total_items":10,"source_batch_id":"`+prodID+`"}`)
	fulID := ful["id"].(string)
	call(http.MethodPost, "/api/batches/"+fulID+"/start-timer", "u2", "", "")
	clock.Advance(60 * time.Minute)
	call(http.MethodPost, "/api/batches/"+fulID+"/stop-timer", "u2", "", "")

	report = call(http.MethodGet, "/api/batches/"+fulID+"/report", "lead", "", "")
	assert.InDelta(t, 15.0, report["labor_cost"], 0.001)
	assert.InDelta(t, 75.0, report["end_to_end_labor_cost"], 0.001)
	assert.InDelta(t, 7.5, report["end_to_end_cost_per_unit"], 0.001)

	// --- A stage timer left running overnight ---
	call(http.MethodPost, "/api/fulfillment/stages/labeling/start-timer", "u1", "", `{"order_id":"o-77"}`)
	clock.Advance(12 * time.Hour)
	swept := call(http.MethodPost, "/api/fulfillment/timers/auto-stop-inactive", "lead", "", "")
	assert.EqualValues(t, 1, swept["stopped_count"])

	active := call(http.MethodGet, "/api/fulfillment/user/active-timer", "u1", "", "")
	assert.Equal(t, false, active["has_active_timer"])

	sessions := call(http.MethodGet, "/api/fulfillment/admin/sessions?user_id=u1", "boss", "admin", "")
	require.EqualValues(t, 1, sessions["count"])
	sess := sessions["sessions"].([]any)[0].(map[string]any)
	assert.Equal(t, true, sess["auto_stopped"])
	assert.InDelta(t, 240.0, sess["duration_minutes"], 0.001)
	assert.Equal(t, "o-77", sess["order_id"])

	stats := call(http.MethodGet, "/api/fulfillment/stats/stage-kpis", "lead", "", "")
	rows := stats["rows"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "labeling", rows[0].(map[string]any)["stage_id"])

	// --- The audit trail saw every transition ---
	var events []model.TimerEvent
	require.NoError(t, gdb.Order("at").Find(&events).Error)
	actions := make(map[model.TimerAction]int)
	for _, ev := range events {
		actions[ev.Action]++
	}
	assert.Equal(t, 4, actions[model.ActionWorkerJoined])
	assert.Equal(t, 3, actions[model.ActionWorkerLeft])
	assert.Equal(t, 1, actions[model.ActionAutoStopped])
}
