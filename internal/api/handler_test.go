package api

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
	"gorm.io/gorm"

	"shopfloor-backend/config"
	"shopfloor-backend/internal/db"
	"shopfloor-backend/internal/mw"
	"shopfloor-backend/internal/store"
	"shopfloor-backend/internal/testutil"
)

type testEnv struct {
	db     *gorm.DB
	clock  *testutil.Clock
	router *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb := testutil.NewTestDB(t)
	s := store.NewGormStore(gdb)
	require.NoError(t, s.SeedStages(context.Background(), db.DefaultStages))

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Server.RateLimitPerSec = 1000
	cfg.Server.RateLimitBurst = 1000

	clock := testutil.NewClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	h := NewHandler(cfg, s, store.NewGormBatchStore(gdb), nil, clock.Now, nil)
	return &testEnv{db: gdb, clock: clock, router: NewRouter(h, cfg)}
}

func (e *testEnv) do(t *testing.T, method, path, userID, role, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(mw.HeaderUserID, userID)
		req.Header.Set(mw.HeaderUserName, strings.ToUpper(userID))
	}
	if role != "" {
		req.Header.Set(mw.HeaderUserRole, role)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/healthz", "", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRequiresIdentity(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/production/stages", "", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetStages(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/fulfillment/stages", "u1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stages []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stages))
	assert.Len(t, stages, 3)
	assert.Equal(t, "picking", stages[0]["id"])

	w = env.do(t, http.MethodGet, "/api/warehouse/stages", "u1", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStageTimerFlow(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/production/stages/cutting/start-timer?order_id=o-1", "u1", "", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/fulfillment/stages/picking/start-timer", "u1", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["error"], "already has an active timer")

	w = env.do(t, http.MethodGet, "/api/fulfillment/user/active-timer", "u1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["has_active_timer"])
	assert.Equal(t, "cutting", body["timer"].(map[string]any)["stage_id"])
	assert.Equal(t, "o-1", body["timer"].(map[string]any)["order_id"])

	env.clock.Advance(30 * time.Minute)
	w = env.do(t, http.MethodPost, "/api/production/stages/cutting/stop-timer?items_processed=12", "u1", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.InDelta(t, 30.0, decode(t, w)["duration_minutes"], 0.001)

	w = env.do(t, http.MethodGet, "/api/production/stats/overall-kpis?period=today", "u1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.InDelta(t, 24.0, body["items_per_hour"], 0.001)
	assert.InDelta(t, 0.5, body["total_hours"], 0.001)
	assert.NotContains(t, body, "labor_cost")
	assert.EqualValues(t, 0, body["costed_sessions"])

	w = env.do(t, http.MethodGet, "/api/production/stats/user-kpis", "u1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	rows := decode(t, w)["rows"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "u1", rows[0].(map[string]any)["user_id"])
}

func TestStageTimerErrors(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/production/stages/nope/start-timer", "u1", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/production/stages/cutting/pause-timer", "u1", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"no active timer on stage cutting"}`, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/production/stages/cutting/resume-timer", "u1", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/production/stages/cutting/stop-timer", "u1", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"no active timer found"}`, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/production/stages/cutting/stop-timer?items_processed=many", "u1", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/production/stages/cutting/start-timer", "u1", "", "").Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/production/stages/cutting/pause-timer", "u1", "", "").Code)
	w = env.do(t, http.MethodPost, "/api/production/stages/cutting/pause-timer", "u1", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestActiveWorkersEndpoint(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/production/stages/sewing/start-timer", "u1", "", "").Code)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/production/stages/sewing/start-timer", "u2", "", "").Code)

	w := env.do(t, http.MethodGet, "/api/production/stages/sewing/active-workers", "u3", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["count"])
}

func TestAdminSessionsRequireRole(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/production/admin/sessions", "u1", "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	body := `{"user_id":"u1","stage_id":"cutting","started_at":"2026-03-01T08:00:00Z","completed_at":"2026-03-01T10:00:00Z","items_processed":40}`
	w = env.do(t, http.MethodPost, "/api/production/admin/sessions", "boss", "admin", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode(t, w)["session_id"].(string)
	assert.InDelta(t, 120.0, decode(t, w)["duration_minutes"], 0.001)

	w = env.do(t, http.MethodPatch, "/api/production/admin/sessions/"+id, "boss", "admin", `{"items_processed":50}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 50, decode(t, w)["items_processed"])

	w = env.do(t, http.MethodGet, "/api/production/admin/sessions?user_id=u1&status=closed", "boss", "admin", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	// Sessions are scoped to the family they were recorded in.
	w = env.do(t, http.MethodDelete, "/api/fulfillment/admin/sessions/"+id, "boss", "admin", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodDelete, "/api/production/admin/sessions/"+id, "boss", "admin", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/api/production/admin/sessions?status=maybe", "boss", "admin", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSetUserRate(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPut, "/api/admin/users/u1/rate", "u1", "", `{"hourly_rate":99}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPut, "/api/admin/users/u1/rate", "boss", "admin", `{"hourly_rate":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/admin/users/u1/rate", "boss", "admin", `{"hourly_rate":22.5}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 22.5, decode(t, w)["hourly_rate"], 0.001)
}

func TestDailyHoursEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/production/user/daily-hours-check", "u1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["exceeded"])
	assert.Equal(t, "2026-03-02", body["date"])

	w = env.do(t, http.MethodPost, "/api/production/user/acknowledge-limit-exceeded", "u1", "", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/production/user/acknowledge-limit-exceeded", "u1", "", `{"continue_working":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["end_shift"])
}

func TestBatchEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/batches", "lead", "",
		`{"workflow":"production","name":"B-7","stage_id":"cutting","total_items":20}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode(t, w)["id"].(string)

	w = env.do(t, http.MethodPost, "/api/batches/"+id+"/start-timer", "u1", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = env.do(t, http.MethodPost, "/api/batches/"+id+"/start-timer", "u1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "already working on this batch", decode(t, w)["message"])

	// The batch claim blocks stage timers too.
	w = env.do(t, http.MethodPost, "/api/production/stages/sewing/start-timer", "u1", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env.clock.Advance(45 * time.Minute)
	w = env.do(t, http.MethodPost, "/api/batches/"+id+"/move-stage", "lead", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodPost, "/api/batches/"+id+"/move-stage?target_stage_id=sewing", "lead", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "sewing", body["current_stage_id"])
	assert.Equal(t, true, body["timer_active"])

	w = env.do(t, http.MethodPost, "/api/batches/"+id+"/items/seam-1/complete", "u1", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	progress := decode(t, w)["stage_progress"].(map[string]any)
	assert.Equal(t, map[string]any{"seam-1": true}, progress["sewing"])
	w = env.do(t, http.MethodPost, "/api/batches/"+id+"/items/seam.1/complete", "u1", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/production/user/active-timer", "u1", "", "")
	timer := decode(t, w)["timer"].(map[string]any)
	assert.Equal(t, "batch", timer["kind"])
	assert.Equal(t, "sewing", timer["stage_id"])

	w = env.do(t, http.MethodPost, "/api/batches/"+id+"/stop-timer", "u1", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	session := decode(t, w)["session"].(map[string]any)
	assert.InDelta(t, 45.0, session["minutes"], 0.001)

	w = env.do(t, http.MethodPost, "/api/batches/"+id+"/stop-timer", "u1", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/batches/"+id+"/report", "lead", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	report := decode(t, w)
	assert.InDelta(t, 0.75, report["total_hours"], 0.001)

	w = env.do(t, http.MethodPost, "/api/batches/"+id+"/complete", "lead", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodPost, "/api/batches/"+id+"/start-timer", "u1", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/batches/missing", "lead", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/batches?workflow=production&status=completed", "lead", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestAutoStopInactiveEndpoint(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/production/stages/cutting/start-timer", "u1", "", "").Code)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/fulfillment/stages/picking/start-timer", "u2", "", "").Code)

	env.clock.Advance(10 * time.Hour)
	w := env.do(t, http.MethodPost, "/api/production/timers/auto-stop-inactive", "boss", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["stopped_count"])

	w = env.do(t, http.MethodGet, "/api/fulfillment/user/active-timer", "u2", "", "")
	assert.Equal(t, true, decode(t, w)["has_active_timer"])
}
