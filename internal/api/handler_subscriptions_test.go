package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopfloor-backend/internal/model"
	"shopfloor-backend/internal/mw"
)

func setupSubscriptionRouter() *gin.Engine {
	r := gin.New()
	handler := &Handler{}
	r.PUT("/api/push/subscriptions", mw.Identity(), handler.PutSubscription)
	return r
}

func TestPutSubscription(t *testing.T) {
	router := setupSubscriptionRouter()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("PUT", "/api/push/subscriptions", nil)
	req.Header.Set(mw.HeaderUserID, "u1")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid request"}`, w.Body.String())
}

func TestSubscriptionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	body := `{"endpoint":"https://push.example.com/abc","p256dh":"key","auth":"secret"}`

	w := env.do(t, http.MethodPut, "/api/push/subscriptions", "u1", "", body)
	assert.Equal(t, http.StatusCreated, w.Code)

	// Re-registering the same endpoint moves it to the new user.
	w = env.do(t, http.MethodPut, "/api/push/subscriptions", "u2", "", body)
	assert.Equal(t, http.StatusCreated, w.Code)

	var subs []model.PushSubscription
	require.NoError(t, env.db.Find(&subs).Error)
	require.Len(t, subs, 1)
	assert.Equal(t, "u2", subs[0].UserID)

	w = env.do(t, http.MethodGet, "/api/push/subscriptions?endpoint=https://push.example.com/abc", "u1", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodGet, "/api/push/subscriptions?endpoint=https://push.example.com/abc", "u2", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, "/api/push/subscriptions", "u2", "", `{"endpoint":"https://push.example.com/abc"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	var count int64
	env.db.Model(&model.PushSubscription{}).Count(&count)
	assert.Zero(t, count)
}

func TestGetVAPIDPublicKey(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/push/vapid_public_key", "u1", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	r := gin.New()
	h := &Handler{webpush: &webpush.Options{VAPIDPublicKey: "BPub"}}
	r.GET("/key", h.GetVAPIDPublicKey)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/key", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"public_key":"BPub"}`, w.Body.String())
}
