package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/redis"
)

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	return redis.Wrap(goredis.NewClient(&goredis.Options{Addr: srv.Addr()})), srv
}

func requestWithPattern(method, url, pattern string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, url, body)
	rc := chi.NewRouteContext()
	rc.RoutePatterns = []string{pattern}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
}

func checkoutRequest(body, key string) *http.Request {
	req := requestWithPattern(http.MethodPost, "/api/v1/checkouts", "/api/v1/checkouts", strings.NewReader(body))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload.Error.Code
}

func TestReplayRuleSelection(t *testing.T) {
	rule, ok := matchReplayRule(requestWithPattern(http.MethodPost, "/api/v1/checkouts", "/api/v1/checkouts", nil))
	assert.True(t, ok)
	assert.Equal(t, checkoutReplayTTL, rule.ttl)

	_, ok = matchReplayRule(requestWithPattern(http.MethodGet, "/api/v1/checkouts/ref-1/status", "/api/v1/checkouts/{reference}/status", nil))
	assert.False(t, ok)
	_, ok = matchReplayRule(requestWithPattern(http.MethodPost, "/internal/fulfillments", "/internal/fulfillments", nil))
	assert.False(t, ok)
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	store, _ := newRedis(t)
	called := false
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, checkoutRequest(`{"amount":"10"}`, ""))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, called)
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	store, _ := newRedis(t)
	calls := 0
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"reference":"ref-1"}}`))
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, checkoutRequest(`{"amount":"10"}`, "abc"))
	require.Equal(t, http.StatusCreated, first.Code)

	replay := httptest.NewRecorder()
	handler.ServeHTTP(replay, checkoutRequest(`{"amount":"10"}`, "abc"))
	assert.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "application/json", replay.Header().Get("Content-Type"))
	assert.Equal(t, `{"data":{"reference":"ref-1"}}`, strings.TrimSpace(replay.Body.String()))
	assert.Equal(t, "true", replay.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, 1, calls)
}

func TestIdempotencyRejectsDuplicateWhileFirstIsRunning(t *testing.T) {
	store, _ := newRedis(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		close(entered)
		<-release
		w.WriteHeader(http.StatusCreated)
	}))

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, checkoutRequest(`{"amount":"10"}`, "dup"))
		done <- rec
	}()
	<-entered

	dup := httptest.NewRecorder()
	handler.ServeHTTP(dup, checkoutRequest(`{"amount":"10"}`, "dup"))
	assert.Equal(t, http.StatusConflict, dup.Code)
	assert.Equal(t, string(pkgerrors.CodeConflict), errorCode(t, dup))

	close(release)
	assert.Equal(t, http.StatusCreated, (<-done).Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotencyFreesKeyAfterServerError(t *testing.T) {
	store, srv := newRedis(t)
	calls := 0
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, checkoutRequest(`{"amount":"10"}`, "retry-me"))
	require.Equal(t, http.StatusServiceUnavailable, first.Code)
	assert.False(t, srv.Exists(store.IdempotencyKey("checkout", "retry-me")))

	retry := httptest.NewRecorder()
	handler.ServeHTTP(retry, checkoutRequest(`{"amount":"10"}`, "retry-me"))
	assert.Equal(t, http.StatusCreated, retry.Code)
	assert.Equal(t, 2, calls)
	assert.Equal(t, checkoutReplayTTL, srv.TTL(store.IdempotencyKey("checkout", "retry-me")))
}

func TestIdempotencyDetectsBodyChange(t *testing.T) {
	store, _ := newRedis(t)
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), checkoutRequest(`{"amount":"10"}`, "xyz"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, checkoutRequest(`{"amount":"99"}`, "xyz"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(pkgerrors.CodeIdempotency), errorCode(t, rec))
}

func TestIdempotencyIgnoresOtherRoutes(t *testing.T) {
	store, _ := newRedis(t)
	calls := 0
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	for i := 0; i < 2; i++ {
		req := requestWithPattern(http.MethodPost, "/internal/fulfillments", "/internal/fulfillments", strings.NewReader(`{}`))
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, 2, calls)
}

func TestIdempotencyRedisDown(t *testing.T) {
	store, srv := newRedis(t)
	srv.Close()
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, checkoutRequest(`{}`, "k"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
