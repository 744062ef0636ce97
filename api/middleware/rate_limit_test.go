package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
)

func checkoutBody(email string) string {
	return `{"amount":"18.50","items":["rec1"],"customer":{"email":"` + email + `"}}`
}

func TestRateLimitPassesBodyThrough(t *testing.T) {
	store, _ := newRedis(t)
	handler := RateLimit(NewRateLimitPolicy("checkout", time.Minute, 2, 2), store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), `"email":"buyer@example.com"`)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkouts", strings.NewReader(checkoutBody("buyer@example.com")))
	req.RemoteAddr = "1.2.3.4:5678"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitEmailLimit(t *testing.T) {
	store, _ := newRedis(t)
	handler := RateLimit(NewRateLimitPolicy("checkout", time.Minute, 0, 2), store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i, addr := range []string{"1.1.1.1:1", "2.2.2.2:2", "3.3.3.3:3"} {
		email := "Blocked@Example.com"
		if i == 1 {
			email = " blocked@example.com "
		}
		req := httptest.NewRequest(http.MethodPost, "/api/v1/checkouts", strings.NewReader(checkoutBody(email)))
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.Equal(t, string(pkgerrors.CodeRateLimit), errorCode(t, rec))
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimitIPLimit(t *testing.T) {
	store, _ := newRedis(t)
	handler := RateLimit(NewRateLimitPolicy("checkout", time.Minute, 1, 0), store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/checkouts", strings.NewReader(`{}`))
		req.Header.Set("X-Forwarded-For", forwarded)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, send("9.9.9.9"))
	assert.Equal(t, http.StatusTooManyRequests, send("9.9.9.9, 10.0.0.1"))
	assert.Equal(t, http.StatusOK, send("8.8.8.8"))
}

func TestRateLimitDisabledPolicy(t *testing.T) {
	handler := RateLimit(NewRateLimitPolicy("checkout", 0, 1, 1), nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/checkouts", strings.NewReader(`{}`)))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestRateLimitTellsClientWhenToRetry(t *testing.T) {
	store, _ := newRedis(t)
	handler := RateLimit(NewRateLimitPolicy("Checkout ", 90*time.Second, 1, 0), store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var last *httptest.ResponseRecorder
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/checkouts", strings.NewReader(`{}`))
		req.RemoteAddr = "4.4.4.4:1"
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, req)
	}
	require.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "90", last.Header().Get("Retry-After"))
}

func TestRateLimitSkipsBodyWithoutEmailCounter(t *testing.T) {
	policy := NewRateLimitPolicy("", time.Minute, 3, 0)
	assert.False(t, policy.needsBody())
	assert.Equal(t, "checkout", policy.name)
	assert.True(t, NewRateLimitPolicy("", time.Minute, 0, 3).needsBody())
}
