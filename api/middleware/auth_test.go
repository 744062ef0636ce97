package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/auth"
	"github.com/dvhzldn/almond-river-records-sub000/pkg/config"
)

var internalCfg = config.InternalConfig{JWTSecret: "secret", JWTIssuer: "almond-fulfillment"}

func guarded(cfg config.InternalConfig, caller *string) http.Handler {
	return InternalAuth(cfg, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*caller = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
}

func TestInternalAuthRejectsMissingAndInvalidTokens(t *testing.T) {
	var caller string
	handler := guarded(internalCfg, &caller)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/fulfillments", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/internal/fulfillments", nil)
	req.Header.Set("Authorization", "Bearer invalid")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInternalAuthAcceptsServiceToken(t *testing.T) {
	token, err := auth.MintServiceToken(internalCfg, time.Now(), "cron-worker", time.Minute)
	require.NoError(t, err)

	var caller string
	req := httptest.NewRequest(http.MethodPost, "/internal/fulfillments", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	guarded(internalCfg, &caller).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cron-worker", caller)
}

func TestInternalAuthOpenWithoutSecret(t *testing.T) {
	var caller string
	rec := httptest.NewRecorder()
	guarded(config.InternalConfig{}, &caller).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/fulfillments", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, caller)
}
