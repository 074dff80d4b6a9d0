package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/discernus/discernus/api/handlers"
	"github.com/discernus/discernus/artifact"
	"github.com/discernus/discernus/config"
	"github.com/discernus/discernus/orchestrator"
)

func newTestRouter(t *testing.T, sc config.ServerConfig, checks ...handlers.HealthCheck) (http.Handler, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := artifact.NewMemoryStore()
	hash, err := store.Put(ctx, []byte("framework"))
	require.NoError(t, err)

	manifests := orchestrator.NewManifestStore(nil, 0, t.TempDir(), zap.NewNop())
	require.NoError(t, manifests.Save(ctx, &orchestrator.Manifest{
		RunID:       "run-1",
		TotalStages: 4,
		RunStatus:   orchestrator.StatusCompleted,
		Timestamp:   time.Now().UTC(),
	}))

	return newRouter(ctx, routerDeps{
		cfg:       sc,
		store:     store,
		manifests: manifests,
		checks:    checks,
		logger:    zap.NewNop(),
	}), hash
}

func TestRouter_APIKey(t *testing.T) {
	h, hash := newTestRouter(t, config.ServerConfig{APIKeys: []string{"secret"}})

	get := func(path, key string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		if key != "" {
			r.Header.Set("X-API-Key", key)
		}
		return serve(h, r)
	}

	// 探针无需认证
	assert.Equal(t, http.StatusOK, get("/health", "").Code)
	assert.Equal(t, http.StatusOK, get("/ready", "").Code)
	assert.Equal(t, http.StatusOK, get("/version", "").Code)

	assert.Equal(t, http.StatusUnauthorized, get("/api/v1/runs/run-1/manifest", "").Code)

	w := get("/api/v1/runs/run-1/manifest", "secret")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"run_status":"COMPLETED"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = get("/api/v1/artifacts/"+hash, "secret")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "framework", w.Body.String())

	// 未配置账本
	assert.Equal(t, http.StatusServiceUnavailable, get("/api/v1/runs", "secret").Code)

	assert.Equal(t, http.StatusMethodNotAllowed, serve(h, func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil)
		r.Header.Set("X-API-Key", "secret")
		return r
	}()).Code)
}

func TestRouter_ReadyReportsFailingCheck(t *testing.T) {
	h, _ := newTestRouter(t, config.ServerConfig{},
		handlers.NewCheck("redis", func(context.Context) error { return nil }),
		handlers.NewCheck("database", func(context.Context) error { return errors.New("connection refused") }),
	)

	w := serve(h, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestRouter_RateLimited(t *testing.T) {
	h, _ := newTestRouter(t, config.ServerConfig{RateLimitRPS: 1, RateLimitBurst: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.RemoteAddr = "192.0.2.1:1234"
		codes = append(codes, serve(h, r).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
