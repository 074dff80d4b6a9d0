package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHealthHandler_HandleHealth(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	h.RegisterCheck(NewCheck("redis", func(context.Context) error { return errors.New("down") }))

	w := httptest.NewRecorder()
	h.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	// 存活探针不执行就绪检查
	assert.Equal(t, http.StatusOK, w.Code)
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "healthy", status.Status)
	assert.False(t, status.Timestamp.IsZero())
}

func TestHealthHandler_HandleReady(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]error
		wantStatus int
		want       string
	}{
		{"no checks", nil, http.StatusOK, "healthy"},
		{"all pass", map[string]error{"redis": nil, "database": nil}, http.StatusOK, "healthy"},
		{"one fails", map[string]error{"redis": nil, "database": errors.New("connection refused")}, http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(nil)
			for name, err := range tt.checks {
				h.RegisterCheck(NewCheck(name, func(context.Context) error { return err }))
			}

			w := httptest.NewRecorder()
			h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			var status HealthStatus
			require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
			assert.Equal(t, tt.want, status.Status)
			assert.Len(t, status.Checks, len(tt.checks))
			for name, err := range tt.checks {
				if err != nil {
					assert.Equal(t, "fail", status.Checks[name].Status)
					assert.Equal(t, err.Error(), status.Checks[name].Message)
				} else {
					assert.Equal(t, "pass", status.Checks[name].Status)
				}
			}
		})
	}
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleVersion("1.2.0", "2025-03-01T00:00:00Z", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1.2.0", data["version"])
	assert.Equal(t, "abc123", data["git_commit"])
}

func TestHealthHandler_ConcurrentReady(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	for _, name := range []string{"a", "b", "c"} {
		h.RegisterCheck(NewCheck(name, func(context.Context) error { return nil }))
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, http.StatusOK, w.Code)
		}()
	}
	wg.Wait()
}
