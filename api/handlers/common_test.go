package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/discernus/discernus/internal/ctxkeys"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusAccepted, map[string]string{"message": "hello"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.JSONEq(t, `{"message":"hello"}`, w.Body.String())
}

func TestWriteSuccess_CarriesRequestID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(ctxkeys.WithRequestID(r.Context(), "req-1"))
	w := httptest.NewRecorder()

	WriteSuccess(w, r, []int{1, 2})

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Nil(t, resp.Error)
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		code      string
		retryable bool
	}{
		{"bad request", http.StatusBadRequest, CodeInvalidRequest, false},
		{"not found", http.StatusNotFound, CodeNotFound, false},
		{"unavailable", http.StatusServiceUnavailable, CodeUnavailable, true},
		{"internal", http.StatusInternalServerError, CodeInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			WriteError(w, r, tt.status, tt.code, "boom", errors.New("cause"), zap.NewNop())

			assert.Equal(t, tt.status, w.Code)
			var resp Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Equal(t, "boom", resp.Error.Message)
			assert.Equal(t, tt.retryable, resp.Error.Retryable)
		})
	}
}

func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusInternalServerError)
	n, err := rw.Write([]byte("hello"))

	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, http.StatusCreated, rw.StatusCode)
	assert.Equal(t, int64(5), rw.BytesWritten)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestResponseWriter_ImplicitOK(t *testing.T) {
	rw := NewResponseWriter(httptest.NewRecorder())
	_, _ = rw.Write([]byte("x"))
	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.True(t, rw.Written)
}
