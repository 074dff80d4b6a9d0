package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/discernus/discernus/config"
	"github.com/discernus/discernus/internal/ctxkeys"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// subjectEcho 把调用方身份写回响应体
var subjectEcho = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	sub, _ := ctxkeys.Subject(r.Context())
	_, _ = w.Write([]byte(sub))
})

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(SecurityHeaders()(okHandler), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
}

func TestRequestID(t *testing.T) {
	var seen string
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ctxkeys.RequestID(r.Context())
	}), SecurityHeaders(), RequestID())

	w := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Regexp(t, `^req-[0-9a-f]{32}$`, w.Header().Get("X-Request-ID"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), seen)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "upstream-42")
	w = serve(h, r)
	assert.Equal(t, "upstream-42", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "upstream-42", seen)
}

func TestRecovery(t *testing.T) {
	h := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestAPIKeyAuth(t *testing.T) {
	h := APIKeyAuth([]string{"k1", "k2"}, publicPaths)(subjectEcho)

	t.Run("public path", func(t *testing.T) {
		w := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing key", func(t *testing.T) {
		w := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
		r.Header.Set("X-API-Key", "k3")
		assert.Equal(t, http.StatusUnauthorized, serve(h, r).Code)
	})

	t.Run("valid key", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
		r.Header.Set("X-API-Key", "k2")
		w := serve(h, r)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Regexp(t, `^key:[0-9a-f]{8}$`, w.Body.String())
		assert.NotContains(t, w.Body.String(), "k2")
	})
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestJWTAuth(t *testing.T) {
	cfg := config.JWTConfig{Secret: "s3cret", Issuer: "discernus", Audience: "ops"}
	h := JWTAuth(cfg, publicPaths, zap.NewNop())(subjectEcho)
	now := time.Now()

	valid := jwt.MapClaims{
		"sub": "analyst@lab",
		"iss": "discernus",
		"aud": "ops",
		"exp": now.Add(time.Hour).Unix(),
	}

	tests := []struct {
		name   string
		header string
		path   string
		want   int
		body   string
	}{
		{name: "public path", path: "/ready", want: http.StatusOK},
		{name: "missing header", path: "/api/v1/runs", want: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", path: "/api/v1/runs", want: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + signHS256(t, "s3cret", valid), path: "/api/v1/runs", want: http.StatusOK, body: "analyst@lab"},
		{name: "wrong secret", header: "Bearer " + signHS256(t, "other", valid), path: "/api/v1/runs", want: http.StatusUnauthorized},
		{
			name: "expired",
			header: "Bearer " + signHS256(t, "s3cret", jwt.MapClaims{
				"sub": "analyst@lab", "iss": "discernus", "aud": "ops",
				"exp": now.Add(-time.Minute).Unix(),
			}),
			path: "/api/v1/runs",
			want: http.StatusUnauthorized,
		},
		{
			name: "wrong issuer",
			header: "Bearer " + signHS256(t, "s3cret", jwt.MapClaims{
				"sub": "analyst@lab", "iss": "elsewhere", "aud": "ops",
				"exp": now.Add(time.Hour).Unix(),
			}),
			path: "/api/v1/runs",
			want: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := serve(h, r)
			assert.Equal(t, tt.want, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, w.Body.String())
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimiter(ctx, 1, 1)(okHandler)

	req := func(addr string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
		r.RemoteAddr = addr
		return r
	}

	assert.Equal(t, http.StatusOK, serve(h, req("10.0.0.1:5000")).Code)
	w := serve(h, req("10.0.0.1:5001"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// 不同客户端各有令牌桶
	assert.Equal(t, http.StatusOK, serve(h, req("10.0.0.2:5000")).Code)
}

func TestRateLimiter_KeysBySubject(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimiter(ctx, 1, 1)(okHandler)

	req := func(sub string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
		r.RemoteAddr = "10.0.0.1:5000"
		return r.WithContext(ctxkeys.WithSubject(r.Context(), sub))
	}

	assert.Equal(t, http.StatusOK, serve(h, req("alice")).Code)
	assert.Equal(t, http.StatusOK, serve(h, req("bob")).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, req("alice")).Code)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/health", "/health"},
		{"/api/v1/runs", "/api/v1/runs"},
		{"/api/v1/runs/populism-7/manifest", "/api/v1/runs/:id/manifest"},
		{"/api/v1/artifacts/9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08", "/api/v1/artifacts/:hash"},
		{"/api/v1/things/12345", "/api/v1/things/:id"},
		{"/unknown/path", "/unknown/path"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePath(tt.in), tt.in)
	}
}

func TestMetricsMiddleware_NilCollector(t *testing.T) {
	h := Chain(okHandler, MetricsMiddleware(nil), OTelTracing(), RequestLogger(zap.NewNop()))
	w := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/runs/r/manifest", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
