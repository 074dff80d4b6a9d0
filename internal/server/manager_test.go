package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/discernus/discernus/config"
)

func TestFromServerConfig(t *testing.T) {
	cfg := FromServerConfig(config.ServerConfig{HTTPPort: 9090, ReadTimeout: 5 * time.Second, TLSCertFile: "c.pem", TLSKeyFile: "k.pem"})
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, "c.pem", cfg.CertFile)

	m := NewManager(http.NotFoundHandler(), cfg, nil)
	require.NotNil(t, m.srv.TLSConfig)
	assert.Equal(t, ":9090", m.Addr())
}

func TestManager_ServeUntilCancelled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	m := NewManager(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}), cfg, zap.NewNop())
	require.NoError(t, m.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()

	resp, err := http.Get("http://" + m.Addr() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestManager_ListenError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	first := NewManager(http.NotFoundHandler(), cfg, nil)
	require.NoError(t, first.Listen())
	defer first.listener.Close()

	cfg.Addr = first.Addr()
	second := NewManager(http.NotFoundHandler(), cfg, nil)
	assert.Error(t, second.Serve(context.Background()))
}
