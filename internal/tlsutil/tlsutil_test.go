package tlsutil

import (
	"crypto/tls"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTLSConfig(t *testing.T) {
	cfg := DefaultTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.ElementsMatch(t, aeadSuites, cfg.CipherSuites)

	// 每次返回独立副本
	cfg.CipherSuites[0] = 0
	assert.NotZero(t, DefaultTLSConfig().CipherSuites[0])
}

func TestClientConfig_ServerName(t *testing.T) {
	assert.Equal(t, "redis.internal", ClientConfig("redis.internal:6380").ServerName)
	assert.Equal(t, "redis.internal", ClientConfig("redis.internal").ServerName)
}

func TestSecureHTTPClient(t *testing.T) {
	c := SecureHTTPClient(5 * time.Second)
	assert.Equal(t, 5*time.Second, c.Timeout)

	tr, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, uint16(tls.VersionTLS12), tr.TLSClientConfig.MinVersion)
}
