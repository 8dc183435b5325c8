package config

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnehpets/onerpc/jsonrpc"
	"github.com/mnehpets/onerpc/middleware"
)

func validKey() string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, middleware.KeySize))
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.Addr)
	assert.Equal(t, "/rpc", c.Path)
	assert.Equal(t, jsonrpc.Unordered, c.Ordering)
	assert.Equal(t, 64, c.MaxInFlight)
	assert.Equal(t, int64(1<<20), c.ReadLimit)
	assert.Equal(t, 10*time.Second, c.WriteTimeout)
	assert.True(t, c.HTTPPost)
	assert.Equal(t, "onerpc", c.JWTIssuer)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, "/metrics", c.MetricsPath)
	assert.False(t, c.AuthEnabled())
	assert.False(t, c.SessionsEnabled())
	assert.NoError(t, c.Validate())
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("ONERPC_ORDERING", "Strict")
	t.Setenv("ONERPC_MAX_IN_FLIGHT", "8")
	t.Setenv("ONERPC_WRITE_TIMEOUT", "2s")
	t.Setenv("ONERPC_ORIGIN_PATTERNS", "*.example.com,localhost:3000")
	t.Setenv("ONERPC_JWT_SECRET", string(bytes.Repeat([]byte("s"), 32)))
	t.Setenv("ONERPC_SESSION_KEYS", "k1:"+validKey())
	t.Setenv("ONERPC_SESSION_KEY_ID", "k1")

	c, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, jsonrpc.Strict, c.Ordering)
	assert.Equal(t, 8, c.MaxInFlight)
	assert.Equal(t, 2*time.Second, c.WriteTimeout)
	assert.Equal(t, []string{"*.example.com", "localhost:3000"}, c.OriginPatterns)
	assert.True(t, c.AuthEnabled())
	assert.True(t, c.SessionsEnabled())
	require.NoError(t, c.Validate())

	keys, err := c.SessionKeyBytes()
	require.NoError(t, err)
	assert.Len(t, keys["k1"], middleware.KeySize)
}

func TestLoadRejectsBadOrdering(t *testing.T) {
	t.Setenv("ONERPC_ORDERING", "sideways")
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorContains(t, err, "unknown ordering")
}

func TestLoadDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("ONERPC_DEVELOPMENT=true\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("ONERPC_DEVELOPMENT") })

	c, err := Load(path)
	require.NoError(t, err)
	assert.True(t, c.Development)
}

func TestValidateReportsEveryError(t *testing.T) {
	c := &Config{
		Addr:         "",
		Path:         "rpc",
		MaxInFlight:  0,
		ReadLimit:    1,
		LogLevel:     "loud",
		JWTSecret:    "short",
		OIDCIssuer:   "https://issuer.example.com",
		SessionKeys:  map[string]string{"k1": "!!"},
		SessionKeyID: "k1",
	}
	err := c.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"addr must be set",
		`path "rpc"`,
		"max in flight",
		"log level",
		"jwt secret",
		"oidc issuer and oidc client id",
		`session key "k1"`,
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateSessionKeyID(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	c.SessionKeys = map[string]string{"k1": validKey()}
	c.SessionKeyID = "k2"
	assert.ErrorIs(t, c.Validate(), middleware.ErrCookieConfig)

	c.SessionKeys = nil
	assert.ErrorContains(t, c.Validate(), "without session keys")
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug", true)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	_, err = NewLogger("nope", false)
	assert.Error(t, err)
}
