package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrjerryjohns/openweave-core/pkg/crypto"
	casesession "github.com/mrjerryjohns/openweave-core/pkg/security/case"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.CASE.PerformKeyConfirm)
	assert.False(t, cfg.CASE.RequireKeyConfirm)
}

func TestParseConfig(t *testing.T) {
	data := []byte(`
session_establish_timeout: 10s
idle_session_timeout: 2m
rate_limit:
  max_attempts: 5
  cooldown: 1m30s
case:
  allowed_configs: [2]
  allowed_curves: [7]
  require_key_confirm: true
`)
	cfg, err := ParseConfig(data)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.SessionEstablishTimeout)
	assert.Equal(t, 2*time.Minute, cfg.IdleSessionTimeout)
	assert.Equal(t, 5, cfg.RateLimit.MaxAttempts)
	assert.Equal(t, 90*time.Second, cfg.RateLimit.Cooldown)
	assert.Equal(t, []casesession.Config{casesession.Config2}, cfg.CASE.AllowedConfigs)
	assert.Equal(t, []crypto.Curve{crypto.CurveP256}, cfg.CASE.AllowedCurves)
	assert.True(t, cfg.CASE.RequireKeyConfirm)
	assert.True(t, cfg.CASE.PerformKeyConfirm, "unset fields keep their defaults")
	assert.Equal(t, DefaultAuthKeyCacheSize, cfg.TAKE.AuthKeyCacheSize)
}

func TestParseConfig_Errors(t *testing.T) {
	_, err := ParseConfig([]byte("session_establish_timeout: [nope"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")

	_, err = ParseConfig([]byte("session_establish_timeout: -1s\nmax_session_keys: 0\ncase:\n  allowed_curves: [99]\n"))
	require.ErrorIs(t, err, ErrInvalidConfig)
	msg := err.Error()
	for _, field := range []string{"session_establish_timeout", "max_session_keys", "case.allowed_curves"} {
		assert.True(t, strings.Contains(msg, field), "error %q does not mention %s", msg, field)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "security.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_session_keys: 8\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxSessionKeys)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
