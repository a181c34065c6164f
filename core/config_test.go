package core

import (
	"os"
	"path/filepath"
	"testing"

	"llm-toolfix/core/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "toolfix.db", cfg.Database)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Audit.Enabled)
	assert.False(t, cfg.ProxyEnabled())
	assert.Equal(t, float64(0), cfg.Limit.RPS, "hook traffic is not rate limited by default")
}

func TestValidate_BurstRequiredWithRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limit = LimitConfig{RPS: 5, Burst: 0}
	assert.Error(t, cfg.Validate())

	cfg.Limit.Burst = 1
	assert.NoError(t, cfg.Validate())

	cfg.Limit = LimitConfig{RPS: 0, Burst: 0}
	assert.NoError(t, cfg.Validate(), "burst is irrelevant when limiting is off")
}

func TestLoadConfig_YAMLAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
port: 9000
log:
  level: debug
upstream:
  url: https://generativelanguage.example.com/v1
  api_key: sk-file
  timeout_seconds: 30
rate_limit:
  rps: 0
audit:
  enabled: false
`)
	t.Setenv("TOOLFIX_PORT", "9100")
	t.Setenv("TOOLFIX_UPSTREAM_KEY", "sk-env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port, "env wins over file")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "sk-env", cfg.Upstream.APIKey)
	assert.Equal(t, 30, cfg.Upstream.TimeoutSeconds)
	assert.Equal(t, float64(0), cfg.Limit.RPS)
	assert.Equal(t, 20, cfg.Limit.Burst, "unset fields keep defaults")
	assert.False(t, cfg.Audit.Enabled)
	assert.True(t, cfg.ProxyEnabled())
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{"unknown field", "prot: 8000\n", nil},
		{"bad log level", "log:\n  level: loud\n", nil},
		{"port out of range", "port: 70000\n", nil},
		{"negative rate", "rate_limit:\n  rps: -1\n", nil},
		{"rps without burst", "rate_limit:\n  rps: 5\n  burst: 0\n", nil},
		{"bad env port", "", map[string]string{"TOOLFIX_PORT": "abc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestResolveUpstreamKey(t *testing.T) {
	const secret = "0123456789abcdef0123456789abcdef"
	aes, err := security.NewAESSecretProvider(secret)
	require.NoError(t, err)
	sealed, err := aes.Encrypt("sk-real-key")
	require.NoError(t, err)

	sp, err := NewSecretProvider(secret)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Upstream.APIKey = encryptedPrefix + sealed
	key, err := cfg.ResolveUpstreamKey(sp)
	require.NoError(t, err)
	assert.Equal(t, "sk-real-key", key)

	cfg.Upstream.APIKey = "sk-plain"
	key, err = cfg.ResolveUpstreamKey(NewNoOpSecretProvider())
	require.NoError(t, err)
	assert.Equal(t, "sk-plain", key)

	cfg.Upstream.APIKey = encryptedPrefix + "not-base64!!"
	_, err = cfg.ResolveUpstreamKey(sp)
	assert.Error(t, err)
}

func TestNewSecretProvider(t *testing.T) {
	sp, err := NewSecretProvider("")
	require.NoError(t, err)
	assert.IsType(t, &NoOpSecretProvider{}, sp)

	_, err = NewSecretProvider("short")
	assert.Error(t, err)
}

func TestNewLogger_FileRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolfix.log")
	log, closer, err := NewLogger(LogConfig{Level: "info", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	log.Info("hello")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"hello"`)

	_, _, err = NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestLogRotator_Rotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	r, err := NewLogRotator(path, 1)
	require.NoError(t, err)
	defer r.Close()

	chunk := make([]byte, 600*1024)
	for i := range chunk {
		chunk[i] = 'x'
	}
	_, err = r.Write(chunk)
	require.NoError(t, err)
	_, err = r.Write(chunk)
	require.NoError(t, err)

	old, err := os.Stat(path + ".old")
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunk)), old.Size())

	cur, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunk)), cur.Size())
}
