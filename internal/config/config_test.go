package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, AuthModeJWT, cfg.Auth.Mode)
	assert.Equal(t, EngineProviderMock, cfg.Engine.Provider)
	assert.Equal(t, DefaultMaxToolRounds, cfg.Engine.MaxToolRounds)
	assert.Equal(t, 10*time.Minute, cfg.Session.IdleEviction)
	assert.Equal(t, 8, cfg.Session.DefaultPreScore)
	assert.Equal(t, 4, cfg.Session.MinutesPerPoint)
	assert.Equal(t, StorageBackendMemory, cfg.Storage.Backend)
	assert.Equal(t, "info", cfg.Observability.Logging.Level)
	assert.True(t, cfg.Observability.Metrics.Enabled)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "anna.yaml")
	content := `
server:
  addr: ":9000"
  allowed_origins: ["https://app.example.com"]
auth:
  mode: remote
  provider_url: https://auth.example.com
session:
  idle_eviction: 90s
  time_zone: UTC
storage:
  backend: sqlite
  sqlite_path: /tmp/anna.db
observability:
  logging:
    level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("ANNA_AUTH_PROVIDER_API_KEY", "service-role-key")
	t.Setenv("ANNA_ENGINE_MAX_TOOL_ROUNDS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, AuthModeRemote, cfg.Auth.Mode)
	assert.Equal(t, "service-role-key", cfg.Auth.ProviderAPIKey)
	assert.Equal(t, 2, cfg.Engine.MaxToolRounds)
	assert.Equal(t, 90*time.Second, cfg.Session.IdleEviction)
	assert.Equal(t, "/tmp/anna.db", cfg.Storage.SQLitePath)
	assert.Equal(t, "debug", cfg.Observability.Logging.Level)
	require.NoError(t, Validate(cfg))

	loc, err := cfg.Session.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Auth.JWTSecret = "secret"

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"jwt without secret", func(c *Config) { c.Auth.JWTSecret = "" }, "auth.jwt_secret"},
		{"remote without url", func(c *Config) { c.Auth.Mode = AuthModeRemote }, "auth.provider_url"},
		{"unknown auth mode", func(c *Config) { c.Auth.Mode = "basic" }, "auth.mode"},
		{"openai without key", func(c *Config) { c.Engine.Provider = EngineProviderOpenAI }, "engine.api_key"},
		{"unknown engine", func(c *Config) { c.Engine.Provider = "local" }, "engine.provider"},
		{"zero tool rounds", func(c *Config) { c.Engine.MaxToolRounds = 0 }, "max_tool_rounds"},
		{"zero eviction", func(c *Config) { c.Session.IdleEviction = 0 }, "idle_eviction"},
		{"zero minutes per point", func(c *Config) { c.Session.MinutesPerPoint = 0 }, "minutes_per_point"},
		{"pre score out of range", func(c *Config) { c.Session.DefaultPreScore = 11 }, "default_pre_score"},
		{"bad zone", func(c *Config) { c.Session.TimeZone = "Mars/Olympus" }, "time_zone"},
		{"sqlite without path", func(c *Config) {
			c.Storage.Backend = StorageBackendSQLite
			c.Storage.SQLitePath = ""
		}, "sqlite_path"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }, "storage.backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMarshalYAMLMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = "super-secret-signing-key"
	cfg.Engine.APIKey = "sk-live-1234567890abcdef"

	out, err := MarshalYAML(cfg)
	require.NoError(t, err)

	assert.NotContains(t, string(out), "super-secret-signing-key")
	assert.NotContains(t, string(out), "sk-live-1234567890abcdef")

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	auth := decoded["auth"].(map[string]any)
	assert.Equal(t, "supe...-key", auth["jwt_secret"])
	session := decoded["session"].(map[string]any)
	assert.Equal(t, "10m0s", session["idle_eviction"])

	assert.Equal(t, "super-secret-signing-key", cfg.Auth.JWTSecret)
}
