package di

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"anna/internal/config"
	"anna/internal/engine"
	"anna/internal/storage/memory"
	"anna/internal/storage/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "container-test-secret"
	return cfg
}

func build(t *testing.T, cfg config.Config) *Container {
	t.Helper()
	c, err := BuildContainer(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func TestBuildContainerDefaults(t *testing.T) {
	c := build(t, testConfig())

	assert.IsType(t, &memory.ProgressStore{}, c.Store)
	assert.IsType(t, &engine.Runner{}, c.Engine)
	require.NotNil(t, c.Tools)
	assert.Len(t, c.Tools.Definitions(), 3)
	assert.NotNil(t, c.Authenticator)
	assert.NotNil(t, c.Gateway)
	assert.Equal(t, 0, c.Sessions.Len())

	rec := httptest.NewRecorder()
	c.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildContainerSQLite(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Backend = config.StorageBackendSQLite
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "nested", "anna.db")

	c := build(t, cfg)
	assert.IsType(t, &sqlite.ProgressStore{}, c.Store)
	_, err := os.Stat(cfg.Storage.SQLitePath)
	assert.NoError(t, err)
}

func TestBuildContainerRemoteAuthAndOpenAI(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Mode = config.AuthModeRemote
	cfg.Auth.ProviderURL = "http://127.0.0.1:1/auth/v1/user"
	cfg.Engine.Provider = config.EngineProviderOpenAI
	cfg.Engine.APIKey = "sk-test"

	c := build(t, cfg)
	assert.NotNil(t, c.Authenticator)
	assert.NotNil(t, c.Engine)
}

func TestBuildContainerRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"jwt without secret", func(c *config.Config) { c.Auth.JWTSecret = "" }},
		{"openai without key", func(c *config.Config) { c.Engine.Provider = config.EngineProviderOpenAI }},
		{"unknown storage", func(c *config.Config) { c.Storage.Backend = "redis" }},
		{"bad time zone", func(c *config.Config) { c.Session.TimeZone = "Mars/Olympus_Mons" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := BuildContainer(cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestContainerShutdownIsRepeatable(t *testing.T) {
	c, err := BuildContainer(testConfig(), nil)
	require.NoError(t, err)
	assert.NoError(t, c.Shutdown(context.Background()))
	assert.NoError(t, c.Shutdown(context.Background()))
}

func TestResolveStoragePath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	t.Setenv("ANNA_TEST_DIR", "/srv/anna")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"absolute", "/var/lib/anna/anna.db", "/var/lib/anna/anna.db"},
		{"relative", "anna.db", "anna.db"},
		{"tilde slash", "~/.anna/anna.db", filepath.Join(home, ".anna/anna.db")},
		{"tilde alone", "~", home},
		{"tilde no slash", "~.anna", filepath.Join(home, ".anna")},
		{"env var", "$ANNA_TEST_DIR/anna.db", "/srv/anna/anna.db"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveStoragePath(tt.in))
		})
	}
}
