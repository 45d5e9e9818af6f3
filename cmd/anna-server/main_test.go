package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"anna/internal/auth"
	"anna/internal/config"
	"anna/internal/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cliSecret = "cli-test-secret-value"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "anna.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestConfigCommandMasksSecrets(t *testing.T) {
	path := writeConfig(t, "auth:\n  jwt_secret: "+cliSecret+"\n")

	out, _, err := execute(t, "--config", path, "config", "--validate")
	require.NoError(t, err)
	assert.Contains(t, out, "jwt_secret: cli-...alue")
	assert.NotContains(t, out, cliSecret)
	assert.Contains(t, out, "idle_eviction: 10m0s")
}

func TestConfigCommandValidateFails(t *testing.T) {
	path := writeConfig(t, "engine:\n  provider: openai\n")
	_, _, err := execute(t, "--config", path, "config", "--validate")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	path := writeConfig(t, "auth:\n  jwt_secret: "+cliSecret+"\n  issuer: anna\n")

	out, stderr, err := execute(t, "--config", path, "token", "--user", "alice", "--ttl", "5m")
	require.NoError(t, err)
	assert.Contains(t, stderr, "expires ")

	verifier, err := auth.NewJWTVerifier(cliSecret, "anna", "")
	require.NoError(t, err)
	identity, err := verifier.Verify(context.Background(), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.UserID)
}

func TestTokenCommandErrors(t *testing.T) {
	jwtPath := writeConfig(t, "auth:\n  jwt_secret: "+cliSecret+"\n")
	_, _, err := execute(t, "--config", jwtPath, "token")
	assert.ErrorContains(t, err, "--user")

	remotePath := writeConfig(t, "auth:\n  mode: remote\n  provider_url: https://auth.example.com\n")
	_, _, err = execute(t, "--config", remotePath, "token", "--user", "alice")
	assert.ErrorContains(t, err, "auth mode")
}

func TestRunServerLifecycle(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.JWTSecret = cliSecret
	cfg.Server.ShutdownTimeout = 2 * time.Second

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + listener.Addr().String()

	obs := observability.New(cfg.Observability, io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServer(ctx, cfg, obs, listener) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	_, err = http.Get(base + "/healthz")
	assert.Error(t, err)
}

func TestRunServerRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	err = runServer(context.Background(), cfg, observability.New(cfg.Observability, io.Discard), listener)
	assert.ErrorContains(t, err, "jwt_secret")
}
