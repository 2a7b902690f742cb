// ABOUTME: Tests for the CLI's logger setup, config template and token minting
// ABOUTME: Commands are executed in-process through cobra with captured output

package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/vespid-gateway/internal/auth"
	"github.com/vespid-ai/vespid-gateway/internal/config"
)

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, level := setupLogger(config.LoggingConfig{Level: "warn", Format: "auto"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`, "a non-terminal writer gets JSON")

	assert.True(t, applyLevel(level, "debug"))
	assert.False(t, applyLevel(level, "debug"))
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := setupLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.With("component", "router").WithGroup("req").Info("routed", "id", "r1")
	line := buf.String()
	assert.Contains(t, line, "routed")
	assert.Contains(t, line, "component=")
	assert.Contains(t, line, "req.id=")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, ok := parseLevel(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := parseLevel("verbose")
	assert.False(t, ok)
}

func TestInitWritesLoadableConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "init", "--db", filepath.Join(dir, "data", "gateway.db")})
	require.NoError(t, root.Execute())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:50051", cfg.Server.GRPCAddr)
	assert.GreaterOrEqual(t, len(cfg.Auth.JWTSecret), auth.MinSecretLength)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	root = newRootCmd()
	root.SetArgs([]string{"--config", path, "init"})
	assert.ErrorContains(t, root.Execute(), "already exists")
}

func TestTokenCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	content, err := renderConfig("localhost:50051", "localhost:8080", filepath.Join(dir, "gateway.db"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "token", "--sub", "ops", "--org", "org1", "--role", "operator"})
	require.NoError(t, root.Execute())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	require.NoError(t, err)
	id, err := verifier.Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "ops", id.Subject)
	assert.True(t, id.MemberOf("org1"))
	assert.True(t, id.IsOperator())

	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "token", "--sub", "ops", "--org", "org1", "--save"})
	require.NoError(t, root.Execute())
	t.Setenv("VESPID_TOKEN", "")
	assert.NotEmpty(t, loadToken(path))
}

func TestMintTokenValidation(t *testing.T) {
	secret := strings.Repeat("s", auth.MinSecretLength)

	_, err := mintToken(secret, auth.Identity{Subject: "x", Orgs: []string{"o"}, Roles: []string{"root"}}, time.Hour)
	assert.ErrorContains(t, err, "unknown role")

	_, err = mintToken(secret, auth.Identity{Subject: "x", Roles: []string{auth.RoleMember}}, time.Hour)
	assert.ErrorContains(t, err, "--org")

	_, err = mintToken(secret, auth.Identity{Subject: "x", Roles: []string{auth.RoleAdmin}}, time.Hour)
	assert.NoError(t, err)
}
