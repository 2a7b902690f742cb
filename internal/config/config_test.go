// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML/TOML/JSONC loading, env var expansion, .env files and duration parsing

package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr: "0.0.0.0:8080"

database:
  driver: postgres
  dsn: "postgres://localhost/vespid"

auth:
  jwt_secret: "`+testSecret+`"
  bcrypt_cost: 12

agents:
  execute_timeout: "90s"
  pairing_token_ttl: "15m"
  liveness_schedule: "@every 10s"

clients:
  rate_limit: 5
  burst: 10
  allowed_origins: ["app.vespid.ai"]

queue:
  redis_addr: "localhost:6379"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Database.Driver != DriverPostgres {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, DriverPostgres)
	}
	if cfg.Auth.BcryptCost != 12 {
		t.Errorf("Auth.BcryptCost = %d, want 12", cfg.Auth.BcryptCost)
	}
	if cfg.Auth.TokenPepper != testSecret {
		t.Errorf("Auth.TokenPepper should default to the jwt secret")
	}
	if cfg.Agents.ExecuteTimeout != 90*time.Second {
		t.Errorf("Agents.ExecuteTimeout = %v, want 90s", cfg.Agents.ExecuteTimeout)
	}
	if cfg.Agents.PairingTokenTTL != 15*time.Minute {
		t.Errorf("Agents.PairingTokenTTL = %v, want 15m", cfg.Agents.PairingTokenTTL)
	}
	if cfg.Agents.LivenessSchedule != "@every 10s" {
		t.Errorf("Agents.LivenessSchedule = %q", cfg.Agents.LivenessSchedule)
	}
	if cfg.Clients.RateLimit != 5 || cfg.Clients.Burst != 10 {
		t.Errorf("Clients = %+v", cfg.Clients)
	}
	if cfg.Queue.Stream != "vespid:runs" {
		t.Errorf("Queue.Stream default = %q", cfg.Queue.Stream)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  grpc_addr: ":50051"
  http_addr: ":8080"
database:
  dsn: "vespid.db"
auth:
  jwt_secret: "`+testSecret+`"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Agents.ExecuteTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Agents.PairingTokenTTL)
	assert.Equal(t, 10*time.Second, cfg.Agents.HeartbeatTimeout)
	assert.Equal(t, 30*time.Second, cfg.Agents.SendClaimAfter)
	assert.Equal(t, "@every 30s", cfg.Agents.LivenessSchedule)
	assert.Equal(t, 10, cfg.Auth.BcryptCost)
	assert.Equal(t, "none", cfg.Telemetry.Exporter)
	assert.Equal(t, "auto", cfg.Logging.Format)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[server]
grpc_addr = ":50051"
http_addr = ":8080"

[database]
driver = "sqlite3"
dsn = "gw.db"

[auth]
jwt_secret = "`+testSecret+`"

[agents]
execute_timeout = "2m"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite3, cfg.Database.Driver)
	assert.Equal(t, 2*time.Minute, cfg.Agents.ExecuteTimeout)
}

func TestLoad_JSONC(t *testing.T) {
	path := writeConfig(t, "gateway.jsonc", `{
  // listen addresses
  "server": {"grpc_addr": ":50051", "http_addr": ":8080"},
  "database": {"dsn": "gw.db"}, /* default driver */
  "auth": {"jwt_secret": "`+testSecret+`"},
  "clients": {"burst": 3,}
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, 3, cfg.Clients.Burst)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_VESPID_SECRET", testSecret)

	path := writeConfig(t, "config.yaml", `
server:
  grpc_addr: ":50051"
  http_addr: ":8080"
database:
  dsn: "vespid.db"
auth:
  jwt_secret: "${TEST_VESPID_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, testSecret, cfg.Auth.JWTSecret)
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DOTENV_VESPID_DSN=from-dotenv.db\n"), 0644))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  grpc_addr: ":50051"
  http_addr: ":8080"
database:
  dsn: "${DOTENV_VESPID_DSN}"
auth:
  jwt_secret: "`+testSecret+`"
`), 0644))
	t.Cleanup(func() { os.Unsetenv("DOTENV_VESPID_DSN") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv.db", cfg.Database.DSN)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("VESPID_DB_DSN", "postgres://override/db")

	path := writeConfig(t, "config.yaml", `
server:
  grpc_addr: ":50051"
  http_addr: ":8080"
database:
  driver: postgres
  dsn: "postgres://file/db"
auth:
  jwt_secret: "`+testSecret+`"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://override/db", cfg.Database.DSN)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  grpc_addr: ":50051"
  http_addr: ":8080"
database:
  dsn: "vespid.db"
auth:
  jwt_secret: "`+testSecret+`"
agents:
  execute_timeout: "soon"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execute_timeout")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{
			Server:   ServerConfig{GRPCAddr: ":1", HTTPAddr: ":2"},
			Database: DatabaseConfig{DSN: "x.db"},
			Auth:     AuthConfig{JWTSecret: testSecret},
		}
		applyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing grpc addr", func(c *Config) { c.Server.GRPCAddr = "" }, "grpc_addr"},
		{"tailscale replaces addrs", func(c *Config) {
			c.Server = ServerConfig{}
			c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "vespid"}
		}, ""},
		{"tailscale needs hostname", func(c *Config) { c.Tailscale.Enabled = true }, "hostname"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "jwt_secret"},
		{"bcrypt cost", func(c *Config) { c.Auth.BcryptCost = 40 }, "bcrypt_cost"},
		{"exporter", func(c *Config) { c.Telemetry.Exporter = "zipkin" }, "telemetry.exporter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q should mention %q", err, tt.wantErr)
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("EXPAND_A", "alpha")
	assert.Equal(t, "x-alpha-", expandEnvVars("x-${EXPAND_A}-${EXPAND_UNSET_VAR}"))
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	content := `
server:
  grpc_addr: ":50051"
  http_addr: ":8080"
database:
  dsn: "vespid.db"
auth:
  jwt_secret: "` + testSecret + `"
logging:
  level: %s
`
	path := writeConfig(t, "config.yaml", strings.Replace(content, "%s", "info", 1))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, slog.New(slog.NewTextHandler(io.Discard, nil)), func(c *Config) {
			select {
			case changes <- c:
			default:
			}
		})
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(content, "%s", "debug", 1)), 0644))

	select {
	case cfg := <-changes:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	require.NoError(t, <-done)
}
