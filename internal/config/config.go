// ABOUTME: Configuration loading and parsing for vespid-gateway
// ABOUTME: Supports YAML, TOML and JSONC files with env expansion, .env loading and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"   // modernc.org/sqlite, pure Go
	DriverSQLite3  = "sqlite3"  // mattn/go-sqlite3, cgo
	DriverPostgres = "postgres" // jackc/pgx
)

// Config represents the complete vespid-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Agents    AgentsConfig    `yaml:"agents"`
	Clients   ClientsConfig   `yaml:"clients"`
	Queue     QueueConfig     `yaml:"queue"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig selects the durable store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// AuthConfig holds credential configuration
type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	TokenPepper string `yaml:"token_pepper"` // keys the pairing-token hash; defaults to jwt_secret
	BcryptCost  int    `yaml:"bcrypt_cost"`
}

// AgentsConfig holds agent-related timing configuration
type AgentsConfig struct {
	ExecuteTimeout   time.Duration `yaml:"-"`
	PairingTokenTTL  time.Duration `yaml:"-"`
	HeartbeatTimeout time.Duration `yaml:"-"`
	SendClaimAfter   time.Duration `yaml:"-"` // age at which a half-routed send is retried
	LivenessSchedule string        `yaml:"liveness_schedule"`

	// Raw string values for YAML unmarshaling
	ExecuteTimeoutRaw   string `yaml:"execute_timeout"`
	PairingTokenTTLRaw  string `yaml:"pairing_token_ttl"`
	HeartbeatTimeoutRaw string `yaml:"heartbeat_timeout"`
	SendClaimAfterRaw   string `yaml:"send_claim_after"`
}

// ClientsConfig holds client connection limits
type ClientsConfig struct {
	RateLimit      float64  `yaml:"rate_limit"` // frames per second
	Burst          int      `yaml:"burst"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// QueueConfig points at the redis stream that receives workflow runs.
// An empty RedisAddr disables the queue.
type QueueConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Stream        string `yaml:"stream"`
}

// TelemetryConfig holds OpenTelemetry exporter configuration
type TelemetryConfig struct {
	Exporter    string `yaml:"exporter"` // none, stdout, otlp-http
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json, auto
}

// Load reads a configuration file from the given path and returns a parsed Config.
// The format follows the file extension: .toml, .json/.jsonc, anything else is YAML.
// A .env file next to the config is loaded first, then ${VAR_NAME} patterns are
// expanded and duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := loadDotEnv(filepath.Dir(path)); err != nil {
		return nil, err
	}

	cfg, err := Parse(filepath.Ext(path), data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw config content of the given format (a file extension).
func Parse(ext string, data []byte) (*Config, error) {
	expanded := []byte(expandEnvVars(string(data)))

	yamlData, err := normalize(strings.ToLower(ext), expanded)
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(yamlData, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// normalize turns TOML and JSONC input into a document the YAML decoder accepts.
// JSON is a subset of YAML, so JSONC only needs its comments stripped.
func normalize(ext string, data []byte) ([]byte, error) {
	switch ext {
	case ".toml":
		var raw map[string]any
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, err
		}
		return yaml.Marshal(raw)
	case ".json", ".jsonc":
		return jsonc.ToJSON(data), nil
	default:
		return data, nil
	}
}

// loadDotEnv loads dir/.env if present. Existing environment variables win.
func loadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyEnvOverrides(cfg *Config) {
	if dsn := os.Getenv("VESPID_DB_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if secret := os.Getenv("VESPID_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Auth.TokenPepper == "" {
		cfg.Auth.TokenPepper = cfg.Auth.JWTSecret
	}
	if cfg.Auth.BcryptCost == 0 {
		cfg.Auth.BcryptCost = 10
	}
	if cfg.Agents.ExecuteTimeoutRaw == "" {
		cfg.Agents.ExecuteTimeoutRaw = "5m"
	}
	if cfg.Agents.PairingTokenTTLRaw == "" {
		cfg.Agents.PairingTokenTTLRaw = "10m"
	}
	if cfg.Agents.HeartbeatTimeoutRaw == "" {
		cfg.Agents.HeartbeatTimeoutRaw = "10s"
	}
	if cfg.Agents.SendClaimAfterRaw == "" {
		cfg.Agents.SendClaimAfterRaw = "30s"
	}
	if cfg.Agents.LivenessSchedule == "" {
		cfg.Agents.LivenessSchedule = "@every 30s"
	}
	if cfg.Clients.RateLimit == 0 {
		cfg.Clients.RateLimit = 20
	}
	if cfg.Clients.Burst == 0 {
		cfg.Clients.Burst = 40
	}
	if cfg.Queue.Stream == "" {
		cfg.Queue.Stream = "vespid:runs"
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "vespid-gateway"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "auto"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite, DriverSQLite3, DriverPostgres:
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, sqlite3, postgres", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost %d out of range 4..31", c.Auth.BcryptCost)
	}

	switch c.Telemetry.Exporter {
	case "none", "stdout", "otlp-http":
	default:
		return fmt.Errorf("telemetry.exporter %q is not one of none, stdout, otlp-http", c.Telemetry.Exporter)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	cfg.Agents.ExecuteTimeout, err = time.ParseDuration(cfg.Agents.ExecuteTimeoutRaw)
	if err != nil {
		return fmt.Errorf("parsing execute_timeout %q: %w", cfg.Agents.ExecuteTimeoutRaw, err)
	}

	cfg.Agents.PairingTokenTTL, err = time.ParseDuration(cfg.Agents.PairingTokenTTLRaw)
	if err != nil {
		return fmt.Errorf("parsing pairing_token_ttl %q: %w", cfg.Agents.PairingTokenTTLRaw, err)
	}

	cfg.Agents.HeartbeatTimeout, err = time.ParseDuration(cfg.Agents.HeartbeatTimeoutRaw)
	if err != nil {
		return fmt.Errorf("parsing heartbeat_timeout %q: %w", cfg.Agents.HeartbeatTimeoutRaw, err)
	}

	cfg.Agents.SendClaimAfter, err = time.ParseDuration(cfg.Agents.SendClaimAfterRaw)
	if err != nil {
		return fmt.Errorf("parsing send_claim_after %q: %w", cfg.Agents.SendClaimAfterRaw, err)
	}

	return nil
}
