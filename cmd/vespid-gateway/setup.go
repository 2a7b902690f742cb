// ABOUTME: Local setup commands: init writes a config with a fresh secret, token mints operator JWTs
// ABOUTME: health probes the readiness endpoint of a running gateway

package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vespid-ai/vespid-gateway/internal/auth"
	"github.com/vespid-ai/vespid-gateway/internal/config"
)

const configTemplate = `# vespid-gateway configuration
# Generated by vespid-gateway init

server:
  grpc_addr: %q
  http_addr: %q

database:
  driver: sqlite
  dsn: %q

auth:
  jwt_secret: %q

agents:
  execute_timeout: 5m
  pairing_token_ttl: 10m
  heartbeat_timeout: 10s
  send_claim_after: 30s
  liveness_schedule: "@every 30s"

clients:
  rate_limit: 20
  burst: 40

# queue:
#   redis_addr: localhost:6379
#   stream: vespid:runs

telemetry:
  exporter: none

logging:
  level: info
  format: auto
`

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// renderConfig returns a starter config with a fresh JWT secret.
func renderConfig(grpcAddr, httpAddr, dbPath string) (string, error) {
	secret, err := randomSecret()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(configTemplate, grpcAddr, httpAddr, dbPath, secret), nil
}

func newInitCmd(root *rootOptions) *cobra.Command {
	var grpcAddr, httpAddr, dbPath string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file with a random JWT secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := root.configPath
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if dbPath == "" {
				dbPath = filepath.Join(defaultDataPath(), "gateway.db")
			}

			content, err := renderConfig(grpcAddr, httpAddr, dbPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("creating config directory: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
				return fmt.Errorf("creating data directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
				return fmt.Errorf("writing config file: %w", err)
			}

			out := cmd.OutOrStdout()
			green := color.New(color.FgGreen)
			green.Fprintf(out, "  ✓ Created config: %s\n", path)
			green.Fprintf(out, "  ✓ Database:       %s\n", dbPath)
			fmt.Fprintln(out)
			color.New(color.FgYellow).Fprintln(out, "  Next:")
			fmt.Fprintln(out, "    vespid-gateway token --sub you --role admin --save")
			fmt.Fprintln(out, "    vespid-gateway serve")
			return nil
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "localhost:50051", "gRPC listen address")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "localhost:8080", "HTTP listen address")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (default: $XDG_DATA_HOME/vespid/gateway.db)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func newTokenCmd(root *rootOptions) *cobra.Command {
	var subject string
	var orgs, roles []string
	var ttl time.Duration
	var save bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT signed with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			token, err := mintToken(cfg.Auth.JWTSecret, auth.Identity{Subject: subject, Orgs: orgs, Roles: roles}, ttl)
			if err != nil {
				return err
			}

			if !save {
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			}
			path := tokenPath(root.configPath)
			if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
				return fmt.Errorf("writing token file: %w", err)
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "  ✓ Saved token: %s (expires %s)\n",
				path, time.Now().Add(ttl).Format("Jan 02, 2006"))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "token subject")
	cmd.Flags().StringSliceVar(&orgs, "org", nil, "organizations the holder belongs to (repeatable)")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleMember}, "roles: member, operator, admin (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&save, "save", false, "write the token beside the config for operator commands")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func mintToken(secret string, id auth.Identity, ttl time.Duration) (string, error) {
	for _, r := range id.Roles {
		switch r {
		case auth.RoleMember, auth.RoleOperator, auth.RoleAdmin:
		default:
			return "", fmt.Errorf("unknown role %q", r)
		}
	}
	if len(id.Orgs) == 0 && !id.HasRole(auth.RoleAdmin) {
		return "", errors.New("at least one --org is required unless the token is admin")
	}
	verifier, err := auth.NewJWTVerifier([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("creating JWT verifier: %w", err)
	}
	return verifier.Generate(id, ttl)
}

func newHealthCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check a running gateway's readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			ctx, cancel := callContext(cmd)
			defer cancel()

			url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
			}
			return nil
		},
	}
}
