// ABOUTME: Entry point for vespid-gateway: the serve command plus operator subcommands
// ABOUTME: Subcommands are cobra commands sharing the config path and control-plane flags

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vespid-ai/vespid-gateway/internal/config"
	"github.com/vespid-ai/vespid-gateway/internal/gateway"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
                     _     _                   _
 __   _____  ___ ___(_) __| |   __ _  __ _| |_ _____      ____ _ _   _
 \ \ / / _ \/ __| '_ \ |/ _' |  / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
  \ V /  __/\__ \ |_) | | (_| | | (_| | (_| | ||  __/\ V  V / (_| | |_| |
   \_/ \___||___/ .__/|_|\__,_|  \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                |_|              |___/                             |___/
`

// defaultConfigPath returns the gateway config file location.
// Priority: VESPID_CONFIG > XDG_CONFIG_HOME/vespid/gateway.yaml > ~/.config/vespid/gateway.yaml
func defaultConfigPath() string {
	if envPath := os.Getenv("VESPID_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "vespid", "gateway.yaml")
}

// defaultDataPath returns the directory for the SQLite database.
func defaultDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "vespid")
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "vespid-gateway",
		Short:         "Routes user sessions to remote agent executors",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath(), "path to the gateway config file")

	root.AddCommand(
		newServeCmd(opts),
		newInitCmd(opts),
		newTokenCmd(opts),
		newHealthCmd(opts),
		newPairCmd(opts),
		newAgentsCmd(opts),
		newSessionsCmd(opts),
		newRunsCmd(opts),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts.configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, level := setupLogger(cfg.Logging, os.Stdout)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Queue.RedisAddr == "" {
		yellow.Print("    ▶ ")
		fmt.Println("Run queue: disabled")
	} else {
		green.Print("    ▶ ")
		fmt.Printf("Run queue: %s (%s)\n", cfg.Queue.RedisAddr, cfg.Queue.Stream)
	}
	fmt.Println()

	// only the log level is reloadable; everything else needs a restart
	go func() {
		err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
			if applyLevel(level, next.Logging.Level) {
				logger.Info("log level changed", "level", level.Level().String())
			}
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()

	gateway.Version = version
	logger.Info("starting vespid-gateway", "config", configPath, "version", version)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}
