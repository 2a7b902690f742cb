// ABOUTME: Gateway orchestrator that builds the routing core and serves the HTTP, websocket and gRPC surfaces
// ABOUTME: Owns the component lifecycle: store, registries, router, liveness sweeper, run queue and listeners

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/vespid-ai/vespid-gateway/internal/agent"
	"github.com/vespid-ai/vespid-gateway/internal/auth"
	"github.com/vespid-ai/vespid-gateway/internal/client"
	"github.com/vespid-ai/vespid-gateway/internal/config"
	"github.com/vespid-ai/vespid-gateway/internal/control"
	"github.com/vespid-ai/vespid-gateway/internal/conversation"
	"github.com/vespid-ai/vespid-gateway/internal/eventlog"
	"github.com/vespid-ai/vespid-gateway/internal/liveness"
	"github.com/vespid-ai/vespid-gateway/internal/registry"
	"github.com/vespid-ai/vespid-gateway/internal/router"
	"github.com/vespid-ai/vespid-gateway/internal/runqueue"
	"github.com/vespid-ai/vespid-gateway/internal/store"
	"github.com/vespid-ai/vespid-gateway/internal/telemetry"
)

// Version is reported in telemetry resources and the serve banner.
var Version = "dev"

// Gateway orchestrates the vespid-gateway server components.
type Gateway struct {
	config *config.Config
	store  store.Store

	agents   *agent.Manager
	hub      *client.Hub
	clients  *client.Server
	registry *registry.Registry
	events   *conversation.SessionEvents
	log      *eventlog.Log
	tail     *conversation.Tail
	router   *router.Router
	sweeper  *liveness.Sweeper
	verifier *auth.JWTVerifier

	// queue is nil when no redis address is configured
	queue *runqueue.Queue

	telemetry   *telemetry.Provider
	grpcServer  *grpc.Server
	httpServer  *http.Server
	handler     http.Handler
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the store selected by database.driver.
func initStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	dsn := cfg.Database.DSN
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err := store.NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("initializing postgres store: %w", err)
		}
		return s, nil
	case config.DriverSQLite, config.DriverSQLite3, "":
		driver := cfg.Database.Driver
		if driver == "" {
			driver = config.DriverSQLite
		}
		s, err := store.OpenSQLite(driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("initializing %s store: %w", driver, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

// New creates a Gateway, opening the configured store.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	gw, err := NewWithStore(ctx, cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// NewWithStore creates a Gateway over an already opened store. The gateway
// takes ownership of s and closes it on Shutdown.
func NewWithStore(ctx context.Context, cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	tp, err := telemetry.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	gw := &Gateway{
		config:    cfg,
		store:     s,
		agents:    agent.NewManager(logger.With("component", "agent-manager")),
		hub:       client.NewHub(logger),
		events:    conversation.NewSessionEvents(logger.With("component", "broadcaster")),
		verifier:  verifier,
		telemetry: tp,
		logger:    logger.With("component", "gateway"),
	}

	gw.registry = registry.New(s, registry.Config{
		Pepper:     cfg.Auth.TokenPepper,
		TokenTTL:   cfg.Agents.PairingTokenTTL,
		BcryptCost: cfg.Auth.BcryptCost,
	}, logger)
	gw.log = eventlog.New(s, gw.events, eventlog.Config{Metrics: tp.Metrics}, logger)
	gw.tail = conversation.NewTail(s, gw.events, logger)
	gw.router = router.New(s, gw.log, gw.agents, gw.registry, router.Config{
		ExecuteTimeout: cfg.Agents.ExecuteTimeout,
		ClaimAfter:     cfg.Agents.SendClaimAfter,
		Metrics:        tp.Metrics,
		Tracer:         tp.Tracer,
		Notifier:       gw.hub,
	}, logger)
	gw.clients = client.NewServer(gw.hub, gw.router, gw.tail, client.ServerConfig{
		RateLimit: cfg.Clients.RateLimit,
		Burst:     cfg.Clients.Burst,
		Metrics:   tp.Metrics,
	}, logger)

	gw.sweeper, err = liveness.New(gw.agents, gw.registry, liveness.Config{
		Schedule:    cfg.Agents.LivenessSchedule,
		PingTimeout: cfg.Agents.HeartbeatTimeout,
	}, logger)
	if err != nil {
		gw.closeCore()
		return nil, err
	}

	deps := control.Deps{
		Store:    s,
		Registry: gw.registry,
		Router:   gw.router,
		Events:   gw.log,
		Presence: gw.agents,
	}
	if cfg.Queue.RedisAddr != "" {
		gw.queue = runqueue.New(runqueue.Config{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
			Stream:   cfg.Queue.Stream,
		}, logger)
		deps.Queue = gw.queue
	}
	gw.grpcServer = control.NewGRPCServer(control.NewServer(deps, logger), verifier, logger.With("component", "grpc"))

	gw.handler = gw.routes()
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// Handler returns the HTTP and websocket surface.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// GRPCServer returns the control-plane gRPC server.
func (g *Gateway) GRPCServer() *grpc.Server {
	return g.grpcServer
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run serves until ctx is canceled or a server fails, then shuts down.
// It returns nil on a clean shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}
	return g.Serve(ctx, grpcLn, httpLn)
}

// Serve runs the gateway on the given listeners.
func (g *Gateway) Serve(ctx context.Context, grpcLn, httpLn net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	// other gateway processes append to the same log; their notifications
	// wake local tails
	if n, ok := g.store.(store.EventNotifier); ok {
		eg.Go(func() error {
			err := n.ListenEvents(egCtx, g.events.Notify)
			if egCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event listener: %w", err)
		})
	}

	g.sweeper.Start()

	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The serving context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "vespid-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens on :50051 for gRPC
// and :443 (tailnet TLS) for HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	httpLn = tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	})
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeCore releases what NewWithStore built before the servers existed.
func (g *Gateway) closeCore() {
	g.log.Close()
	g.events.Close()
	_ = g.telemetry.Shutdown(context.Background())
}

// Shutdown stops the servers, closes every socket and releases resources.
// In-flight executions end with a terminal event before the store closes.
// Later calls return the first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() { g.shutdownErr = g.shutdown(ctx) })
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)
	errs = appendCloseError(errs, "liveness sweeper", g.sweeper.Stop(ctx))

	g.hub.CloseAll("gateway shutting down")
	errs = appendCloseError(errs, "router shutdown", g.router.Shutdown(ctx))
	g.agents.CloseAll("gateway shutting down")

	g.log.Close()
	g.events.Close()

	if g.queue != nil {
		errs = appendCloseError(errs, "run queue close", g.queue.Close())
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	errs = appendCloseError(errs, "telemetry shutdown", g.telemetry.Shutdown(ctx))

	return errors.Join(errs...)
}
