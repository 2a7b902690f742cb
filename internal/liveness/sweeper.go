// ABOUTME: Liveness sweeper: on a cron schedule, pings every connected agent and refreshes lastSeenAt
// ABOUTME: Sockets of revoked agents and agents that miss a ping are closed and unregistered

package liveness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/vespid-ai/vespid-gateway/internal/agent"
	"github.com/vespid-ai/vespid-gateway/internal/registry"
)

// parser accepts standard five-field specs, an optional seconds field and
// descriptors such as "@every 30s".
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a liveness schedule.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing liveness schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Agents is the live connection set the sweeper inspects.
type Agents interface {
	Connected(orgID string) []*agent.Connection
	Unregister(conn *agent.Connection) bool
}

// Directory answers revocation and records liveness.
type Directory interface {
	CheckActive(ctx context.Context, agentID string) error
	Touch(ctx context.Context, agentID string) error
}

// Config holds sweeper settings.
type Config struct {
	Schedule string
	// PingTimeout bounds one ping; zero means 10s
	PingTimeout time.Duration
	// Parallelism bounds concurrent checks; zero means 16
	Parallelism int
}

// Result summarizes one sweep.
type Result struct {
	Checked int
	Revoked int
	Dead    int
}

// Sweeper checks connected agents periodically.
type Sweeper struct {
	agents      Agents
	directory   Directory
	pingTimeout time.Duration
	parallelism int
	cron        *cron.Cron
	running     atomic.Bool
	logger      *slog.Logger
}

// New creates a Sweeper. The schedule is validated here.
func New(agents Agents, directory Directory, cfg Config, logger *slog.Logger) (*Sweeper, error) {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 10 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 16
	}
	s := &Sweeper{
		agents:      agents,
		directory:   directory,
		pingTimeout: cfg.PingTimeout,
		parallelism: cfg.Parallelism,
		logger:      logger.With("component", "liveness"),
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	s.cron = cron.New(cron.WithParser(parser))
	s.cron.Schedule(sched, cron.FuncJob(s.run))
	return s, nil
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("liveness sweeper started")
}

// Stop stops the schedule and waits for a running sweep, or for ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) run() {
	// a slow sweep must not overlap the next tick
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous liveness sweep still running, skipping")
		return
	}
	defer s.running.Store(false)

	res := s.Sweep(context.Background())
	if res.Revoked > 0 || res.Dead > 0 {
		s.logger.Info("liveness sweep closed connections", "checked", res.Checked, "revoked", res.Revoked, "dead", res.Dead)
	} else {
		s.logger.Debug("liveness sweep", "checked", res.Checked)
	}
}

// Sweep checks every connected agent once.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	conns := s.agents.Connected("")
	var revoked, dead atomic.Int32

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, conn := range conns {
		g.Go(func() error {
			switch s.check(ctx, conn) {
			case verdictRevoked:
				revoked.Add(1)
			case verdictDead:
				dead.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return Result{Checked: len(conns), Revoked: int(revoked.Load()), Dead: int(dead.Load())}
}

type verdict int

const (
	verdictAlive verdict = iota
	verdictRevoked
	verdictDead
	verdictUnknown
)

func (s *Sweeper) check(ctx context.Context, conn *agent.Connection) verdict {
	logger := s.logger.With("agent_id", conn.ID, "org_id", conn.OrgID)

	err := s.directory.CheckActive(ctx, conn.ID)
	switch {
	case errors.Is(err, registry.ErrAgentRevoked), errors.Is(err, registry.ErrAgentNotFound):
		logger.Info("closing revoked agent connection")
		s.drop(conn, "agent revoked")
		return verdictRevoked
	case err != nil:
		logger.Warn("liveness revocation check failed", "error", err)
		return verdictUnknown
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	err = conn.Ping(pingCtx)
	cancel()
	if err != nil {
		logger.Info("agent missed liveness ping, closing", "error", err)
		s.drop(conn, "liveness ping failed")
		return verdictDead
	}

	if err := s.directory.Touch(ctx, conn.ID); err != nil {
		logger.Warn("recording agent liveness", "error", err)
	}
	return verdictAlive
}

func (s *Sweeper) drop(conn *agent.Connection, reason string) {
	s.agents.Unregister(conn)
	conn.Close(reason)
}
