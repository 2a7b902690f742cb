// ABOUTME: Session event log: gap-free appends with transparent conflict retry, and idempotent inbound recording
// ABOUTME: Every committed event is published to the live broadcaster after the store write returns

package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vespid-ai/vespid-gateway/internal/conversation"
	"github.com/vespid-ai/vespid-gateway/internal/dedupe"
	"github.com/vespid-ai/vespid-gateway/internal/store"
	"github.com/vespid-ai/vespid-gateway/internal/telemetry"
)

// ErrContention is returned when an append keeps losing seq races after
// all retry attempts.
var ErrContention = errors.New("event append contention")

// ErrInboundPending is returned by AwaitInbound when the record is still
// pending, and not yet stale, when the wait runs out.
var ErrInboundPending = errors.New("inbound send still pending")

// Read limits
const (
	DefaultReadLimit = 100
	MaxReadLimit     = 1000
)

// Config holds event log settings. Zero values take defaults.
type Config struct {
	MaxAttempts      int
	Backoff          time.Duration
	OutcomeTTL       time.Duration
	OutcomeCacheSize int
	Metrics          *telemetry.Metrics
}

// Log appends session events and records inbound sends.
type Log struct {
	store       store.Store
	events      *conversation.SessionEvents
	outcomes    *dedupe.Cache[store.InboundRecord]
	maxAttempts int
	backoff     time.Duration
	metrics     *telemetry.Metrics
	logger      *slog.Logger
}

// New creates a Log.
func New(s store.Store, events *conversation.SessionEvents, cfg Config, logger *slog.Logger) *Log {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Millisecond
	}
	if cfg.OutcomeTTL <= 0 {
		cfg.OutcomeTTL = 10 * time.Minute
	}
	if cfg.OutcomeCacheSize <= 0 {
		cfg.OutcomeCacheSize = 100_000
	}
	return &Log{
		store:       s,
		events:      events,
		outcomes:    dedupe.New[store.InboundRecord](cfg.OutcomeTTL, cfg.OutcomeCacheSize),
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		metrics:     cfg.Metrics,
		logger:      logger.With("component", "eventlog"),
	}
}

// Close releases the outcome cache.
func (l *Log) Close() {
	l.outcomes.Close()
}

// Append commits an event with the next seq of its session and publishes it.
func (l *Log) Append(ctx context.Context, ev *store.NewEvent) (*store.SessionEvent, error) {
	var committed *store.SessionEvent
	retries, err := l.retry(ctx, func() error {
		var err error
		committed, err = l.store.AppendEvent(ctx, ev)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("append %s to session %s: %w", ev.EventType, ev.SessionID, err)
	}

	l.metrics.RecordAppend(ctx, committed.EventType, retries)
	l.events.Publish(committed)
	return committed, nil
}

// Inbound is the result of recording a client send.
type Inbound struct {
	Record *store.InboundRecord
	// Event is the user_message event; nil for duplicates
	Event     *store.SessionEvent
	Duplicate bool
}

// RecordInbound records a client send and its user_message event in one
// transaction. An empty key is replaced by a generated one. If the key was
// already recorded, the existing record is returned with Duplicate set and
// nothing is written.
func (l *Log) RecordInbound(ctx context.Context, orgID, key string, ev *store.NewEvent) (*Inbound, error) {
	if key == "" {
		key = uuid.NewString()
	}

	if rec, ok := l.outcomes.Get(outcomeKey(orgID, ev.SessionID, key)); ok {
		return &Inbound{Record: &rec, Duplicate: true}, nil
	}

	var (
		rec       *store.InboundRecord
		committed *store.SessionEvent
		duplicate bool
	)
	retries, err := l.retry(ctx, func() error {
		var err error
		rec, committed, duplicate, err = l.store.RecordInbound(ctx, orgID, key, ev)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record inbound for session %s: %w", ev.SessionID, err)
	}

	if duplicate {
		if rec.Status != store.InboundPending {
			l.outcomes.PutIfAbsent(outcomeKey(orgID, rec.SessionID, key), *rec)
		}
		l.logger.Debug("duplicate inbound send",
			"session_id", ev.SessionID,
			"idempotency_key", key,
			"status", rec.Status)
		return &Inbound{Record: rec, Duplicate: true}, nil
	}

	l.metrics.RecordAppend(ctx, committed.EventType, retries)
	l.events.Publish(committed)
	return &Inbound{Record: rec, Event: committed}, nil
}

// CompleteInbound finalizes a pending inbound record with its routing
// outcome. Transient store failures are retried; store.ErrConflict means the
// record was already finalized or claimed by a later attempt and is returned
// as is.
func (l *Log) CompleteInbound(ctx context.Context, rec *store.InboundRecord) error {
	if rec.Status == store.InboundPending {
		return fmt.Errorf("complete inbound: status must be final, got %q", rec.Status)
	}

	var err error
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		err = l.store.CompleteInbound(ctx, rec)
		if err == nil || errors.Is(err, store.ErrConflict) {
			break
		}
		l.logger.Warn("complete inbound failed, retrying",
			"session_id", rec.SessionID,
			"idempotency_key", rec.IdempotencyKey,
			"attempt", attempt+1,
			"error", err)
		if werr := sleep(ctx, l.backoff*time.Duration(attempt+1)); werr != nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("complete inbound for session %s: %w", rec.SessionID, err)
	}
	l.outcomes.Put(outcomeKey(rec.OrgID, rec.SessionID, rec.IdempotencyKey), *rec)
	return nil
}

// AwaitInbound waits up to wait for a pending record to be finalized by the
// send that created it. A record whose last update is older than staleAfter
// is claimed instead; claimed reports that the caller now owns the returned
// record and must route it. Final records are returned with claimed false.
func (l *Log) AwaitInbound(ctx context.Context, rec *store.InboundRecord, wait, staleAfter time.Duration) (_ *store.InboundRecord, claimed bool, _ error) {
	deadline := time.Now().Add(wait)
	poll := l.backoff
	for {
		if rec.Status != store.InboundPending {
			cached, _ := l.outcomes.PutIfAbsent(outcomeKey(rec.OrgID, rec.SessionID, rec.IdempotencyKey), *rec)
			return &cached, false, nil
		}

		if time.Since(rec.UpdatedAt) >= staleAfter {
			next, err := l.store.ClaimInbound(ctx, rec)
			if err == nil {
				l.logger.Info("claimed stale inbound send",
					"session_id", rec.SessionID,
					"idempotency_key", rec.IdempotencyKey,
					"attempt", next.Attempt)
				return next, true, nil
			}
			if !errors.Is(err, store.ErrConflict) {
				return nil, false, fmt.Errorf("claim inbound for session %s: %w", rec.SessionID, err)
			}
		} else if !time.Now().Before(deadline) {
			return rec, false, ErrInboundPending
		}

		if err := sleep(ctx, poll); err != nil {
			return nil, false, err
		}
		poll = min(poll*2, 250*time.Millisecond)

		current, err := l.store.GetInbound(ctx, rec.OrgID, rec.SessionID, rec.IdempotencyKey)
		if err != nil {
			return nil, false, fmt.Errorf("reload inbound for session %s: %w", rec.SessionID, err)
		}
		rec = current
	}
}

// ReadSince returns up to limit events of a session with seq > afterSeq, in
// ascending order. limit is clamped to [1, MaxReadLimit]; 0 means DefaultReadLimit.
func (l *Log) ReadSince(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*store.SessionEvent, error) {
	switch {
	case limit <= 0:
		limit = DefaultReadLimit
	case limit > MaxReadLimit:
		limit = MaxReadLimit
	}
	afterSeq = max(afterSeq, 0)
	events, err := l.store.ListEventsSince(ctx, sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("read events for session %s: %w", sessionID, err)
	}
	return events, nil
}

// retry runs op until it returns something other than store.ErrConflict,
// backing off linearly between attempts. It returns the number of retries.
func (l *Log) retry(ctx context.Context, op func() error) (int, error) {
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		err := op()
		if !errors.Is(err, store.ErrConflict) {
			return attempt, err
		}
		l.logger.Debug("append lost seq race, retrying", "attempt", attempt+1)

		if err := sleep(ctx, l.backoff*time.Duration(attempt+1)); err != nil {
			return attempt, err
		}
	}
	return l.maxAttempts, ErrContention
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func outcomeKey(orgID, sessionID, key string) string {
	return orgID + "\x00" + sessionID + "\x00" + key
}
