// ABOUTME: Ordered live tail of a session: backfill from the store, then forward broadcast events
// ABOUTME: A high-water mark drops duplicates; gaps and content-less notifications re-read the store

package conversation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vespid-ai/vespid-gateway/internal/store"
)

// defaultPageSize bounds each store read during backfill and gap fill.
const defaultPageSize = 500

// EventReader reads committed session events in seq order.
type EventReader interface {
	ListEventsSince(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*store.SessionEvent, error)
}

// Tail streams session events to a consumer in seq order.
type Tail struct {
	reader   EventReader
	events   *SessionEvents
	pageSize int
	logger   *slog.Logger
}

// NewTail creates a Tail reading from reader and listening on events.
func NewTail(reader EventReader, events *SessionEvents, logger *slog.Logger) *Tail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tail{
		reader:   reader,
		events:   events,
		pageSize: defaultPageSize,
		logger:   logger.With("component", "tail"),
	}
}

// Run emits every event of sessionID with seq > afterSeq, in seq order and
// exactly once, then keeps emitting new events until ctx ends or the
// broadcaster closes. An emit error stops the tail and is returned.
func (t *Tail) Run(ctx context.Context, sessionID string, afterSeq int64, emit func(*store.SessionEvent) error) error {
	// subscribe first so nothing committed during backfill is missed
	sub := t.events.Subscribe(ctx, sessionID)
	defer sub.Close()

	mark := afterSeq
	if err := t.catchUp(ctx, sessionID, &mark, emit); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			return nil
		case <-sub.Wake():
		}

		notes, overflow := sub.Drain()
		if overflow {
			t.logger.Debug("subscriber overflowed, reading from store", "session_id", sessionID, "mark", mark)
			if err := t.catchUp(ctx, sessionID, &mark, emit); err != nil {
				return err
			}
			continue
		}

		for _, n := range notes {
			if n.Seq <= mark {
				continue
			}
			if n.Event != nil && n.Seq == mark+1 {
				if err := emit(n.Event); err != nil {
					return err
				}
				mark = n.Seq
				continue
			}
			// gap, or a notification without content
			if err := t.catchUp(ctx, sessionID, &mark, emit); err != nil {
				return err
			}
		}
	}
}

// catchUp emits everything after *mark currently in the store.
func (t *Tail) catchUp(ctx context.Context, sessionID string, mark *int64, emit func(*store.SessionEvent) error) error {
	for {
		events, err := t.reader.ListEventsSince(ctx, sessionID, *mark, t.pageSize)
		if err != nil {
			return fmt.Errorf("read events since %d: %w", *mark, err)
		}
		for _, ev := range events {
			if ev.Seq <= *mark {
				continue
			}
			if err := emit(ev); err != nil {
				return err
			}
			*mark = ev.Seq
		}
		if len(events) < t.pageSize {
			return nil
		}
	}
}
