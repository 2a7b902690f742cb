// ABOUTME: In-memory fan-out of session event notifications to live subscribers
// ABOUTME: Publishing never blocks; a subscriber that falls too far behind is flagged to catch up from the store

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vespid-ai/vespid-gateway/internal/store"
)

const (
	// maxPending is how many notifications a subscriber may hold before it is
	// marked as overflowed.
	maxPending = 256
)

// Notification announces a committed session event. Event is nil for
// notifications relayed from another gateway process, which carry only the seq.
type Notification struct {
	SessionID string
	Seq       int64
	Event     *store.SessionEvent
}

// SessionEvents provides in-memory pub/sub of committed session events, keyed
// by session ID.
type SessionEvents struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*Subscription // sessionID -> subID -> sub
	closed      bool
	logger      *slog.Logger
}

// NewSessionEvents creates a broadcaster. Pass nil logger for default.
func NewSessionEvents(logger *slog.Logger) *SessionEvents {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionEvents{
		subscribers: make(map[string]map[string]*Subscription),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscription receives notifications for one session. Wake fires whenever
// new notifications are pending; Drain collects them.
type Subscription struct {
	ID        string
	SessionID string

	wake     chan struct{}
	done     chan struct{}
	mu       sync.Mutex
	pending  []Notification
	overflow bool
	stop     func() bool
	once     sync.Once
	parent   *SessionEvents
}

// Wake is signalled when notifications are pending.
func (s *Subscription) Wake() <-chan struct{} { return s.wake }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Drain returns the pending notifications in publish order. overflow is true
// if notifications were discarded since the last Drain; the caller must then
// re-read the store.
func (s *Subscription) Drain() (notes []Notification, overflow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	notes, overflow = s.pending, s.overflow
	s.pending = nil
	s.overflow = false
	return notes, overflow
}

// Close removes the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.parent.unsubscribe(s)
}

func (s *Subscription) push(n Notification) {
	s.mu.Lock()
	if len(s.pending) >= maxPending {
		s.pending = nil
		s.overflow = true
	} else {
		s.pending = append(s.pending, n)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) finish() {
	s.once.Do(func() {
		s.mu.Lock()
		stop := s.stop
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		close(s.done)
	})
}

// Subscribe registers a subscriber for a session. The subscription is removed
// when ctx is cancelled or Close is called.
func (b *SessionEvents) Subscribe(ctx context.Context, sessionID string) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		parent:    b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.finish()
		return sub
	}
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[string]*Subscription)
	}
	b.subscribers[sessionID][sub.ID] = sub
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, sub.Close)
	sub.mu.Lock()
	sub.stop = stop
	sub.mu.Unlock()

	b.logger.Debug("subscriber added",
		"session_id", sessionID,
		"sub_id", sub.ID)
	return sub
}

// Publish announces a committed event to the session's subscribers.
func (b *SessionEvents) Publish(ev *store.SessionEvent) {
	b.notify(Notification{SessionID: ev.SessionID, Seq: ev.Seq, Event: ev})
}

// Notify announces that seq was committed for a session elsewhere.
// Subscribers read the event from the store.
func (b *SessionEvents) Notify(sessionID string, seq int64) {
	b.notify(Notification{SessionID: sessionID, Seq: seq})
}

func (b *SessionEvents) notify(n Notification) {
	b.mu.RLock()
	subs := b.subscribers[n.SessionID]
	targets := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.push(n)
	}
}

// SubscriberCount returns the number of subscribers of a session.
func (b *SessionEvents) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID])
}

func (b *SessionEvents) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if subs, ok := b.subscribers[sub.SessionID]; ok {
		if _, exists := subs[sub.ID]; exists {
			delete(subs, sub.ID)
			if len(subs) == 0 {
				delete(b.subscribers, sub.SessionID)
			}
			b.logger.Debug("subscriber removed",
				"session_id", sub.SessionID,
				"sub_id", sub.ID)
		}
	}
	b.mu.Unlock()
	sub.finish()
}

// Close ends every subscription. Later subscriptions end immediately.
func (b *SessionEvents) Close() {
	b.mu.Lock()
	var all []*Subscription
	for sessionID, subs := range b.subscribers {
		for _, sub := range subs {
			all = append(all, sub)
		}
		delete(b.subscribers, sessionID)
	}
	b.closed = true
	b.mu.Unlock()

	for _, sub := range all {
		sub.finish()
	}
	b.logger.Debug("broadcaster closed")
}
