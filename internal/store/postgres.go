// ABOUTME: PostgreSQL implementation of the Store interface using jackc/pgx
// ABOUTME: Lets several gateway processes share one store; appends are announced with pg_notify

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyChannel carries "<session_id>:<seq>" payloads for every appended event
const notifyChannel = "vespid_session_events"

// PostgresStore implements the Store interface on a pgx connection pool
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to dsn and creates the schema if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store", "driver", "postgres")

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL,
			credential_hash TEXT NOT NULL,
			capabilities TEXT[] NOT NULL DEFAULT '{}',
			tags TEXT[] NOT NULL DEFAULT '{}',
			labels JSONB NOT NULL DEFAULT '{}',
			version TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			last_seen_at TIMESTAMPTZ,
			revoked_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_agents_org ON agents(org_id);

		CREATE TABLE IF NOT EXISTS pairing_tokens (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			created_by TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			used_at TIMESTAMPTZ,
			used_by_agent_id TEXT
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			created_by TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			engine TEXT NOT NULL,
			toolset JSONB,
			llm JSONB,
			tool_allow TEXT[] NOT NULL DEFAULT '{}',
			selector JSONB NOT NULL DEFAULT '{}',
			pinned_agent_id TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_org ON sessions(org_id, created_at);

		CREATE TABLE IF NOT EXISTS session_events (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			seq BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			level TEXT NOT NULL,
			payload JSONB,
			request_id TEXT,
			idempotency_key TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, seq)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_session_events_idempotency
			ON session_events(session_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

		CREATE TABLE IF NOT EXISTS session_inbound (
			org_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			event_seq BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			agent_id TEXT,
			request_id TEXT,
			error_code TEXT,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (org_id, session_id, idempotency_key)
		);
	`)
	return err
}

// Close closes the pool
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.pool.Close()
	return nil
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// isUniqueViolation reports a Postgres unique_violation (SQLSTATE 23505)
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// pgQuerier is satisfied by both the pool and a transaction
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreatePairingToken stores a new pairing token
func (s *PostgresStore) CreatePairingToken(ctx context.Context, token *PairingToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pairing_tokens (id, org_id, token_hash, created_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, token.ID, token.OrgID, token.TokenHash, token.CreatedBy, token.CreatedAt.UTC(), token.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting pairing token: %w", err)
	}
	return nil
}

// RedeemPairingToken marks the token used and creates the agent in one transaction.
// SELECT ... FOR UPDATE serializes concurrent redemptions of the same token.
func (s *PostgresStore) RedeemPairingToken(ctx context.Context, tokenHash string, now time.Time, agent *Agent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var tokenID, orgID string
	var expiresAt time.Time
	var usedAt *time.Time
	err = tx.QueryRow(ctx, `
		SELECT id, org_id, expires_at, used_at FROM pairing_tokens WHERE token_hash = $1 FOR UPDATE
	`, tokenHash).Scan(&tokenID, &orgID, &expiresAt, &usedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying pairing token: %w", err)
	}
	if usedAt != nil {
		return ErrTokenUsed
	}
	if !now.Before(expiresAt) {
		return ErrTokenExpired
	}

	if _, err := tx.Exec(ctx, `
		UPDATE pairing_tokens SET used_at = $1, used_by_agent_id = $2 WHERE id = $3
	`, now.UTC(), agent.ID, tokenID); err != nil {
		return fmt.Errorf("marking pairing token used: %w", err)
	}

	agent.OrgID = orgID
	agent.CreatedAt = now
	if _, err := tx.Exec(ctx, `
		INSERT INTO agents (id, org_id, name, credential_hash, capabilities, tags, labels, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
	`, agent.ID, orgID, agent.Name, agent.CredentialHash, nonNil(agent.Capabilities), nonNil(agent.Tags),
		encodeJSON(agent.Labels), agent.Version, now.UTC()); err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing redemption: %w", err)
	}
	s.logger.Info("pairing token redeemed", "token_id", tokenID, "agent_id", agent.ID, "org_id", orgID)
	return nil
}

const pgAgentColumns = `id, org_id, name, credential_hash, capabilities, tags, labels::text, version, created_at, last_seen_at, revoked_at`

func scanPGAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	var labels string
	if err := row.Scan(&a.ID, &a.OrgID, &a.Name, &a.CredentialHash, &a.Capabilities, &a.Tags, &labels,
		&a.Version, &a.CreatedAt, &a.LastSeenAt, &a.RevokedAt); err != nil {
		return nil, err
	}
	a.Labels = decodeLabels(labels)
	return &a, nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := scanPGAgent(s.pool.QueryRow(ctx, `SELECT `+pgAgentColumns+` FROM agents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return a, nil
}

// ListAgents returns the agents of an organization, oldest first
func (s *PostgresStore) ListAgents(ctx context.Context, orgID string) ([]*Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgAgentColumns+` FROM agents WHERE org_id = $1 ORDER BY created_at, id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanPGAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) execOne(ctx context.Context, what, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAgentHello records the capabilities and version declared in an agent's hello
func (s *PostgresStore) UpdateAgentHello(ctx context.Context, id string, capabilities []string, version string) error {
	return s.execOne(ctx, "updating agent hello",
		`UPDATE agents SET capabilities = $1, version = $2 WHERE id = $3`, nonNil(capabilities), version, id)
}

// TouchAgent updates last_seen_at
func (s *PostgresStore) TouchAgent(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, "touching agent", `UPDATE agents SET last_seen_at = $1 WHERE id = $2`, at.UTC(), id)
}

// RevokeAgent sets revoked_at. Revoking twice keeps the first timestamp.
func (s *PostgresStore) RevokeAgent(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, "revoking agent",
		`UPDATE agents SET revoked_at = COALESCE(revoked_at, $1) WHERE id = $2`, at.UTC(), id)
}

// CreateSession stores a new session
func (s *PostgresStore) CreateSession(ctx context.Context, session *Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, org_id, created_by, title, status, engine, toolset, llm, tool_allow, selector, pinned_agent_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10::jsonb, $11, $12, $13)
	`, session.ID, session.OrgID, session.CreatedBy, session.Title, string(session.Status), session.Engine,
		rawOrNull(session.Toolset), rawOrNull(session.LLM), nonNil(session.ToolAllow), encodeJSON(session.Selector),
		nullString(session.PinnedAgentID), session.CreatedAt.UTC(), session.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session %s: %w", session.ID, ErrConflict)
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

const pgSessionColumns = `id, org_id, created_by, title, status, engine, toolset::text, llm::text, tool_allow, selector::text, pinned_agent_id, created_at, updated_at`

func scanPGSession(row pgx.Row) (*Session, error) {
	var sess Session
	var status, selector string
	var toolset, llm, pinned *string
	if err := row.Scan(&sess.ID, &sess.OrgID, &sess.CreatedBy, &sess.Title, &status, &sess.Engine,
		&toolset, &llm, &sess.ToolAllow, &selector, &pinned, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	if toolset != nil {
		sess.Toolset = []byte(*toolset)
	}
	if llm != nil {
		sess.LLM = []byte(*llm)
	}
	if pinned != nil {
		sess.PinnedAgentID = *pinned
	}
	if err := decodeSelector(selector, &sess.Selector); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanPGSession(s.pool.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// ListSessions returns an organization's most recent sessions
func (s *PostgresStore) ListSessions(ctx context.Context, orgID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgSessionColumns+` FROM sessions WHERE org_id = $1 ORDER BY created_at DESC, id LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanPGSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// PinSessionAgent sets pinned_agent_id only where it is NULL, then returns the
// pinned value. Concurrent updates block on the row lock and re-check the
// predicate, so exactly one caller wins.
func (s *PostgresStore) PinSessionAgent(ctx context.Context, sessionID, agentID string) (string, error) {
	if _, err := s.pool.Exec(ctx, `
		UPDATE sessions SET pinned_agent_id = $1, updated_at = now()
		WHERE id = $2 AND pinned_agent_id IS NULL
	`, agentID, sessionID); err != nil {
		return "", fmt.Errorf("pinning session: %w", err)
	}

	var pinned *string
	err := s.pool.QueryRow(ctx, `SELECT pinned_agent_id FROM sessions WHERE id = $1`, sessionID).Scan(&pinned)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading pin: %w", err)
	}
	if pinned == nil {
		return "", ErrConflict
	}
	return *pinned, nil
}

// ResetSessionAgent clears pinned_agent_id
func (s *PostgresStore) ResetSessionAgent(ctx context.Context, sessionID string) error {
	return s.execOne(ctx, "resetting session agent",
		`UPDATE sessions SET pinned_agent_id = NULL, updated_at = now() WHERE id = $1`, sessionID)
}

// insertEventPG allocates the next seq inside one statement and announces it.
// Under READ COMMITTED two writers can compute the same seq; the second one
// fails on the primary key and the caller retries.
func insertEventPG(ctx context.Context, q pgQuerier, ev *NewEvent, key string, now time.Time) (*SessionEvent, error) {
	var seq int64
	err := q.QueryRow(ctx, `
		INSERT INTO session_events (session_id, seq, event_type, level, payload, request_id, idempotency_key, created_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4::jsonb, $5, $6, $7
		FROM session_events WHERE session_id = $1
		RETURNING seq
	`, ev.SessionID, ev.EventType, ev.Level, rawOrNull(ev.Payload), nullString(ev.RequestID), nullString(key), now).Scan(&seq)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("inserting event: %w", err)
	}

	if _, err := q.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, ev.SessionID+":"+strconv.FormatInt(seq, 10)); err != nil {
		return nil, fmt.Errorf("notifying event: %w", err)
	}

	return &SessionEvent{
		SessionID:      ev.SessionID,
		Seq:            seq,
		EventType:      ev.EventType,
		Level:          ev.Level,
		Payload:        ev.Payload,
		RequestID:      ev.RequestID,
		IdempotencyKey: key,
		CreatedAt:      now,
	}, nil
}

// AppendEvent appends an event with the session's next seq
func (s *PostgresStore) AppendEvent(ctx context.Context, ev *NewEvent) (*SessionEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	event, err := insertEventPG(ctx, tx, ev, "", time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("committing event: %w", err)
	}
	return event, nil
}

// RecordInbound inserts the idempotency record and its event in one transaction.
// A concurrent insert of the same key blocks on the primary key until the
// first transaction finishes, then reports a duplicate.
func (s *PostgresStore) RecordInbound(ctx context.Context, orgID, key string, ev *NewEvent) (*InboundRecord, *SessionEvent, bool, error) {
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO session_inbound (org_id, session_id, idempotency_key, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, orgID, ev.SessionID, key, string(InboundPending), now)
	if isUniqueViolation(err) {
		_ = tx.Rollback(ctx)
		rec, err := s.GetInbound(ctx, orgID, ev.SessionID, key)
		if err != nil {
			return nil, nil, false, err
		}
		return rec, nil, true, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("inserting inbound record: %w", err)
	}

	event, err := insertEventPG(ctx, tx, ev, key, now)
	if err != nil {
		return nil, nil, false, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE session_inbound SET event_seq = $1 WHERE org_id = $2 AND session_id = $3 AND idempotency_key = $4
	`, event.Seq, orgID, ev.SessionID, key); err != nil {
		return nil, nil, false, fmt.Errorf("linking inbound event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, false, fmt.Errorf("committing inbound: %w", err)
	}

	return &InboundRecord{
		OrgID:          orgID,
		SessionID:      ev.SessionID,
		IdempotencyKey: key,
		EventSeq:       event.Seq,
		Status:         InboundPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, event, false, nil
}

// GetInbound loads an idempotency record.
// Returns ErrNotFound if the key was never recorded.
func (s *PostgresStore) GetInbound(ctx context.Context, orgID, sessionID, key string) (*InboundRecord, error) {
	var rec InboundRecord
	var status string
	var agentID, requestID, code, message *string
	err := s.pool.QueryRow(ctx, `
		SELECT org_id, session_id, idempotency_key, event_seq, status, attempt, agent_id, request_id, error_code, error_message, created_at, updated_at
		FROM session_inbound WHERE org_id = $1 AND session_id = $2 AND idempotency_key = $3
	`, orgID, sessionID, key).Scan(&rec.OrgID, &rec.SessionID, &rec.IdempotencyKey, &rec.EventSeq, &status, &rec.Attempt,
		&agentID, &requestID, &code, &message, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying inbound record: %w", err)
	}
	rec.Status = InboundStatus(status)
	rec.AgentID = deref(agentID)
	rec.RequestID = deref(requestID)
	rec.ErrorCode = deref(code)
	rec.ErrorMessage = deref(message)
	return &rec, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// CompleteInbound records the final outcome of a pending send
func (s *PostgresStore) CompleteInbound(ctx context.Context, rec *InboundRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE session_inbound
		SET status = $1, agent_id = $2, request_id = $3, error_code = $4, error_message = $5, updated_at = now()
		WHERE org_id = $6 AND session_id = $7 AND idempotency_key = $8 AND status = $9 AND attempt = $10
	`, string(rec.Status), nullString(rec.AgentID), nullString(rec.RequestID), nullString(rec.ErrorCode), nullString(rec.ErrorMessage),
		rec.OrgID, rec.SessionID, rec.IdempotencyKey, string(InboundPending), rec.Attempt)
	if err != nil {
		return fmt.Errorf("completing inbound record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ClaimInbound takes over a stale pending send
func (s *PostgresStore) ClaimInbound(ctx context.Context, rec *InboundRecord) (*InboundRecord, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE session_inbound SET attempt = attempt + 1, updated_at = now()
		WHERE org_id = $1 AND session_id = $2 AND idempotency_key = $3 AND status = $4 AND attempt = $5
	`, rec.OrgID, rec.SessionID, rec.IdempotencyKey, string(InboundPending), rec.Attempt)
	if err != nil {
		return nil, fmt.Errorf("claiming inbound record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrConflict
	}
	return s.GetInbound(ctx, rec.OrgID, rec.SessionID, rec.IdempotencyKey)
}

// ListEventsSince returns events with seq > afterSeq in ascending order.
// A non-positive limit returns everything.
func (s *PostgresStore) ListEventsSince(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*SessionEvent, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, seq, event_type, level, payload::text, request_id, idempotency_key, created_at
		FROM session_events WHERE session_id = $1 AND seq > $2
		ORDER BY seq ASC LIMIT $3
	`, sessionID, afterSeq, limitArg)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*SessionEvent
	for rows.Next() {
		var ev SessionEvent
		var payload, requestID, key *string
		if err := rows.Scan(&ev.SessionID, &ev.Seq, &ev.EventType, &ev.Level, &payload, &requestID, &key, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if payload != nil {
			ev.Payload = []byte(*payload)
		}
		ev.RequestID = deref(requestID)
		ev.IdempotencyKey = deref(key)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// ListenEvents holds one pooled connection on LISTEN and reports every
// appended event, including this process's own.
func (s *PostgresStore) ListenEvents(ctx context.Context, fn func(sessionID string, seq int64)) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listening: %w", err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("waiting for notification: %w", err)
		}

		idx := strings.LastIndexByte(n.Payload, ':')
		if idx < 0 {
			s.logger.Warn("malformed event notification", "payload", n.Payload)
			continue
		}
		sessionID := n.Payload[:idx]
		seq, err := strconv.ParseInt(n.Payload[idx+1:], 10, 64)
		if err != nil {
			s.logger.Warn("malformed event notification", "payload", n.Payload)
			continue
		}
		fn(sessionID, seq)
	}
}

var (
	_ Store         = (*PostgresStore)(nil)
	_ EventNotifier = (*PostgresStore)(nil)
)
