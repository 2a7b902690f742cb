// ABOUTME: SQLite implementation of the Store interface (modernc.org/sqlite or mattn/go-sqlite3)
// ABOUTME: Seq allocation and pin compare-and-set are single statements backed by unique constraints

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure-Go driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLite("sqlite", path)
}

// OpenSQLite opens a SQLite store with the named database/sql driver
// ("sqlite" for modernc, "sqlite3" for mattn/go-sqlite3). The schema is
// created if it doesn't exist and parent directories are created as needed.
func OpenSQLite(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "driver", driver)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite has a single writer. One pooled connection keeps in-process
	// writers queued instead of failing with SQLITE_BUSY, and keeps :memory:
	// databases on one connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL,
			credential_hash TEXT NOT NULL,
			capabilities TEXT NOT NULL DEFAULT '[]',
			tags TEXT NOT NULL DEFAULT '[]',
			labels TEXT NOT NULL DEFAULT '{}',
			version TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			last_seen_at TEXT,
			revoked_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_agents_org ON agents(org_id);

		CREATE TABLE IF NOT EXISTS pairing_tokens (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			created_by TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			used_at TEXT,
			used_by_agent_id TEXT
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			created_by TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			engine TEXT NOT NULL,
			toolset TEXT,
			llm TEXT,
			tool_allow TEXT NOT NULL DEFAULT '[]',
			selector TEXT NOT NULL DEFAULT '{}',
			pinned_agent_id TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_org ON sessions(org_id, created_at);

		CREATE TABLE IF NOT EXISTS session_events (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			level TEXT NOT NULL,
			payload TEXT,
			request_id TEXT,
			idempotency_key TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_session_events_idempotency
			ON session_events(session_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

		CREATE TABLE IF NOT EXISTS session_inbound (
			org_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			event_seq INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			agent_id TEXT,
			request_id TEXT,
			error_code TEXT,
			error_message TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (org_id, session_id, idempotency_key)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE or PRIMARY KEY constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// CreatePairingToken stores a new pairing token
func (s *SQLiteStore) CreatePairingToken(ctx context.Context, token *PairingToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pairing_tokens (id, org_id, token_hash, created_by, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, token.ID, token.OrgID, token.TokenHash, token.CreatedBy, formatTime(token.CreatedAt), formatTime(token.ExpiresAt))
	if err != nil {
		return fmt.Errorf("inserting pairing token: %w", err)
	}
	s.logger.Debug("created pairing token", "id", token.ID, "org_id", token.OrgID)
	return nil
}

// RedeemPairingToken marks the token used and creates the agent in one transaction.
// The used_at IS NULL guard makes concurrent redemptions of one token exclusive.
func (s *SQLiteStore) RedeemPairingToken(ctx context.Context, tokenHash string, now time.Time, agent *Agent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var tokenID, orgID, expiresAtStr string
	var usedAt sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id, org_id, expires_at, used_at FROM pairing_tokens WHERE token_hash = ?
	`, tokenHash).Scan(&tokenID, &orgID, &expiresAtStr, &usedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying pairing token: %w", err)
	}
	if usedAt.Valid {
		return ErrTokenUsed
	}
	expiresAt, err := parseTime(expiresAtStr)
	if err != nil {
		return fmt.Errorf("parsing expires_at: %w", err)
	}
	if !now.Before(expiresAt) {
		return ErrTokenExpired
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE pairing_tokens SET used_at = ?, used_by_agent_id = ?
		WHERE id = ? AND used_at IS NULL
	`, formatTime(now), agent.ID, tokenID)
	if err != nil {
		return fmt.Errorf("marking pairing token used: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrTokenUsed
	}

	agent.OrgID = orgID
	agent.CreatedAt = now
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (id, org_id, name, credential_hash, capabilities, tags, labels, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.OrgID, agent.Name, agent.CredentialHash,
		encodeJSON(nonNil(agent.Capabilities)), encodeJSON(nonNil(agent.Tags)), encodeJSON(agent.Labels),
		agent.Version, formatTime(now))
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing redemption: %w", err)
	}

	s.logger.Info("pairing token redeemed", "token_id", tokenID, "agent_id", agent.ID, "org_id", orgID)
	return nil
}

const agentColumns = `id, org_id, name, credential_hash, capabilities, tags, labels, version, created_at, last_seen_at, revoked_at`

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var caps, tags, labels, createdAt string
	var lastSeen, revoked sql.NullString
	if err := row.Scan(&a.ID, &a.OrgID, &a.Name, &a.CredentialHash, &caps, &tags, &labels, &a.Version, &createdAt, &lastSeen, &revoked); err != nil {
		return nil, err
	}
	a.Capabilities = decodeStrings(caps)
	a.Tags = decodeStrings(tags)
	a.Labels = decodeLabels(labels)

	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.LastSeenAt, err = parseNullTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen_at: %w", err)
	}
	if a.RevokedAt, err = parseNullTime(revoked); err != nil {
		return nil, fmt.Errorf("parsing revoked_at: %w", err)
	}
	return &a, nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return a, nil
}

// ListAgents returns the agents of an organization, oldest first
func (s *SQLiteStore) ListAgents(ctx context.Context, orgID string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE org_id = ? ORDER BY created_at, id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgentHello records the capabilities and version declared in an agent's hello
func (s *SQLiteStore) UpdateAgentHello(ctx context.Context, id string, capabilities []string, version string) error {
	return s.execOne(ctx, "updating agent hello", `
		UPDATE agents SET capabilities = ?, version = ? WHERE id = ?
	`, encodeJSON(nonNil(capabilities)), version, id)
}

// TouchAgent updates last_seen_at
func (s *SQLiteStore) TouchAgent(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, "touching agent", `UPDATE agents SET last_seen_at = ? WHERE id = ?`, formatTime(at), id)
}

// RevokeAgent sets revoked_at. Revoking twice keeps the first timestamp.
func (s *SQLiteStore) RevokeAgent(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, "revoking agent", `
		UPDATE agents SET revoked_at = COALESCE(revoked_at, ?) WHERE id = ?
	`, formatTime(at), id)
}

// execOne runs an update that must touch exactly one row
func (s *SQLiteStore) execOne(ctx context.Context, what, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSession stores a new session
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, org_id, created_by, title, status, engine, toolset, llm, tool_allow, selector, pinned_agent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.OrgID, session.CreatedBy, session.Title, string(session.Status), session.Engine,
		rawOrNull(session.Toolset), rawOrNull(session.LLM), encodeJSON(nonNil(session.ToolAllow)), encodeJSON(session.Selector),
		nullString(session.PinnedAgentID), formatTime(session.CreatedAt), formatTime(session.UpdatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("session %s: %w", session.ID, ErrConflict)
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	s.logger.Debug("created session", "id", session.ID, "org_id", session.OrgID)
	return nil
}

const sessionColumns = `id, org_id, created_by, title, status, engine, toolset, llm, tool_allow, selector, pinned_agent_id, created_at, updated_at`

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var status, toolAllow, selector, createdAt, updatedAt string
	var toolset, llm, pinned sql.NullString
	if err := row.Scan(&sess.ID, &sess.OrgID, &sess.CreatedBy, &sess.Title, &status, &sess.Engine,
		&toolset, &llm, &toolAllow, &selector, &pinned, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	if toolset.Valid {
		sess.Toolset = []byte(toolset.String)
	}
	if llm.Valid {
		sess.LLM = []byte(llm.String)
	}
	sess.ToolAllow = decodeStrings(toolAllow)
	if err := decodeSelector(selector, &sess.Selector); err != nil {
		return nil, err
	}
	sess.PinnedAgentID = pinned.String

	var err error
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &sess, nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// ListSessions returns an organization's most recent sessions
func (s *SQLiteStore) ListSessions(ctx context.Context, orgID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE org_id = ? ORDER BY created_at DESC, id LIMIT ?
	`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// PinSessionAgent sets pinned_agent_id only where it is NULL, then returns the
// pinned value. A caller that lost the race gets the winner's agent id.
func (s *SQLiteStore) PinSessionAgent(ctx context.Context, sessionID, agentID string) (string, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET pinned_agent_id = ?, updated_at = ?
		WHERE id = ? AND pinned_agent_id IS NULL
	`, agentID, formatTime(time.Now()), sessionID)
	if err != nil {
		return "", fmt.Errorf("pinning session: %w", err)
	}

	var pinned sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT pinned_agent_id FROM sessions WHERE id = ?`, sessionID).Scan(&pinned)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading pin: %w", err)
	}
	if !pinned.Valid {
		// Reset between our update and read.
		return "", ErrConflict
	}
	return pinned.String, nil
}

// ResetSessionAgent clears pinned_agent_id
func (s *SQLiteStore) ResetSessionAgent(ctx context.Context, sessionID string) error {
	return s.execOne(ctx, "resetting session agent", `
		UPDATE sessions SET pinned_agent_id = NULL, updated_at = ? WHERE id = ?
	`, formatTime(time.Now()), sessionID)
}

// insertEventSQLite allocates the next seq for the session inside one statement.
// Two writers computing the same seq collide on the primary key.
func insertEventSQLite(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, ev *NewEvent, key string, now time.Time) (*SessionEvent, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO session_events (session_id, seq, event_type, level, payload, request_id, idempotency_key, created_at)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?
		FROM session_events WHERE session_id = ?
		RETURNING seq
	`, ev.SessionID, ev.EventType, ev.Level, rawOrNull(ev.Payload), nullString(ev.RequestID), nullString(key), formatTime(now), ev.SessionID).Scan(&seq)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("inserting event: %w", err)
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
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *NewEvent) (*SessionEvent, error) {
	return insertEventSQLite(ctx, s.db, ev, "", time.Now().UTC())
}

// RecordInbound inserts the idempotency record first so a duplicate key fails
// before any event is written.
func (s *SQLiteStore) RecordInbound(ctx context.Context, orgID, key string, ev *NewEvent) (*InboundRecord, *SessionEvent, bool, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_inbound (org_id, session_id, idempotency_key, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, orgID, ev.SessionID, key, string(InboundPending), formatTime(now), formatTime(now))
	if isConstraintViolation(err) {
		tx.Rollback()
		rec, err := s.GetInbound(ctx, orgID, ev.SessionID, key)
		if err != nil {
			return nil, nil, false, err
		}
		return rec, nil, true, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("inserting inbound record: %w", err)
	}

	event, err := insertEventSQLite(ctx, tx, ev, key, now)
	if err != nil {
		return nil, nil, false, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE session_inbound SET event_seq = ? WHERE org_id = ? AND session_id = ? AND idempotency_key = ?
	`, event.Seq, orgID, ev.SessionID, key); err != nil {
		return nil, nil, false, fmt.Errorf("linking inbound event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, false, fmt.Errorf("committing inbound: %w", err)
	}

	rec := &InboundRecord{
		OrgID:          orgID,
		SessionID:      ev.SessionID,
		IdempotencyKey: key,
		EventSeq:       event.Seq,
		Status:         InboundPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return rec, event, false, nil
}

// GetInbound loads an idempotency record.
// Returns ErrNotFound if the key was never recorded.
func (s *SQLiteStore) GetInbound(ctx context.Context, orgID, sessionID, key string) (*InboundRecord, error) {
	var rec InboundRecord
	var status, createdAt, updatedAt string
	var agentID, requestID, code, message sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT org_id, session_id, idempotency_key, event_seq, status, attempt, agent_id, request_id, error_code, error_message, created_at, updated_at
		FROM session_inbound WHERE org_id = ? AND session_id = ? AND idempotency_key = ?
	`, orgID, sessionID, key).Scan(&rec.OrgID, &rec.SessionID, &rec.IdempotencyKey, &rec.EventSeq, &status, &rec.Attempt,
		&agentID, &requestID, &code, &message, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying inbound record: %w", err)
	}
	rec.Status = InboundStatus(status)
	rec.AgentID = agentID.String
	rec.RequestID = requestID.String
	rec.ErrorCode = code.String
	rec.ErrorMessage = message.String
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &rec, nil
}

// CompleteInbound records the final outcome of a pending send
func (s *SQLiteStore) CompleteInbound(ctx context.Context, rec *InboundRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE session_inbound
		SET status = ?, agent_id = ?, request_id = ?, error_code = ?, error_message = ?, updated_at = ?
		WHERE org_id = ? AND session_id = ? AND idempotency_key = ? AND status = ? AND attempt = ?
	`, string(rec.Status), nullString(rec.AgentID), nullString(rec.RequestID), nullString(rec.ErrorCode), nullString(rec.ErrorMessage),
		formatTime(time.Now()), rec.OrgID, rec.SessionID, rec.IdempotencyKey, string(InboundPending), rec.Attempt)
	if err != nil {
		return fmt.Errorf("completing inbound record: %w", err)
	}
	return expectOneRow(res)
}

// ClaimInbound takes over a stale pending send
func (s *SQLiteStore) ClaimInbound(ctx context.Context, rec *InboundRecord) (*InboundRecord, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE session_inbound SET attempt = attempt + 1, updated_at = ?
		WHERE org_id = ? AND session_id = ? AND idempotency_key = ? AND status = ? AND attempt = ?
	`, formatTime(time.Now()), rec.OrgID, rec.SessionID, rec.IdempotencyKey, string(InboundPending), rec.Attempt)
	if err != nil {
		return nil, fmt.Errorf("claiming inbound record: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return nil, err
	}
	return s.GetInbound(ctx, rec.OrgID, rec.SessionID, rec.IdempotencyKey)
}

// expectOneRow maps a conditional update that matched nothing to ErrConflict.
func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// ListEventsSince returns events with seq > afterSeq in ascending order.
// A non-positive limit returns everything.
func (s *SQLiteStore) ListEventsSince(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*SessionEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, event_type, level, payload, request_id, idempotency_key, created_at
		FROM session_events WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?
	`, sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*SessionEvent
	for rows.Next() {
		var ev SessionEvent
		var payload, requestID, key sql.NullString
		var createdAt string
		if err := rows.Scan(&ev.SessionID, &ev.Seq, &ev.EventType, &ev.Level, &payload, &requestID, &key, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if payload.Valid {
			ev.Payload = []byte(payload.String)
		}
		ev.RequestID = requestID.String
		ev.IdempotencyKey = key.String
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
