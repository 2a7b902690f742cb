// ABOUTME: Tests for the Postgres store, run only when VESPID_TEST_POSTGRES_DSN is set
// ABOUTME: Each test gets a private schema so runs don't interfere

package store_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/vespid-gateway/internal/store"
	"github.com/vespid-ai/vespid-gateway/internal/store/storetest"
)

func newPostgresStore(t *testing.T) *store.PostgresStore {
	t.Helper()
	dsn := os.Getenv("VESPID_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VESPID_TEST_POSTGRES_DSN not set")
	}

	schema := "vespid_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	conn, err := pgx.Connect(t.Context(), dsn)
	require.NoError(t, err)
	_, err = conn.Exec(t.Context(), "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = conn.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		conn.Close(context.Background())
	})

	var scoped string
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		scoped = dsn + sep + "search_path=" + schema
	default:
		scoped = dsn + " search_path=" + schema
	}

	s, err := store.NewPostgresStore(t.Context(), scoped)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return newPostgresStore(t)
	})
}

func TestPostgresStore_ListenEvents(t *testing.T) {
	s := newPostgresStore(t)
	sess := storetest.NewSession(t, s, "org-1")

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var mu sync.Mutex
	var seen []string
	go func() {
		_ = s.ListenEvents(ctx, func(sessionID string, seq int64) {
			mu.Lock()
			seen = append(seen, fmt.Sprintf("%s:%d", sessionID, seq))
			mu.Unlock()
		})
	}()

	// LISTEN must be registered before the append is committed.
	time.Sleep(200 * time.Millisecond)
	_, err := storetest.AppendWithRetry(t.Context(), s, &store.NewEvent{
		SessionID: sess.ID, EventType: store.EventAgentMessage, Level: store.LevelInfo,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == sess.ID+":1"
	}, 5*time.Second, 20*time.Millisecond)
}
