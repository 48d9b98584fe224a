package relay

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"desk/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when DESK_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_UnreadAndMarkRead(t *testing.T) {
	t.Parallel()

	store := mustNewTestStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	clientID := ids.MustNew(time.Now().UTC())
	if err := store.Ensure(ctx, clientID); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	for _, text := range []string{"a", "b"} {
		if _, err := store.AppendUserMessage(ctx, AppendInput{ClientID: clientID, Text: text}); err != nil {
			t.Fatalf("append %s: %v", text, err)
		}
	}

	res, err := store.AppendAgentMessage(ctx, AppendInput{ClientID: clientID, Text: "reply", ClientMsgID: "cm-1"})
	if err != nil {
		t.Fatalf("append agent: %v", err)
	}
	if res.Conversation.Unread != 2 {
		t.Fatalf("unread=%d want 2 (agent replies do not count)", res.Conversation.Unread)
	}
	if got := len(res.Conversation.Messages); got != 3 {
		t.Fatalf("messages=%d want 3", got)
	}
	if res.Conversation.Messages[0].Text != "a" || !res.Conversation.Messages[2].IsAgent {
		t.Fatalf("order broken: %+v", res.Conversation.Messages)
	}

	conv, err := store.MarkRead(ctx, clientID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if conv.Unread != 0 || len(conv.Messages) != 3 {
		t.Fatalf("after mark read: %+v", conv)
	}
}

func TestPostgresStore_AgentAppendIsIdempotent(t *testing.T) {
	t.Parallel()

	store := mustNewTestStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	clientID := ids.MustNew(time.Now().UTC())
	in := AppendInput{ClientID: clientID, Text: "hello", ClientMsgID: "cm-dup"}

	first, err := store.AppendAgentMessage(ctx, in)
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Duplicated {
		t.Fatalf("append first: expected Duplicated=false")
	}

	second, err := store.AppendAgentMessage(ctx, in)
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if !second.Duplicated || second.Message.ID != first.Message.ID {
		t.Fatalf("append duplicate: %+v", second)
	}
	if got := len(second.Conversation.Messages); got != 1 {
		t.Fatalf("messages=%d want 1", got)
	}
}

func TestPostgresStore_ConversationsKeepsRequestOrder(t *testing.T) {
	t.Parallel()

	store := mustNewTestStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := time.Now().UTC()
	a, b := ids.MustNew(now), ids.MustNew(now)
	for _, id := range []string{a, b} {
		if _, err := store.AppendUserMessage(ctx, AppendInput{ClientID: id, Text: "hi " + id}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	out, err := store.Conversations(ctx, []string{b, "missing", a})
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	if len(out) != 2 || out[0].ClientID != b || out[1].ClientID != a {
		t.Fatalf("conversations=%+v", out)
	}

	empty, err := store.Conversation(ctx, "missing")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if empty.ClientID != "missing" || len(empty.Messages) != 0 {
		t.Fatalf("missing conversation=%+v", empty)
	}
}

// ---- helpers ----

func mustNewTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := "desk_it_" + strings.ToLower(ids.MustNew(time.Now().UTC()))
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return store
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("DESK_DATABASE_URL"))
	if dsn == "" {
		t.Skip("DESK_DATABASE_URL not set; skipping Postgres integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}

	c, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
