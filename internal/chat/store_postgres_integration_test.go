package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when PARLEY_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresConversationStore_FindOrCreate_Converges(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	convs := mustNewConvStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	u1 := "it-u1-" + randomHexTest(4)
	u2 := "it-u2-" + randomHexTest(4)

	const n = 16
	idsCh := make(chan string, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			c, err := convs.FindOrCreate(ctx, []string{u2, u1}, "proj")
			if err != nil {
				t.Errorf("find-or-create: %v", err)
				return
			}
			idsCh <- c.ID
		}()
	}
	wg.Wait()
	close(idsCh)

	seen := map[string]struct{}{}
	for id := range idsCh {
		seen[id] = struct{}{}
	}
	if len(seen) != 1 {
		t.Fatalf("expected one conversation under concurrency, got %d", len(seen))
	}

	got, err := convs.FindOrCreate(ctx, []string{u1, u2}, "proj")
	if err != nil {
		t.Fatalf("re-fetch: %v", err)
	}
	if len(got.UnreadCount) != 2 || got.UnreadCount[u1] != 0 || got.UnreadCount[u2] != 0 {
		t.Fatalf("expected zeroed counters for both participants, got %v", got.UnreadCount)
	}
}

func TestPostgresStores_SendFlow_UnreadAndReadBy(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	convs := mustNewConvStore(t, pool, schema)
	msgs := mustNewMsgStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	u1, u2 := "it-send-u1", "it-send-u2"
	conv, err := convs.FindOrCreate(ctx, []string{u1, u2}, "")
	if err != nil {
		t.Fatalf("find-or-create: %v", err)
	}

	res, err := msgs.Create(ctx, CreateMessageInput{
		ConversationID: conv.ID,
		SenderID:       u1,
		Content:        "hello",
		Type:           MessageTypeText,
		ClientMsgID:    "cmsg-" + randomHexTest(4),
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if res.Duplicated {
		t.Fatalf("expected fresh message")
	}
	if len(res.Message.ReadBy) != 1 || res.Message.ReadBy[0] != u1 {
		t.Fatalf("expected readBy=[sender], got %v", res.Message.ReadBy)
	}

	if err := convs.IncrementUnread(ctx, conv.ID, u1, "hello", res.Message.CreatedAt); err != nil {
		t.Fatalf("increment: %v", err)
	}

	got, err := convs.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.UnreadCount[u2] != 1 || got.UnreadCount[u1] != 0 {
		t.Fatalf("expected u2=1 u1=0, got %v", got.UnreadCount)
	}
	if got.LastMessage != "hello" {
		t.Fatalf("expected lastMessage=hello, got %q", got.LastMessage)
	}

	// Conversation-level read zeroes the counter and acks the message.
	acked, err := msgs.MarkAllRead(ctx, conv.ID, u2)
	if err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	if len(acked) != 1 || acked[0] != res.Message.ID {
		t.Fatalf("expected the one message acked, got %v", acked)
	}
	if err := convs.ResetUnread(ctx, conv.ID, u2); err != nil {
		t.Fatalf("reset: %v", err)
	}

	m, err := msgs.Get(ctx, res.Message.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if !m.IsReadBy(u2) {
		t.Fatalf("expected u2 in readBy, got %v", m.ReadBy)
	}

	// Repeated ack must not grow readBy.
	again, err := msgs.MarkRead(ctx, res.Message.ID, u2)
	if err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}
	if len(again.ReadBy) != len(m.ReadBy) {
		t.Fatalf("repeat ack grew readBy: %v vs %v", again.ReadBy, m.ReadBy)
	}
}

func TestPostgresMessageStore_ClientMsgID_Dedupe(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	convs := mustNewConvStore(t, pool, schema)
	msgs := mustNewMsgStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conv, err := convs.FindOrCreate(ctx, []string{"it-dd-u1", "it-dd-u2"}, "")
	if err != nil {
		t.Fatalf("find-or-create: %v", err)
	}

	key := "cmsg-" + randomHexTest(6)
	first, err := msgs.Create(ctx, CreateMessageInput{
		ConversationID: conv.ID, SenderID: "it-dd-u1", Content: "hello", Type: MessageTypeText, ClientMsgID: key,
	})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := msgs.Create(ctx, CreateMessageInput{
		ConversationID: conv.ID, SenderID: "it-dd-u1", Content: "hello", Type: MessageTypeText, ClientMsgID: key,
	})
	if err != nil {
		t.Fatalf("create duplicate: %v", err)
	}
	if !second.Duplicated || second.Message.ID != first.Message.ID {
		t.Fatalf("expected dedupe onto original: dup=%v first=%s second=%s",
			second.Duplicated, first.Message.ID, second.Message.ID)
	}

	page, err := msgs.ListByConversation(ctx, conv.ID, 1, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected one stored row, got %d", page.Total)
	}
}

func TestPostgresMessageStore_Pagination_NewestFirst(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	convs := mustNewConvStore(t, pool, schema)
	msgs := mustNewMsgStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	conv, err := convs.FindOrCreate(ctx, []string{"it-pg-u1", "it-pg-u2"}, "")
	if err != nil {
		t.Fatalf("find-or-create: %v", err)
	}

	const total = 7
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < total; i++ {
		if _, err := msgs.Create(ctx, CreateMessageInput{
			ConversationID: conv.ID,
			SenderID:       "it-pg-u1",
			Content:        fmt.Sprintf("m%d", i),
			Type:           MessageTypeText,
			Now:            base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	seen := map[string]struct{}{}
	var prev *Message
	for page := 1; page <= 3; page++ {
		out, err := msgs.ListByConversation(ctx, conv.ID, page, 3)
		if err != nil {
			t.Fatalf("list page %d: %v", page, err)
		}
		if out.Total != total {
			t.Fatalf("expected total=%d, got %d", total, out.Total)
		}
		for _, m := range out.Items {
			if _, dup := seen[m.ID]; dup {
				t.Fatalf("message %s on two pages", m.ID)
			}
			seen[m.ID] = struct{}{}
			if prev != nil && m.CreatedAt.After(prev.CreatedAt) {
				t.Fatalf("expected newest-first across page boundaries")
			}
			prev = m
		}
	}
	if len(seen) != total {
		t.Fatalf("pages must cover all rows: got %d want %d", len(seen), total)
	}
}

func TestPostgresConversationStore_Delete_Cascades(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyChatSchema(t, pool, schema)

	convs := mustNewConvStore(t, pool, schema)
	msgs := mustNewMsgStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conv, err := convs.FindOrCreate(ctx, []string{"it-del-u1", "it-del-u2"}, "")
	if err != nil {
		t.Fatalf("find-or-create: %v", err)
	}
	if _, err := msgs.Create(ctx, CreateMessageInput{
		ConversationID: conv.ID, SenderID: "it-del-u1", Content: "bye", Type: MessageTypeText,
	}); err != nil {
		t.Fatalf("create message: %v", err)
	}

	if err := convs.Delete(ctx, conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var cnt int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(schema, "messages")+` WHERE conversation_id = $1`,
		conv.ID,
	).Scan(&cnt); err != nil {
		t.Fatalf("count: %v", err)
	}
	if cnt != 0 {
		t.Fatalf("expected message cascade on conversation delete, got %d rows", cnt)
	}
}

// ---- helpers ----

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PARLEY_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PARLEY_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse PARLEY_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "parley_it_" + strings.ToLower(randomHexTest(8))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplyChatSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	conversations := pgIdent(schema, "conversations")
	unread := pgIdent(schema, "conversation_unread")
	messages := pgIdent(schema, "messages")

	// Minimal schema required by the Postgres stores.
	// Must remain semantically aligned with migrations/schema.sql.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id              TEXT PRIMARY KEY,
  participants    TEXT[]      NOT NULL,
  participant_key TEXT        NOT NULL,
  project_id      TEXT        NOT NULL DEFAULT '',
  last_message    TEXT        NOT NULL DEFAULT '',
  last_message_at TIMESTAMPTZ,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (participant_key, project_id)
);

CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT   NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  user_id         TEXT   NOT NULL,
  unread          BIGINT NOT NULL DEFAULT 0,
  PRIMARY KEY (conversation_id, user_id)
);

CREATE TABLE IF NOT EXISTS %s (
  id              TEXT        PRIMARY KEY,
  conversation_id TEXT        NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  sender_id       TEXT        NOT NULL,
  content         TEXT        NOT NULL,
  msg_type        TEXT        NOT NULL DEFAULT 'text',
  attachments     JSONB       NOT NULL DEFAULT '[]',
  read_by         TEXT[]      NOT NULL,
  client_msg_id   TEXT,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS %s
  ON %s (conversation_id, client_msg_id)
  WHERE client_msg_id IS NOT NULL;
`,
		conversations,
		unread, conversations,
		messages, conversations,
		pgx.Identifier{schema + "_client_msg_idx"}.Sanitize(), messages,
	)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func mustNewConvStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresConversationStore {
	t.Helper()
	s, err := NewPostgresConversationStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresConversationStore: %v", err)
	}
	return s
}

func mustNewMsgStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresMessageStore {
	t.Helper()
	s, err := NewPostgresMessageStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresMessageStore: %v", err)
	}
	return s
}

func randomHexTest(nBytes int) string {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "deadbeef"
	}
	return hex.EncodeToString(b)
}
