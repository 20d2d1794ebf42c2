package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestInMemoryConversationStore_FindOrCreate_OrderIndependent(t *testing.T) {
	t.Parallel()

	s := NewInMemoryConversationStore()
	ctx := context.Background()

	first, err := s.FindOrCreate(ctx, []string{"u2", "u1"}, "")
	if err != nil {
		t.Fatalf("find-or-create first: %v", err)
	}
	second, err := s.FindOrCreate(ctx, []string{"u1", "u2"}, "")
	if err != nil {
		t.Fatalf("find-or-create second: %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("expected same conversation for reordered participants: %q vs %q", first.ID, second.ID)
	}
	if len(first.Participants) != 2 || first.Participants[0] != "u1" || first.Participants[1] != "u2" {
		t.Fatalf("expected sorted participants [u1 u2], got %v", first.Participants)
	}
	for _, p := range first.Participants {
		if first.UnreadCount[p] != 0 {
			t.Fatalf("expected zero unread for %s, got %d", p, first.UnreadCount[p])
		}
	}
	if len(first.UnreadCount) != len(first.Participants) {
		t.Fatalf("unread key set (%d) must equal participant set (%d)", len(first.UnreadCount), len(first.Participants))
	}
}

func TestInMemoryConversationStore_FindOrCreate_ProjectDiscriminator(t *testing.T) {
	t.Parallel()

	s := NewInMemoryConversationStore()
	ctx := context.Background()

	a, err := s.FindOrCreate(ctx, []string{"u1", "u2"}, "proj-a")
	if err != nil {
		t.Fatalf("find-or-create a: %v", err)
	}
	b, err := s.FindOrCreate(ctx, []string{"u1", "u2"}, "proj-b")
	if err != nil {
		t.Fatalf("find-or-create b: %v", err)
	}
	if a.ID == b.ID {
		t.Fatalf("different projects must yield different conversations")
	}
}

func TestInMemoryConversationStore_FindOrCreate_Concurrent(t *testing.T) {
	t.Parallel()

	s := NewInMemoryConversationStore()
	ctx := context.Background()

	const n = 32
	idsCh := make(chan string, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			c, err := s.FindOrCreate(ctx, []string{"u1", "u2"}, "")
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
		t.Fatalf("expected exactly one conversation under concurrency, got %d", len(seen))
	}
}

func TestInMemoryConversationStore_FindOrCreate_RequiresTwoParticipants(t *testing.T) {
	t.Parallel()

	s := NewInMemoryConversationStore()

	_, err := s.FindOrCreate(context.Background(), []string{"u1", "u1", " "}, "")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestInMemoryConversationStore_IncrementAndReset(t *testing.T) {
	t.Parallel()

	s := NewInMemoryConversationStore()
	ctx := context.Background()

	conv, err := s.FindOrCreate(ctx, []string{"u1", "u2", "u3"}, "")
	if err != nil {
		t.Fatalf("find-or-create: %v", err)
	}

	at := time.Now().UTC()
	if err := s.IncrementUnread(ctx, conv.ID, "u1", "hello", at); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := s.IncrementUnread(ctx, conv.ID, "u1", "again", at.Add(time.Second)); err != nil {
		t.Fatalf("increment: %v", err)
	}

	got, err := s.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UnreadCount["u1"] != 0 {
		t.Fatalf("sender counter must stay 0, got %d", got.UnreadCount["u1"])
	}
	if got.UnreadCount["u2"] != 2 || got.UnreadCount["u3"] != 2 {
		t.Fatalf("expected u2=2 u3=2, got %v", got.UnreadCount)
	}
	if got.LastMessage != "again" {
		t.Fatalf("expected lastMessage=again, got %q", got.LastMessage)
	}

	if err := s.ResetUnread(ctx, conv.ID, "u2"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, err = s.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UnreadCount["u2"] != 0 {
		t.Fatalf("expected u2 reset to 0, got %d", got.UnreadCount["u2"])
	}
	if got.UnreadCount["u3"] != 2 {
		t.Fatalf("reset must not touch other counters, got u3=%d", got.UnreadCount["u3"])
	}
}

func TestInMemoryConversationStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := NewInMemoryConversationStore()
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInMemoryConversationStore_ListForUser_RecentFirst(t *testing.T) {
	t.Parallel()

	s := NewInMemoryConversationStore()
	ctx := context.Background()

	a, _ := s.FindOrCreate(ctx, []string{"u1", "u2"}, "")
	b, _ := s.FindOrCreate(ctx, []string{"u1", "u3"}, "")
	_, _ = s.FindOrCreate(ctx, []string{"u4", "u5"}, "")

	// Activity in a makes it the most recent.
	if err := s.IncrementUnread(ctx, b.ID, "u3", "old", time.Now().UTC().Add(-time.Hour)); err != nil {
		t.Fatalf("increment b: %v", err)
	}
	if err := s.IncrementUnread(ctx, a.ID, "u2", "new", time.Now().UTC()); err != nil {
		t.Fatalf("increment a: %v", err)
	}

	out, err := s.ListForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 conversations for u1, got %d", len(out))
	}
	if out[0].ID != a.ID || out[1].ID != b.ID {
		t.Fatalf("expected [a b] ordering, got [%s %s]", out[0].ID, out[1].ID)
	}
}

func TestInMemoryMessageStore_Create_SeedsReadByWithSender(t *testing.T) {
	t.Parallel()

	s := NewInMemoryMessageStore()

	res, err := s.Create(context.Background(), CreateMessageInput{
		ConversationID: "c1",
		SenderID:       "u1",
		Content:        "hi",
		Type:           MessageTypeText,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Duplicated {
		t.Fatalf("unexpected duplicate")
	}
	if !res.Message.IsReadBy("u1") {
		t.Fatalf("sender must be in readBy from creation")
	}
	if len(res.Message.ReadBy) != 1 {
		t.Fatalf("expected readBy=[sender], got %v", res.Message.ReadBy)
	}
}

func TestInMemoryMessageStore_ClientMsgID_Dedupe(t *testing.T) {
	t.Parallel()

	s := NewInMemoryMessageStore()
	ctx := context.Background()

	first, err := s.Create(ctx, CreateMessageInput{
		ConversationID: "c1", SenderID: "u1", Content: "hi", Type: MessageTypeText, ClientMsgID: "k1",
	})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}

	second, err := s.Create(ctx, CreateMessageInput{
		ConversationID: "c1", SenderID: "u1", Content: "hi again", Type: MessageTypeText, ClientMsgID: "k1",
	})
	if err != nil {
		t.Fatalf("create duplicate: %v", err)
	}
	if !second.Duplicated {
		t.Fatalf("expected Duplicated=true for retried key")
	}
	if second.Message.ID != first.Message.ID {
		t.Fatalf("duplicate must return the original message")
	}

	// Same key in a different conversation is a distinct message.
	other, err := s.Create(ctx, CreateMessageInput{
		ConversationID: "c2", SenderID: "u1", Content: "hi", Type: MessageTypeText, ClientMsgID: "k1",
	})
	if err != nil {
		t.Fatalf("create other conv: %v", err)
	}
	if other.Duplicated {
		t.Fatalf("key scope is per conversation")
	}
}

func TestInMemoryMessageStore_Pagination_NewestFirst_NoGapsNoOverlap(t *testing.T) {
	t.Parallel()

	s := NewInMemoryMessageStore()
	ctx := context.Background()

	const total = 25
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < total; i++ {
		_, err := s.Create(ctx, CreateMessageInput{
			ConversationID: "c1",
			SenderID:       "u1",
			Content:        fmt.Sprintf("m%d", i),
			Type:           MessageTypeText,
			Now:            base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	seen := map[string]struct{}{}
	var prev *Message
	for page := 1; ; page++ {
		out, err := s.ListByConversation(ctx, "c1", page, 10)
		if err != nil {
			t.Fatalf("list page %d: %v", page, err)
		}
		if out.Total != total {
			t.Fatalf("expected total=%d, got %d", total, out.Total)
		}
		if len(out.Items) == 0 {
			break
		}
		for _, m := range out.Items {
			if _, dup := seen[m.ID]; dup {
				t.Fatalf("message %s appeared on two pages", m.ID)
			}
			seen[m.ID] = struct{}{}
			if prev != nil && m.CreatedAt.After(prev.CreatedAt) {
				t.Fatalf("pages must be newest-first across boundaries")
			}
			prev = m
		}
	}
	if len(seen) != total {
		t.Fatalf("union of pages must cover all messages: got %d want %d", len(seen), total)
	}
}

func TestInMemoryMessageStore_Pagination_ClampsAndDefaults(t *testing.T) {
	t.Parallel()

	s := NewInMemoryMessageStore()
	ctx := context.Background()

	_, _ = s.Create(ctx, CreateMessageInput{ConversationID: "c1", SenderID: "u1", Content: "m", Type: MessageTypeText})

	out, err := s.ListByConversation(ctx, "c1", 0, 500)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if out.Page != 1 {
		t.Fatalf("page must clamp to 1, got %d", out.Page)
	}
	if out.PageSize != DefaultMaxPageSize {
		t.Fatalf("pageSize must clamp to %d, got %d", DefaultMaxPageSize, out.PageSize)
	}

	// Page beyond the end is empty, not an error.
	out, err = s.ListByConversation(ctx, "c1", 99, 10)
	if err != nil {
		t.Fatalf("list far page: %v", err)
	}
	if len(out.Items) != 0 {
		t.Fatalf("expected empty page beyond end, got %d items", len(out.Items))
	}
}

func TestInMemoryMessageStore_MarkRead_Idempotent(t *testing.T) {
	t.Parallel()

	s := NewInMemoryMessageStore()
	ctx := context.Background()

	res, _ := s.Create(ctx, CreateMessageInput{ConversationID: "c1", SenderID: "u1", Content: "m", Type: MessageTypeText})

	m, err := s.MarkRead(ctx, res.Message.ID, "u2")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !m.IsReadBy("u2") {
		t.Fatalf("expected u2 in readBy")
	}

	again, err := s.MarkRead(ctx, res.Message.ID, "u2")
	if err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if len(again.ReadBy) != len(m.ReadBy) {
		t.Fatalf("repeated ack must not grow readBy: %v vs %v", again.ReadBy, m.ReadBy)
	}

	if _, err := s.MarkRead(ctx, "missing", "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInMemoryMessageStore_MarkAllRead_SkipsOwnAndAlreadyRead(t *testing.T) {
	t.Parallel()

	s := NewInMemoryMessageStore()
	ctx := context.Background()

	mine, _ := s.Create(ctx, CreateMessageInput{ConversationID: "c1", SenderID: "u2", Content: "mine", Type: MessageTypeText})
	theirs1, _ := s.Create(ctx, CreateMessageInput{ConversationID: "c1", SenderID: "u1", Content: "a", Type: MessageTypeText})
	theirs2, _ := s.Create(ctx, CreateMessageInput{ConversationID: "c1", SenderID: "u1", Content: "b", Type: MessageTypeText})

	if _, err := s.MarkRead(ctx, theirs1.Message.ID, "u2"); err != nil {
		t.Fatalf("pre-ack: %v", err)
	}

	acked, err := s.MarkAllRead(ctx, "c1", "u2")
	if err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	if len(acked) != 1 || acked[0] != theirs2.Message.ID {
		t.Fatalf("expected only the unacked foreign message, got %v", acked)
	}

	m, _ := s.Get(ctx, mine.Message.ID)
	if len(m.ReadBy) != 1 {
		t.Fatalf("own message readBy must be untouched, got %v", m.ReadBy)
	}
}

func TestInMemoryMessageStore_DeleteByConversation(t *testing.T) {
	t.Parallel()

	s := NewInMemoryMessageStore()
	ctx := context.Background()

	keep, _ := s.Create(ctx, CreateMessageInput{ConversationID: "other", SenderID: "u1", Content: "keep", Type: MessageTypeText})
	gone, _ := s.Create(ctx, CreateMessageInput{ConversationID: "c1", SenderID: "u1", Content: "gone", Type: MessageTypeText})

	if err := s.DeleteByConversation(ctx, "c1"); err != nil {
		t.Fatalf("delete by conversation: %v", err)
	}
	if _, err := s.Get(ctx, gone.Message.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted message to be gone, got %v", err)
	}
	if _, err := s.Get(ctx, keep.Message.ID); err != nil {
		t.Fatalf("other conversation must be untouched: %v", err)
	}
}
