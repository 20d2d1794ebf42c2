package realtime

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	v1 "parley/contracts/chat/v1"
	"parley/internal/chat"
)

func newTestRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func recvEnvelope(t *testing.T, ch *Channel) v1.Envelope {
	t.Helper()
	select {
	case env := <-ch.Send:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for envelope on channel %s", ch.ID)
		return v1.Envelope{}
	}
}

func assertNoEnvelope(t *testing.T, ch *Channel) {
	t.Helper()
	select {
	case env := <-ch.Send:
		t.Fatalf("unexpected envelope %q on channel %s", env.Type, ch.ID)
	default:
	}
}

func TestRegistry_RegisterUnregister_ChannelCount(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	a := NewChannel("ch-a", "u1", 8)
	b := NewChannel("ch-b", "u1", 8)
	r.Register(a)
	r.Register(b)

	if got := r.ChannelCount("u1"); got != 2 {
		t.Fatalf("expected 2 channels, got %d", got)
	}

	r.Unregister(a)
	if got := r.ChannelCount("u1"); got != 1 {
		t.Fatalf("expected 1 channel after unregister, got %d", got)
	}

	select {
	case <-a.Done():
	default:
		t.Fatalf("unregister must signal channel shutdown")
	}

	r.Unregister(b)
	if got := r.ChannelCount("u1"); got != 0 {
		t.Fatalf("expected offline user, got %d", got)
	}
}

func TestRegistry_MessageNew_FansOutToAllParticipantChannels(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	senderTab1 := NewChannel("s1", "u1", 8)
	senderTab2 := NewChannel("s2", "u1", 8)
	receiver := NewChannel("r1", "u2", 8)
	r.Register(senderTab1)
	r.Register(senderTab2)
	r.Register(receiver)

	msg := &chat.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "u1",
		Content:        "hello",
		Type:           chat.MessageTypeText,
		ReadBy:         []string{"u1"},
		CreatedAt:      time.Now().UTC(),
	}
	r.MessageNew("c1", []string{"u1", "u2"}, msg)

	for _, ch := range []*Channel{senderTab1, senderTab2, receiver} {
		env := recvEnvelope(t, ch)
		if env.Type != v1.TypeMessageNew {
			t.Fatalf("expected %s, got %s", v1.TypeMessageNew, env.Type)
		}
		var p v1.MessageNewPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if p.Message.ID != "m1" || p.Message.Content != "hello" {
			t.Fatalf("unexpected wire message: %+v", p.Message)
		}
	}
}

func TestRegistry_MessageNew_EchoDisabledSkipsSender(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, WithEchoToSender(false))

	sender := NewChannel("s1", "u1", 8)
	receiver := NewChannel("r1", "u2", 8)
	r.Register(sender)
	r.Register(receiver)

	msg := &chat.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "x", Type: chat.MessageTypeText}
	r.MessageNew("c1", []string{"u1", "u2"}, msg)

	if env := recvEnvelope(t, receiver); env.Type != v1.TypeMessageNew {
		t.Fatalf("receiver expected message:new, got %s", env.Type)
	}
	assertNoEnvelope(t, sender)
}

func TestRegistry_MessageNew_OfflineParticipantSkipped(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	online := NewChannel("on", "u1", 8)
	r.Register(online)

	// u2 has no channels; the broadcast must not block or fail.
	msg := &chat.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "x", Type: chat.MessageTypeText}
	r.MessageNew("c1", []string{"u1", "u2"}, msg)

	if env := recvEnvelope(t, online); env.Type != v1.TypeMessageNew {
		t.Fatalf("expected message:new, got %s", env.Type)
	}
}

func TestRegistry_DurableDelivery_DefersAtFullQueue(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	slow := NewChannel("slow", "u2", 1)
	r.Register(slow)

	msg := &chat.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "x", Type: chat.MessageTypeText}

	// First fills the queue, second must be deferred instead of dropped.
	r.MessageNew("c1", []string{"u2"}, msg)
	msg2 := &chat.Message{ID: "m2", ConversationID: "c1", SenderID: "u1", Content: "y", Type: chat.MessageTypeText}
	r.MessageNew("c1", []string{"u2"}, msg2)

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		env := recvEnvelope(t, slow)
		var p v1.MessageNewPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		got[p.Message.ID] = true
	}
	if !got["m1"] || !got["m2"] {
		t.Fatalf("durable events must both arrive, got %v", got)
	}
}

func TestRegistry_RelayTyping_ExcludesOriginatorAndNonMembers(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	origin := NewChannel("o", "u1", 8)
	member := NewChannel("m", "u2", 8)
	outsider := NewChannel("x", "u3", 8)
	r.Register(origin)
	r.Register(member)
	r.Register(outsider)

	r.Join("c1", origin)
	r.Join("c1", member)

	r.RelayTyping("c1", origin, v1.TypeTypingStart)

	env := recvEnvelope(t, member)
	if env.Type != v1.TypeTypingStart {
		t.Fatalf("expected typing:start, got %s", env.Type)
	}
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.UserID != "u1" || p.ConversationID != "c1" {
		t.Fatalf("unexpected typing payload: %+v", p)
	}

	assertNoEnvelope(t, origin)
	assertNoEnvelope(t, outsider)
}

func TestRegistry_RelayTyping_DroppedAtFullQueue(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	origin := NewChannel("o", "u1", 8)
	slow := NewChannel("s", "u2", 1)
	r.Register(origin)
	r.Register(slow)
	r.Join("c1", origin)
	r.Join("c1", slow)

	// Fill the queue, then relay twice more; extra typing events must vanish.
	slow.Send <- v1.Envelope{V: v1.Version, Type: v1.TypeTypingStart}
	r.RelayTyping("c1", origin, v1.TypeTypingStart)
	r.RelayTyping("c1", origin, v1.TypeTypingStop)

	<-slow.Send
	assertNoEnvelope(t, slow)
}

func TestRegistry_ConversationRead_Broadcast(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	reader := NewChannel("r", "u2", 8)
	other := NewChannel("o", "u1", 8)
	r.Register(reader)
	r.Register(other)

	r.ConversationRead("c1", []string{"u1", "u2"}, "u2", []string{"m1", "m2"})

	for _, ch := range []*Channel{reader, other} {
		env := recvEnvelope(t, ch)
		if env.Type != v1.TypeReadUpdate {
			t.Fatalf("expected read:update, got %s", env.Type)
		}
		var p v1.ReadUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.UserID != "u2" || len(p.MessageIDs) != 2 {
			t.Fatalf("unexpected read payload: %+v", p)
		}
	}
}

func TestRegistry_Unregister_LeavesGroups(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	ch := NewChannel("c", "u1", 8)
	r.Register(ch)
	r.Join("c1", ch)
	r.Join("c2", ch)

	if !r.InGroup("c1", ch) || !r.InGroup("c2", ch) {
		t.Fatalf("expected membership in both groups")
	}

	r.Unregister(ch)

	if r.InGroup("c1", ch) || r.InGroup("c2", ch) {
		t.Fatalf("unregister must drop group membership")
	}
}
