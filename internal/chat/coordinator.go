package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"parley/internal/metrics"
)

// Broadcaster receives realtime events from the Coordinator for fan-out.
//
// Delivery is best-effort and strictly after persistence: implementations must
// never fail the calling operation, and a dropped broadcast only means the
// affected channels catch up via pagination.
type Broadcaster interface {
	MessageNew(conversationID string, participants []string, msg *Message)
	ConversationRead(conversationID string, participants []string, readerID string, messageIDs []string)
	MessageRead(conversationID string, participants []string, readerID, messageID string)
}

// NopBroadcaster discards all events. Used when no realtime gateway is wired.
type NopBroadcaster struct{}

func (NopBroadcaster) MessageNew(string, []string, *Message)                 {}
func (NopBroadcaster) ConversationRead(string, []string, string, []string)  {}
func (NopBroadcaster) MessageRead(string, []string, string, string)         {}

// SendMessageInput describes one send, from either the façade or the gateway.
type SendMessageInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           MessageType
	Attachments    []Attachment

	// ClientMsgID optionally deduplicates retried sends (client-generated key).
	ClientMsgID string
}

// Coordinator ties message delivery to unread-count mutation and read-receipt
// propagation. It is stateless: all state lives in the two stores, and both the
// HTTP façade and the realtime gateway invoke the same instance so the two
// paths stay consistent.
type Coordinator struct {
	log   *slog.Logger
	convs ConversationStore
	msgs  MessageStore
	bc    Broadcaster

	clock func() time.Time
}

// NewCoordinator constructs a Coordinator over the two stores.
// A nil broadcaster disables realtime fan-out.
func NewCoordinator(log *slog.Logger, convs ConversationStore, msgs MessageStore, bc Broadcaster) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if bc == nil {
		bc = NopBroadcaster{}
	}
	return &Coordinator{
		log:   log,
		convs: convs,
		msgs:  msgs,
		bc:    bc,
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// SetBroadcaster swaps the fan-out target. Called once at wiring time when the
// gateway is constructed after the coordinator; not safe for concurrent use
// with in-flight operations.
func (c *Coordinator) SetBroadcaster(bc Broadcaster) {
	if bc == nil {
		bc = NopBroadcaster{}
	}
	c.bc = bc
}

// SendMessage validates the send, persists the message, applies the unread
// increments, then broadcasts message:new.
//
// Persistence is ordered strictly before broadcast, and broadcast failure never
// rolls persistence back: a stored message is the single source of truth for
// "sent", realtime delivery is an accelerant on top.
func (c *Coordinator) SendMessage(ctx context.Context, in SendMessageInput) (*Message, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, validationf("empty content")
	}
	if in.Type == "" {
		in.Type = MessageTypeText
	}
	if !in.Type.Valid() {
		return nil, validationf("unknown message type %q", in.Type)
	}

	conv, err := c.convs.Get(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(in.SenderID) {
		return nil, fmt.Errorf("%w: sender %s is not a participant", ErrForbidden, in.SenderID)
	}

	now := c.clock()
	res, err := c.msgs.Create(ctx, CreateMessageInput{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        content,
		Type:           in.Type,
		Attachments:    in.Attachments,
		ClientMsgID:    in.ClientMsgID,
		Now:            now,
	})
	if err != nil {
		return nil, err
	}
	if res.Duplicated {
		// Retried send: counters and fan-out already happened for the original.
		c.log.Info("chat.send.duplicate",
			"conversation_id", in.ConversationID, "client_msg_id", in.ClientMsgID)
		return res.Message, nil
	}

	if err := c.convs.IncrementUnread(ctx, in.ConversationID, in.SenderID, content, res.Message.CreatedAt); err != nil {
		// The message is durably stored; unread bookkeeping failing afterwards is
		// surfaced so the caller can retry the read path, but the send stands.
		c.log.Error("chat.unread.increment.fail",
			"conversation_id", in.ConversationID, "message_id", res.Message.ID, "err", err)
		return res.Message, err
	}

	metrics.MessagesSent.WithLabelValues(string(in.Type)).Inc()

	c.bc.MessageNew(conv.ID, conv.Participants, res.Message)
	return res.Message, nil
}

// MarkConversationRead zeroes the reader's unread counter and acknowledges all
// messages in the conversation up to now not sent by the reader, broadcasting
// conversation:read with the implicitly acknowledged message IDs.
func (c *Coordinator) MarkConversationRead(ctx context.Context, conversationID, userID string) error {
	conv, err := c.convs.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return fmt.Errorf("%w: %s is not a participant", ErrForbidden, userID)
	}

	acked, err := c.msgs.MarkAllRead(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if err := c.convs.ResetUnread(ctx, conversationID, userID); err != nil {
		return err
	}

	c.bc.ConversationRead(conv.ID, conv.Participants, userID, acked)
	return nil
}

// MarkMessageRead idempotently adds the reader to one message's read-by set
// and broadcasts message:read.
func (c *Coordinator) MarkMessageRead(ctx context.Context, messageID, userID string) (*Message, error) {
	msg, err := c.msgs.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}

	conv, err := c.convs.Get(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: %s is not a participant", ErrForbidden, userID)
	}

	updated, err := c.msgs.MarkRead(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}

	c.bc.MessageRead(conv.ID, conv.Participants, userID, messageID)
	return updated, nil
}
