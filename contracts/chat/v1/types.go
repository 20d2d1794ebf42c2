package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeJoin subscribes the channel to a conversation's broadcast group (client -> server).
	TypeJoin = "join"
	// TypeJoined acknowledges a join (server -> client).
	TypeJoined = "joined"
	// TypeLeave unsubscribes the channel from a conversation (client -> server).
	TypeLeave = "leave"
	// TypeLeft acknowledges a leave (server -> client).
	TypeLeft = "left"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message:send"
	// TypeMessageAck acknowledges a send request on the originating channel (server -> client).
	TypeMessageAck = "message:ack"
	// TypeMessageNew delivers a newly persisted message (server -> participant channels).
	TypeMessageNew = "message:new"

	// TypeTypingStart and TypeTypingStop are ephemeral typing indicators,
	// relayed to other channels in the conversation's group and never persisted.
	TypeTypingStart = "typing:start"
	TypeTypingStop  = "typing:stop"

	// TypeReadAck acknowledges reading a conversation or a single message (client -> server).
	TypeReadAck = "read:ack"
	// TypeReadUpdate propagates a read acknowledgment (server -> participant channels).
	TypeReadUpdate = "read:update"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoin,
		TypeJoined,
		TypeLeave,
		TypeLeft,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeTypingStart,
		TypeTypingStop,
		TypeReadAck,
		TypeReadUpdate,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// Attachment is an attachment reference carried by a message.
// Files are referenced by URL; the messaging core never stores file bytes.
type Attachment struct {
	URL       string `json:"url"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
	Encrypted bool   `json:"encrypted,omitempty"`
}

// Message is the wire representation of a persisted message.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Content        string       `json:"content"`
	Type           string       `json:"type"`
	Attachments    []Attachment `json:"attachments"`
	ReadBy         []string     `json:"readBy"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// JoinPayload requests membership in a conversation's broadcast group.
type JoinPayload struct {
	ConversationID string `json:"conversationId"`
}

// LeavePayload drops the channel from a conversation's broadcast group.
type LeavePayload struct {
	ConversationID string `json:"conversationId"`
}

// MessageSendPayload requests sending a message into a conversation.
// ClientMsgID is an optional client-generated idempotency key: resends with the
// same key return the originally persisted message and trigger no new delivery.
type MessageSendPayload struct {
	ConversationID string       `json:"conversationId"`
	ClientMsgID    string       `json:"clientMsgId,omitempty"`
	Content        string       `json:"content"`
	Type           string       `json:"type,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// MessageAckPayload confirms a send request on the originating channel.
// Retried sends with the same clientMsgId ack with the original messageId.
type MessageAckPayload struct {
	ConversationID string `json:"conversationId"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
	MessageID      string `json:"messageId"`
}

// MessageNewPayload carries a newly persisted message to participant channels.
type MessageNewPayload struct {
	Message Message `json:"message"`
}

// TypingPayload is relayed for typing:start / typing:stop events.
// UserID is filled in by the server from the authenticated channel.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}

// ReadAckPayload acknowledges reads. Exactly one of ConversationID or MessageID
// must be set: a conversation-level ack zeroes the reader's unread counter,
// a message-level ack adds the reader to one message's read-by set.
type ReadAckPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
}

// ReadUpdatePayload propagates a read acknowledgment to participant channels.
type ReadUpdatePayload struct {
	ConversationID string   `json:"conversationId"`
	UserID         string   `json:"userId"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
