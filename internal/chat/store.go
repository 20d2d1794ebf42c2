package chat

import (
	"context"
	"time"
)

// DefaultMaxPageSize bounds ListByConversation page sizes.
const DefaultMaxPageSize = 100

// ConversationStore persists conversation metadata, participant sets, and
// per-participant unread counters.
//
// Requirements:
//   - FindOrCreate is safe under concurrent calls for the same participant set
//     (uniqueness on the sorted participant set + projectID, re-fetch on conflict).
//   - IncrementUnread applies the counter bumps and the lastMessage summary as
//     one atomic update per conversation, so concurrent sends never lose updates.
type ConversationStore interface {
	FindOrCreate(ctx context.Context, participants []string, projectID string) (*Conversation, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]*Conversation, error)
	IncrementUnread(ctx context.Context, id, exceptUserID, lastMessage string, at time.Time) error
	ResetUnread(ctx context.Context, id, userID string) error
	Delete(ctx context.Context, id string) error
}

// CreateMessageInput describes a message create request.
// Membership and content validation happen in the Coordinator before the store
// is called; the store only enforces persistence-level constraints.
type CreateMessageInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           MessageType
	Attachments    []Attachment

	// ClientMsgID is an optional idempotency key, unique per conversation.
	ClientMsgID string

	Now time.Time
}

// CreateMessageResult is the create operation result. Duplicated is true when
// ClientMsgID matched an existing message; Message then holds the original.
type CreateMessageResult struct {
	Message    *Message
	Duplicated bool
}

// MessagePage is one page of a newest-first message listing.
type MessagePage struct {
	Items    []*Message `json:"items"`
	Total    int64      `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"pageSize"`
}

// MessageStore persists and queries individual messages.
//
// Requirements:
//   - Pagination is newest-first by CreatedAt with ID as the deterministic
//     tiebreaker; page is 1-indexed and pageSize is clamped to DefaultMaxPageSize.
//   - MarkRead and MarkAllRead are idempotent; ReadBy only ever grows.
type MessageStore interface {
	Create(ctx context.Context, in CreateMessageInput) (CreateMessageResult, error)
	ListByConversation(ctx context.Context, conversationID string, page, pageSize int) (MessagePage, error)
	Get(ctx context.Context, id string) (*Message, error)
	MarkRead(ctx context.Context, messageID, userID string) (*Message, error)

	// MarkAllRead adds userID to the read-by set of every message in the
	// conversation not sent by userID, returning the IDs of messages that were
	// newly acknowledged by this call.
	MarkAllRead(ctx context.Context, conversationID, userID string) ([]string, error)

	Delete(ctx context.Context, id string) error
	DeleteByConversation(ctx context.Context, conversationID string) error
}
