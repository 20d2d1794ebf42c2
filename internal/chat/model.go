// Package chat contains the messaging core: conversation and message
// persistence, unread-count bookkeeping, and the read-state coordination
// logic shared by the HTTP façade and the realtime gateway.
package chat

import (
	"sort"
	"strings"
	"time"
)

// MessageType classifies a message body.
type MessageType string

// Wire-stable message types.
const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile:
		return true
	}
	return false
}

// Attachment references externally stored content by URL.
// The core carries the "encrypted" flag opaquely and performs no cryptography.
type Attachment struct {
	URL       string `json:"url"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
	Encrypted bool   `json:"encrypted,omitempty"`
}

// Conversation is a persistent thread over a fixed, immutable participant set.
//
// Invariant: the key set of UnreadCount is always exactly Participants, and for
// every participant p, UnreadCount[p] counts messages sent by someone other
// than p after p's last read acknowledgment.
type Conversation struct {
	ID            string           `json:"id"`
	Participants  []string         `json:"participants"`
	LastMessage   string           `json:"lastMessage,omitempty"`
	LastMessageAt time.Time        `json:"lastMessageAt,omitempty"`
	UnreadCount   map[string]int64 `json:"unreadCount"`
	ProjectID     string           `json:"projectId,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Message is a single persisted message. It is mutated only to grow ReadBy,
// which is monotonic and always contains at least the sender.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Content        string       `json:"content"`
	Type           MessageType  `json:"type"`
	Attachments    []Attachment `json:"attachments"`
	ReadBy         []string     `json:"readBy"`
	ClientMsgID    string       `json:"clientMsgId,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// IsReadBy reports whether userID has acknowledged the message.
func (m *Message) IsReadBy(userID string) bool {
	for _, u := range m.ReadBy {
		if u == userID {
			return true
		}
	}
	return false
}

// NormalizeParticipants returns the participant set sorted and deduplicated,
// with empty entries removed. Lookup by participant set is order-independent,
// so this is the canonical form stored and compared everywhere.
func NormalizeParticipants(participants []string) []string {
	seen := make(map[string]struct{}, len(participants))
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ParticipantKey derives the uniqueness key for a normalized participant set.
// The separator cannot appear in user IDs coming off the wire (they are
// header/URL-safe strings), so the key is collision-free in practice.
func ParticipantKey(normalized []string) string {
	return strings.Join(normalized, "\x1f")
}
