package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"parley/internal/ids"
)

// InMemoryConversationStore is the dev/test ConversationStore.
// A single mutex keeps FindOrCreate duplicate-free under concurrency, which is
// the in-memory analogue of the store-level uniqueness constraint.
type InMemoryConversationStore struct {
	mu    sync.Mutex
	convs map[string]*Conversation // id -> conversation
	byKey map[string]string        // participantKey + "\x1e" + projectID -> id
}

// NewInMemoryConversationStore constructs an empty in-memory conversation store.
func NewInMemoryConversationStore() *InMemoryConversationStore {
	return &InMemoryConversationStore{
		convs: make(map[string]*Conversation),
		byKey: make(map[string]string),
	}
}

func lookupKey(participantKey, projectID string) string {
	return participantKey + "\x1e" + projectID
}

// FindOrCreate returns the conversation for the exact participant set and
// projectID, creating it with zeroed unread counters when absent.
func (s *InMemoryConversationStore) FindOrCreate(ctx context.Context, participants []string, projectID string) (*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	normalized := NormalizeParticipants(participants)
	if len(normalized) < 2 {
		return nil, validationf("conversation requires at least 2 participants")
	}
	key := lookupKey(ParticipantKey(normalized), projectID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[key]; ok {
		return cloneConversation(s.convs[id]), nil
	}

	now := time.Now().UTC()
	unread := make(map[string]int64, len(normalized))
	for _, p := range normalized {
		unread[p] = 0
	}

	c := &Conversation{
		ID:           ids.MustULID(now),
		Participants: normalized,
		UnreadCount:  unread,
		ProjectID:    projectID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.convs[c.ID] = c
	s.byKey[key] = c.ID

	return cloneConversation(c), nil
}

// Get returns the conversation or ErrNotFound.
func (s *InMemoryConversationStore) Get(ctx context.Context, id string) (*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

// ListForUser returns the user's conversations, most-recently-active first.
func (s *InMemoryConversationStore) ListForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Conversation, 0, 8)
	for _, c := range s.convs {
		if c.HasParticipant(userID) {
			out = append(out, cloneConversation(c))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].LastMessageAt, out[j].LastMessageAt
		if ti.IsZero() {
			ti = out[i].CreatedAt
		}
		if tj.IsZero() {
			tj = out[j].CreatedAt
		}
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID > out[j].ID
	})

	return out, nil
}

// IncrementUnread bumps every counter except exceptUserID's and updates the
// lastMessage summary, all under one lock acquisition.
func (s *InMemoryConversationStore) IncrementUnread(ctx context.Context, id, exceptUserID, lastMessage string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}

	for _, p := range c.Participants {
		if p != exceptUserID {
			c.UnreadCount[p]++
		}
	}
	c.LastMessage = lastMessage
	c.LastMessageAt = at
	c.UpdatedAt = at
	return nil
}

// ResetUnread zeroes the user's counter.
func (s *InMemoryConversationStore) ResetUnread(ctx context.Context, id, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	if _, ok := c.UnreadCount[userID]; ok {
		c.UnreadCount[userID] = 0
		c.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// Delete removes the conversation. Message cascade is the caller's concern.
func (s *InMemoryConversationStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byKey, lookupKey(ParticipantKey(c.Participants), c.ProjectID))
	delete(s.convs, id)
	return nil
}

func cloneConversation(c *Conversation) *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	out.UnreadCount = make(map[string]int64, len(c.UnreadCount))
	for k, v := range c.UnreadCount {
		out.UnreadCount[k] = v
	}
	return &out
}

// InMemoryMessageStore is the dev/test MessageStore.
type InMemoryMessageStore struct {
	mu     sync.Mutex
	msgs   map[string]*Message            // id -> message
	byConv map[string][]string            // conversationID -> ids in creation order
	dedupe map[string]map[string]string   // conversationID -> clientMsgID -> id
	max    int
}

// NewInMemoryMessageStore constructs an empty in-memory message store.
func NewInMemoryMessageStore() *InMemoryMessageStore {
	return &InMemoryMessageStore{
		msgs:   make(map[string]*Message),
		byConv: make(map[string][]string),
		dedupe: make(map[string]map[string]string),
		max:    DefaultMaxPageSize,
	}
}

// Create persists a message. ReadBy is seeded with the sender: a sender has
// implicitly read their own message.
func (s *InMemoryMessageStore) Create(ctx context.Context, in CreateMessageInput) (CreateMessageResult, error) {
	if err := ctx.Err(); err != nil {
		return CreateMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if in.ClientMsgID != "" {
		if id, ok := s.dedupe[in.ConversationID][in.ClientMsgID]; ok {
			return CreateMessageResult{Message: cloneMessage(s.msgs[id]), Duplicated: true}, nil
		}
	}

	m := &Message{
		ID:             ids.MustULID(now),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Type:           in.Type,
		Attachments:    append([]Attachment(nil), in.Attachments...),
		ReadBy:         []string{in.SenderID},
		ClientMsgID:    in.ClientMsgID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if m.Attachments == nil {
		m.Attachments = []Attachment{}
	}

	s.msgs[m.ID] = m
	s.byConv[in.ConversationID] = append(s.byConv[in.ConversationID], m.ID)
	if in.ClientMsgID != "" {
		if s.dedupe[in.ConversationID] == nil {
			s.dedupe[in.ConversationID] = make(map[string]string)
		}
		s.dedupe[in.ConversationID][in.ClientMsgID] = m.ID
	}

	return CreateMessageResult{Message: cloneMessage(m), Duplicated: false}, nil
}

// ListByConversation pages messages newest-first, ID as tiebreaker.
func (s *InMemoryMessageStore) ListByConversation(ctx context.Context, conversationID string, page, pageSize int) (MessagePage, error) {
	if err := ctx.Err(); err != nil {
		return MessagePage{}, err
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > s.max {
		pageSize = s.max
	}

	s.mu.Lock()
	idsInOrder := append([]string(nil), s.byConv[conversationID]...)
	snap := make([]*Message, 0, len(idsInOrder))
	for _, id := range idsInOrder {
		snap = append(snap, cloneMessage(s.msgs[id]))
	}
	s.mu.Unlock()

	sort.Slice(snap, func(i, j int) bool {
		if !snap[i].CreatedAt.Equal(snap[j].CreatedAt) {
			return snap[i].CreatedAt.After(snap[j].CreatedAt)
		}
		return snap[i].ID > snap[j].ID
	})

	total := int64(len(snap))
	start := (page - 1) * pageSize
	if start > len(snap) {
		start = len(snap)
	}
	end := start + pageSize
	if end > len(snap) {
		end = len(snap)
	}

	return MessagePage{
		Items:    snap[start:end],
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

// Get returns the message or ErrNotFound.
func (s *InMemoryMessageStore) Get(ctx context.Context, id string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

// MarkRead idempotently adds userID to the message's read-by set.
func (s *InMemoryMessageStore) MarkRead(ctx context.Context, messageID, userID string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	if !m.IsReadBy(userID) {
		m.ReadBy = append(m.ReadBy, userID)
		m.UpdatedAt = time.Now().UTC()
	}
	return cloneMessage(m), nil
}

// MarkAllRead acknowledges every message in the conversation not sent by userID.
func (s *InMemoryMessageStore) MarkAllRead(ctx context.Context, conversationID, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var acked []string
	for _, id := range s.byConv[conversationID] {
		m := s.msgs[id]
		if m.SenderID == userID || m.IsReadBy(userID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, userID)
		m.UpdatedAt = now
		acked = append(acked, m.ID)
	}
	return acked, nil
}

// Delete removes the message.
func (s *InMemoryMessageStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.msgs, id)

	order := s.byConv[m.ConversationID]
	for i, mid := range order {
		if mid == id {
			s.byConv[m.ConversationID] = append(order[:i], order[i+1:]...)
			break
		}
	}
	if m.ClientMsgID != "" {
		delete(s.dedupe[m.ConversationID], m.ClientMsgID)
	}
	return nil
}

// DeleteByConversation removes every message owned by the conversation.
func (s *InMemoryMessageStore) DeleteByConversation(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byConv[conversationID] {
		delete(s.msgs, id)
	}
	delete(s.byConv, conversationID)
	delete(s.dedupe, conversationID)
	return nil
}

func cloneMessage(m *Message) *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Attachments = append([]Attachment(nil), m.Attachments...)
	if out.Attachments == nil {
		out.Attachments = []Attachment{}
	}
	out.ReadBy = append([]string(nil), m.ReadBy...)
	return &out
}
