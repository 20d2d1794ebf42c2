package chat

import (
	"context"
	"fmt"
	"log/slog"
)

// Service is the synchronous façade over the messaging core. Every operation
// takes an already-authenticated requester ID; token verification happens
// upstream. The Service shares its Coordinator with the realtime gateway so
// REST and realtime sends are indistinguishable at the store level.
type Service struct {
	log   *slog.Logger
	convs ConversationStore
	msgs  MessageStore
	co    *Coordinator
}

// NewService constructs the façade over the stores and coordinator.
func NewService(log *slog.Logger, convs ConversationStore, msgs MessageStore, co *Coordinator) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log, convs: convs, msgs: msgs, co: co}
}

// Coordinator exposes the shared coordinator for gateway wiring.
func (s *Service) Coordinator() *Coordinator { return s.co }

// CreateOrGetConversation finds the conversation for the participant set (plus
// optional project discriminator) or creates it. Safe under concurrent calls
// for the same set: both callers get the same conversation ID.
func (s *Service) CreateOrGetConversation(ctx context.Context, requesterID string, participants []string, projectID string) (*Conversation, error) {
	normalized := NormalizeParticipants(participants)
	if len(normalized) < 2 {
		return nil, validationf("conversation requires at least 2 participants")
	}

	// The requester is always part of the set they create.
	found := false
	for _, p := range normalized {
		if p == requesterID {
			found = true
			break
		}
	}
	if !found {
		normalized = NormalizeParticipants(append(normalized, requesterID))
	}

	return s.convs.FindOrCreate(ctx, normalized, projectID)
}

// GetConversation returns the conversation if the requester is a participant.
func (s *Service) GetConversation(ctx context.Context, id, requesterID string) (*Conversation, error) {
	conv, err := s.convs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(requesterID) {
		return nil, fmt.Errorf("%w: not a participant", ErrForbidden)
	}
	return conv, nil
}

// ListConversations returns the requester's conversations, most recent first.
func (s *Service) ListConversations(ctx context.Context, requesterID string) ([]*Conversation, error) {
	return s.convs.ListForUser(ctx, requesterID)
}

// DeleteConversation removes the conversation and, by cascade, its messages.
func (s *Service) DeleteConversation(ctx context.Context, id, requesterID string) error {
	conv, err := s.convs.Get(ctx, id)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(requesterID) {
		return fmt.Errorf("%w: not a participant", ErrForbidden)
	}

	if err := s.msgs.DeleteByConversation(ctx, id); err != nil {
		return err
	}
	return s.convs.Delete(ctx, id)
}

// ListMessages pages the conversation's messages newest-first for a participant.
func (s *Service) ListMessages(ctx context.Context, conversationID string, page, pageSize int, requesterID string) (MessagePage, error) {
	conv, err := s.convs.Get(ctx, conversationID)
	if err != nil {
		return MessagePage{}, err
	}
	if !conv.HasParticipant(requesterID) {
		return MessagePage{}, fmt.Errorf("%w: not a participant", ErrForbidden)
	}
	return s.msgs.ListByConversation(ctx, conversationID, page, pageSize)
}

// SendMessage delegates to the shared coordinator.
func (s *Service) SendMessage(ctx context.Context, in SendMessageInput) (*Message, error) {
	return s.co.SendMessage(ctx, in)
}

// MarkConversationRead delegates to the shared coordinator.
func (s *Service) MarkConversationRead(ctx context.Context, conversationID, userID string) error {
	return s.co.MarkConversationRead(ctx, conversationID, userID)
}

// MarkMessageRead delegates to the shared coordinator.
func (s *Service) MarkMessageRead(ctx context.Context, messageID, userID string) (*Message, error) {
	return s.co.MarkMessageRead(ctx, messageID, userID)
}

// DeleteMessage removes a message; only its sender may do so. Unread counters
// already delivered are not retroactively changed.
func (s *Service) DeleteMessage(ctx context.Context, id, requesterID string) error {
	msg, err := s.msgs.Get(ctx, id)
	if err != nil {
		return err
	}
	if msg.SenderID != requesterID {
		return fmt.Errorf("%w: only the sender may delete a message", ErrForbidden)
	}
	return s.msgs.Delete(ctx, id)
}

// IsMember reports whether userID participates in the conversation. The
// realtime gateway uses this as its authorization boundary on join.
func (s *Service) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	conv, err := s.convs.Get(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return conv.HasParticipant(userID), nil
}
