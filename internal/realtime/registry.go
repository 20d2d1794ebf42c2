package realtime

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	v1 "parley/contracts/chat/v1"
	"parley/internal/chat"
	"parley/internal/metrics"
)

// Registry is the one piece of process-wide mutable realtime state: it maps
// authenticated users to their live channels and conversations to their
// broadcast groups. It is an explicit object constructed at startup and passed
// by handle into the gateway and coordinator, so tests can run several
// independent instances without a live network stack.
//
// Locking: the registry mutex only guards the two maps; each user set and each
// group carries its own lock, so operations on different users or
// conversations never contend.
type Registry struct {
	log *slog.Logger

	// echoToSender controls whether the sender's own channels receive the
	// message:new fan-out (multi-device echo). Configuration choice, on by default.
	echoToSender bool

	mu     sync.RWMutex
	users  map[string]*userChannels
	groups map[string]*group
}

type userChannels struct {
	mu       sync.RWMutex
	channels map[string]*Channel // channel ID -> channel
}

// group is the set of channels currently subscribed to one conversation's
// realtime events.
type group struct {
	id string

	mu      sync.RWMutex
	members map[string]*Channel // channel ID -> channel
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithEchoToSender toggles delivery of message:new to the sender's own channels.
func WithEchoToSender(echo bool) RegistryOption {
	return func(r *Registry) { r.echoToSender = echo }
}

// NewRegistry constructs an empty connection registry.
func NewRegistry(log *slog.Logger, opts ...RegistryOption) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		log:          log,
		echoToSender: true,
		users:        make(map[string]*userChannels),
		groups:       make(map[string]*group),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register adds a live channel under its user ID.
func (r *Registry) Register(ch *Channel) {
	if ch == nil || ch.UserID == "" {
		return
	}

	r.mu.Lock()
	uc := r.users[ch.UserID]
	if uc == nil {
		uc = &userChannels{channels: make(map[string]*Channel)}
		r.users[ch.UserID] = uc
	}
	r.mu.Unlock()

	uc.mu.Lock()
	uc.channels[ch.ID] = ch
	uc.mu.Unlock()

	metrics.ChannelsOpen.Inc()
	r.log.Info("registry.channel.register", "user_id", ch.UserID, "channel_id", ch.ID)
}

// Unregister removes the channel from its user set and every broadcast group,
// then signals its shutdown. If it was the user's last channel, the user is
// simply offline; presence is a live signal, never persisted.
func (r *Registry) Unregister(ch *Channel) {
	if ch == nil {
		return
	}

	for _, convID := range ch.joinedConversations() {
		r.Leave(convID, ch)
	}

	r.mu.Lock()
	uc := r.users[ch.UserID]
	r.mu.Unlock()

	if uc != nil {
		uc.mu.Lock()
		delete(uc.channels, ch.ID)
		uc.mu.Unlock()
	}

	ch.Close()
	metrics.ChannelsOpen.Dec()
	r.log.Info("registry.channel.unregister", "user_id", ch.UserID, "channel_id", ch.ID)
}

// Join subscribes the channel to the conversation's broadcast group.
// Membership authorization happens in the gateway before this is called.
func (r *Registry) Join(conversationID string, ch *Channel) {
	if ch == nil || conversationID == "" {
		return
	}

	r.mu.Lock()
	g := r.groups[conversationID]
	if g == nil {
		g = &group{id: conversationID, members: make(map[string]*Channel)}
		r.groups[conversationID] = g
	}
	r.mu.Unlock()

	g.mu.Lock()
	g.members[ch.ID] = ch
	g.mu.Unlock()

	ch.trackJoin(conversationID)
	r.log.Info("registry.group.join", "conversation_id", conversationID, "channel_id", ch.ID)
}

// Leave drops the channel from the conversation's broadcast group.
func (r *Registry) Leave(conversationID string, ch *Channel) {
	if ch == nil || conversationID == "" {
		return
	}

	r.mu.RLock()
	g := r.groups[conversationID]
	r.mu.RUnlock()

	if g != nil {
		g.mu.Lock()
		delete(g.members, ch.ID)
		g.mu.Unlock()
	}

	ch.trackLeave(conversationID)
}

// InGroup reports whether the channel is subscribed to the conversation.
func (r *Registry) InGroup(conversationID string, ch *Channel) bool {
	r.mu.RLock()
	g := r.groups[conversationID]
	r.mu.RUnlock()
	if g == nil {
		return false
	}

	g.mu.RLock()
	_, ok := g.members[ch.ID]
	g.mu.RUnlock()
	return ok
}

// ChannelCount returns the number of live channels for a user.
// Zero means the user is offline.
func (r *Registry) ChannelCount(userID string) int {
	r.mu.RLock()
	uc := r.users[userID]
	r.mu.RUnlock()
	if uc == nil {
		return 0
	}

	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return len(uc.channels)
}

// ---- coordinator fan-out (chat.Broadcaster) ----

// MessageNew delivers a persisted message to every live channel of every
// participant. Delivery is durable per channel: a full queue defers the
// hand-off to a goroutine instead of dropping, so persisted events are never
// lost at a live channel — only late.
func (r *Registry) MessageNew(conversationID string, participants []string, msg *chat.Message) {
	payload, err := json.Marshal(v1.MessageNewPayload{Message: toWireMessage(msg)})
	if err != nil {
		r.log.Error("registry.broadcast.marshal.fail", "err", err)
		return
	}
	env := newEnvelope(v1.TypeMessageNew, payload)

	for _, p := range participants {
		if !r.echoToSender && p == msg.SenderID {
			continue
		}
		r.deliverToUser(p, env, true)
	}
}

// ConversationRead propagates a conversation-level read acknowledgment.
func (r *Registry) ConversationRead(conversationID string, participants []string, readerID string, messageIDs []string) {
	payload, err := json.Marshal(v1.ReadUpdatePayload{
		ConversationID: conversationID,
		UserID:         readerID,
		MessageIDs:     messageIDs,
	})
	if err != nil {
		r.log.Error("registry.broadcast.marshal.fail", "err", err)
		return
	}
	env := newEnvelope(v1.TypeReadUpdate, payload)

	for _, p := range participants {
		r.deliverToUser(p, env, true)
	}
}

// MessageRead propagates a single-message read acknowledgment.
func (r *Registry) MessageRead(conversationID string, participants []string, readerID, messageID string) {
	payload, err := json.Marshal(v1.ReadUpdatePayload{
		ConversationID: conversationID,
		UserID:         readerID,
		MessageIDs:     []string{messageID},
	})
	if err != nil {
		r.log.Error("registry.broadcast.marshal.fail", "err", err)
		return
	}
	env := newEnvelope(v1.TypeReadUpdate, payload)

	for _, p := range participants {
		r.deliverToUser(p, env, true)
	}
}

// RelayTyping forwards an ephemeral typing event to the other channels in the
// conversation's group. Not persisted; dropped outright at a full queue.
func (r *Registry) RelayTyping(conversationID string, from *Channel, typ string) {
	payload, err := json.Marshal(v1.TypingPayload{
		ConversationID: conversationID,
		UserID:         from.UserID,
	})
	if err != nil {
		return
	}
	env := newEnvelope(typ, payload)

	r.mu.RLock()
	g := r.groups[conversationID]
	r.mu.RUnlock()
	if g == nil {
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	for id, member := range g.members {
		if id == from.ID {
			continue
		}
		deliver(member, env, false)
	}
}

func (r *Registry) deliverToUser(userID string, env v1.Envelope, durable bool) {
	r.mu.RLock()
	uc := r.users[userID]
	r.mu.RUnlock()
	if uc == nil {
		// Offline at broadcast time: the user catches up via pagination.
		return
	}

	uc.mu.RLock()
	defer uc.mu.RUnlock()

	for _, ch := range uc.channels {
		deliver(ch, env, durable)
	}
}

// deliver enqueues without ever blocking the broadcaster. A slow channel must
// not delay delivery to other channels: durable events fall back to a blocking
// per-channel goroutine, ephemeral events are dropped.
func deliver(ch *Channel, env v1.Envelope, durable bool) {
	select {
	case <-ch.Done():
		return
	default:
	}

	select {
	case ch.Send <- env:
		metrics.BroadcastsDelivered.WithLabelValues(env.Type).Inc()
		return
	default:
	}

	if !durable {
		metrics.BroadcastsDropped.WithLabelValues(env.Type).Inc()
		return
	}

	metrics.BroadcastsDeferred.WithLabelValues(env.Type).Inc()
	go func() {
		select {
		case ch.Send <- env:
			metrics.BroadcastsDelivered.WithLabelValues(env.Type).Inc()
		case <-ch.Done():
		}
	}()
}

// ---- envelope helpers ----

func newEnvelope(typ string, payload json.RawMessage) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      newRandomHex(10),
		TS:      time.Now().UTC(),
		Payload: payload,
	}
}

func toWireMessage(m *chat.Message) v1.Message {
	out := v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Type:           string(m.Type),
		Attachments:    make([]v1.Attachment, 0, len(m.Attachments)),
		ReadBy:         append([]string(nil), m.ReadBy...),
		CreatedAt:      m.CreatedAt,
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, v1.Attachment{
			URL:       a.URL,
			Filename:  a.Filename,
			Size:      a.Size,
			MimeType:  a.MimeType,
			Encrypted: a.Encrypted,
		})
	}
	return out
}

// newRandomHex returns a cryptographically secure random hex string of length 2*nBytes.
func newRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
