// Package realtime contains the websocket gateway and the connection registry
// that fan realtime chat events out to live channels.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	v1 "parley/contracts/chat/v1"
	"parley/internal/auth"
	"parley/internal/chat"
	"parley/internal/metrics"
)

const (
	wsSubprotocolV1 = "parley.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// ChatService is the slice of the messaging core the gateway needs. The
// concrete implementation is chat.Service, shared with the HTTP façade so both
// paths run the same coordinator logic.
type ChatService interface {
	SendMessage(ctx context.Context, in chat.SendMessageInput) (*chat.Message, error)
	MarkConversationRead(ctx context.Context, conversationID, userID string) error
	MarkMessageRead(ctx context.Context, messageID, userID string) (*chat.Message, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}

// Gateway is the websocket entrypoint for realtime chat.
//
// It authenticates the handshake, registers the channel, enforces origin
// policy, rate limits, and heartbeats, and routes validated envelopes to the
// messaging core and the connection registry.
type Gateway struct {
	log      *slog.Logger
	registry *Registry
	svc      ChatService
	verifier auth.TokenVerifier

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewGateway constructs a gateway with secure defaults.
func NewGateway(log *slog.Logger, registry *Registry, svc ChatService, verifier auth.TokenVerifier) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if registry == nil {
		registry = NewRegistry(log)
	}

	g := &Gateway{log: log, registry: registry, svc: svc, verifier: verifier}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("PARLEY_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("PARLEY_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("PARLEY_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("PARLEY_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("PARLEY_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("PARLEY_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("PARLEY_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("PARLEY_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("PARLEY_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("PARLEY_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates the handshake, upgrades to a websocket session, and
// runs the realtime loop. Absent or invalid credentials close the connection
// with 401 before any event is processed.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	userID, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ch := NewChannel(uuid.NewString(), userID, g.sendQueueSize)
	g.registry.Register(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close ch.Send.
	// Broadcast safety: ch.Send remains open and registry removal happens before ch.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.registry.Unregister(ch)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ch.Done():
				return
			case env := <-ch.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "channel_id", ch.ID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "channel_id", ch.ID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, ch, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "channel_id", ch.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			metrics.RateLimitHits.Inc()
			g.trySendError(ctx, ch, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, ch, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeJoin:
			if err := g.onJoin(ctx, ch, env); err != nil {
				// Joining a conversation you do not participate in fails with an
				// error event; the connection itself stays open.
				g.trySendError(ctx, ch, "join_failed", err.Error())
				continue readLoop
			}

		case v1.TypeLeave:
			if err := g.onLeave(ctx, ch, env); err != nil {
				g.trySendError(ctx, ch, "leave_failed", err.Error())
				continue readLoop
			}

		case v1.TypeMessageSend:
			if err := g.onMessageSend(ctx, ch, env); err != nil {
				g.trySendError(ctx, ch, errCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeTypingStart, v1.TypeTypingStop:
			g.onTyping(ch, env)

		case v1.TypeReadAck:
			if err := g.onReadAck(ctx, ch, env); err != nil {
				g.trySendError(ctx, ch, errCode(err), err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, ch, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handshake auth ----

// authenticate resolves the bearer credential supplied at handshake.
// Browsers cannot set headers on websocket dials, so a token query parameter
// is accepted alongside the Authorization header.
func (g *Gateway) authenticate(r *http.Request) (string, error) {
	if g.verifier == nil {
		return "", errors.New("no token verifier configured")
	}

	token := ""
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return "", errors.New("malformed authorization header")
		}
		token = strings.TrimSpace(h[len(prefix):])
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return "", errors.New("missing credential")
	}

	return g.verifier.Verify(r.Context(), token)
}

// ---- handlers ----

func (g *Gateway) onJoin(ctx context.Context, ch *Channel, env v1.Envelope) error {
	var p v1.JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return errors.New("missing conversationId")
	}

	ok, err := g.svc.IsMember(ctx, convID, ch.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("not a participant")
	}

	g.registry.Join(convID, ch)

	echoPayload, _ := json.Marshal(v1.JoinPayload{ConversationID: convID})
	g.enqueue(ctx, ch, newEnvelope(v1.TypeJoined, echoPayload))
	return nil
}

func (g *Gateway) onLeave(_ context.Context, ch *Channel, env v1.Envelope) error {
	var p v1.LeavePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return errors.New("missing conversationId")
	}

	g.registry.Leave(convID, ch)

	echoPayload, _ := json.Marshal(v1.LeavePayload{ConversationID: convID})
	g.enqueue(context.Background(), ch, newEnvelope(v1.TypeLeft, echoPayload))
	return nil
}

func (g *Gateway) onMessageSend(ctx context.Context, ch *Channel, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if strings.TrimSpace(p.ConversationID) == "" {
		return errors.New("missing conversationId")
	}
	if len([]rune(p.Content)) > maxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	attachments := make([]chat.Attachment, 0, len(p.Attachments))
	for _, a := range p.Attachments {
		attachments = append(attachments, chat.Attachment{
			URL:       a.URL,
			Filename:  a.Filename,
			Size:      a.Size,
			MimeType:  a.MimeType,
			Encrypted: a.Encrypted,
		})
	}

	// The coordinator persists, updates unread counters, and broadcasts
	// message:new to every participant channel (the sender's included when echo
	// is on), so no direct echo is needed here beyond the ack.
	msg, err := g.svc.SendMessage(ctx, chat.SendMessageInput{
		ConversationID: p.ConversationID,
		SenderID:       ch.UserID,
		Content:        p.Content,
		Type:           chat.MessageType(p.Type),
		Attachments:    attachments,
		ClientMsgID:    p.ClientMsgID,
	})
	if err != nil {
		return err
	}

	ackPayload, _ := json.Marshal(v1.MessageAckPayload{
		ConversationID: msg.ConversationID,
		ClientMsgID:    p.ClientMsgID,
		MessageID:      msg.ID,
	})
	g.enqueue(ctx, ch, newEnvelope(v1.TypeMessageAck, ackPayload))
	return nil
}

func (g *Gateway) onTyping(ch *Channel, env v1.Envelope) {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return
	}

	// Typing indicators only flow inside a group the channel joined.
	if !g.registry.InGroup(convID, ch) {
		return
	}

	g.registry.RelayTyping(convID, ch, env.Type)
}

func (g *Gateway) onReadAck(ctx context.Context, ch *Channel, env v1.Envelope) error {
	var p v1.ReadAckPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	switch {
	case p.MessageID != "":
		_, err := g.svc.MarkMessageRead(ctx, p.MessageID, ch.UserID)
		return err
	case p.ConversationID != "":
		return g.svc.MarkConversationRead(ctx, p.ConversationID, ch.UserID)
	default:
		return errors.New("read:ack requires conversationId or messageId")
	}
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, ch *Channel, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	g.enqueue(ctx, ch, newEnvelope(v1.TypeError, p))
}

func (g *Gateway) enqueue(ctx context.Context, ch *Channel, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-ch.Done():
		return false
	case ch.Send <- env:
		return true
	default:
		return false
	}
}

// errCode maps the messaging core's error taxonomy onto wire error codes.
func errCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrValidation):
		return "validation_failed"
	case errors.Is(err, chat.ErrForbidden):
		return "forbidden"
	case errors.Is(err, chat.ErrNotFound):
		return "not_found"
	case errors.Is(err, chat.ErrStoreUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
