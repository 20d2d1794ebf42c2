// Command ws-smoke is a CI smoke test for the Parley realtime gateway.
//
// It dials two authenticated clients against a running server and walks the
// happy path end to end: handshake + subprotocol, join echo, send -> ack,
// message:new fan-out, clientMsgId dedupe (same ack, no second fan-out), and
// read:ack -> read:update propagation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	v1 "parley/contracts/chat/v1"

	"github.com/coder/websocket"
)

const subprotocol = "parley.chat.v1"

type options struct {
	wsURL   string
	origin  string
	tokenA  string
	tokenB  string
	convID  string
	text    string
	timeout time.Duration
	verbose bool
}

func main() {
	var opts options
	flag.StringVar(&opts.wsURL, "url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
	flag.StringVar(&opts.origin, "origin", "http://localhost", "Origin header (browser-like handshake)")
	flag.StringVar(&opts.tokenA, "token-a", "", "Bearer token for client A (required)")
	flag.StringVar(&opts.tokenB, "token-b", "", "Bearer token for client B (required)")
	flag.StringVar(&opts.convID, "conv", "", "Conversation ID (required; both users must be participants)")
	flag.StringVar(&opts.text, "text", "hello parley 👋", "Message content to send")
	flag.DurationVar(&opts.timeout, "timeout", 7*time.Second, "Per-step timeout")
	flag.BoolVar(&opts.verbose, "v", false, "Verbose output")
	flag.Parse()

	if err := opts.check(); err != nil {
		fail("bad flags: %v", err)
	}

	ctx := context.Background()

	a := dial(ctx, "A", opts, opts.tokenA)
	defer a.close()
	b := dial(ctx, "B", opts, opts.tokenB)
	defer b.close()

	if opts.verbose {
		fmt.Printf("connected both clients, conv=%s\n", opts.convID)
	}

	a.join(ctx, opts.convID)
	b.join(ctx, opts.convID)

	clientMsgID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	messageID := a.send(ctx, opts.convID, clientMsgID, opts.text)

	b.expectNew(ctx, opts.convID, messageID, opts.text)

	// With echo-to-sender on, A also receives its own message:new; absorb it
	// so the dedupe check below starts from a quiet inbox.
	a.absorb(ctx, v1.TypeMessageNew, 750*time.Millisecond)

	// A retried send with the same key must ack with the original message ID
	// and produce no second fan-out on B.
	if retried := a.send(ctx, opts.convID, clientMsgID, opts.text); retried != messageID {
		fail("dedupe broken: first ack=%s retry ack=%s", messageID, retried)
	}
	b.expectSilence(ctx, v1.TypeMessageNew, 1200*time.Millisecond)

	// B acks the conversation; A observes the read:update carrying the message.
	b.write(ctx, envelope(v1.TypeReadAck, "B-read", v1.ReadAckPayload{ConversationID: opts.convID}))
	a.expectReadUpdate(ctx, opts.convID, messageID)

	fmt.Printf("OK: conv_id=%s message_id=%s\n", opts.convID, messageID)
}

func (o options) check() error {
	u, err := url.Parse(o.wsURL)
	if err != nil {
		return err
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" || u.Path == "" {
		return fmt.Errorf("-url must be ws(s)://host/path, got %q", o.wsURL)
	}
	if o.origin != "" {
		ou, err := url.Parse(o.origin)
		if err != nil {
			return err
		}
		if (ou.Scheme != "http" && ou.Scheme != "https") || ou.Host == "" {
			return fmt.Errorf("-origin must be http(s)://host, got %q", o.origin)
		}
	}
	if strings.TrimSpace(o.tokenA) == "" || strings.TrimSpace(o.tokenB) == "" {
		return errors.New("-token-a and -token-b are required")
	}
	if strings.TrimSpace(o.convID) == "" {
		return errors.New("-conv is required")
	}
	return nil
}

// client is one websocket participant with a background read pump.
type client struct {
	name    string
	conn    *websocket.Conn
	inbox   chan v1.Envelope
	readErr chan error
	timeout time.Duration
}

func dial(ctx context.Context, name string, opts options, token string) *client {
	dctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)
	if opts.origin != "" {
		hdr.Set("Origin", opts.origin)
	}

	conn, resp, err := websocket.Dial(dctx, opts.wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   hdr,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fail("dial %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != subprotocol {
		fail("dial %s: negotiated subprotocol %q, want %q", name, got, subprotocol)
	}
	conn.SetReadLimit(1 << 20)

	c := &client{
		name:    name,
		conn:    conn,
		inbox:   make(chan v1.Envelope, 256),
		readErr: make(chan error, 1),
		timeout: opts.timeout,
	}
	go c.pump()
	return c
}

// pump decodes inbound frames into the inbox until the connection dies.
func (c *client) pump() {
	defer close(c.inbox)
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.readErr <- err
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.readErr <- fmt.Errorf("decode frame: %w", err)
			return
		}
		if err := env.Validate(); err != nil {
			c.readErr <- fmt.Errorf("invalid envelope: %w", err)
			return
		}
		select {
		case c.inbox <- env:
		default:
			c.readErr <- errors.New("inbox overflow")
			return
		}
	}
}

func (c *client) close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "done")
}

func (c *client) write(ctx context.Context, env v1.Envelope) {
	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := json.Marshal(env)
	if err != nil {
		fail("%s: marshal %s: %v", c.name, env.Type, err)
	}
	if err := c.conn.Write(wctx, websocket.MessageText, data); err != nil {
		fail("%s: write %s: %v", c.name, env.Type, err)
	}
}

// expect waits for an envelope of wantType. Types in skip are discarded; an
// error envelope or any other type fails the run.
func (c *client) expect(ctx context.Context, wantType string, skip ...string) v1.Envelope {
	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	for {
		select {
		case <-wctx.Done():
			fail("%s: timed out waiting for %q", c.name, wantType)
		case err := <-c.readErr:
			fail("%s: connection lost waiting for %q: %v", c.name, wantType, err)
		case env, ok := <-c.inbox:
			if !ok {
				fail("%s: connection closed waiting for %q", c.name, wantType)
			}
			switch {
			case env.Type == wantType:
				return env
			case env.Type == v1.TypeError:
				fail("%s: server error while waiting for %q: %s", c.name, wantType, errorDetail(env))
			case slices.Contains(skip, env.Type):
				// discard
			default:
				fail("%s: unexpected %q while waiting for %q", c.name, env.Type, wantType)
			}
		}
	}
}

// absorb discards envelopes until one of the given type is seen or wait elapses.
func (c *client) absorb(ctx context.Context, typ string, wait time.Duration) {
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	for {
		select {
		case <-wctx.Done():
			return
		case env, ok := <-c.inbox:
			if !ok || env.Type == typ {
				return
			}
		}
	}
}

// expectSilence fails if an envelope of the given type arrives within wait.
func (c *client) expectSilence(ctx context.Context, typ string, wait time.Duration) {
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	for {
		select {
		case <-wctx.Done():
			return
		case env, ok := <-c.inbox:
			if !ok {
				return
			}
			if env.Type == v1.TypeError {
				fail("%s: server error during silence window: %s", c.name, errorDetail(env))
			}
			if env.Type == typ {
				fail("%s: got %q during silence window", c.name, typ)
			}
		}
	}
}

func (c *client) join(ctx context.Context, convID string) {
	c.write(ctx, envelope(v1.TypeJoin, c.name+"-join", v1.JoinPayload{ConversationID: convID}))

	var p v1.JoinPayload
	decode(c, c.expect(ctx, v1.TypeJoined), &p)
	if p.ConversationID != convID {
		fail("%s: joined wrong conversation %q, want %q", c.name, p.ConversationID, convID)
	}
}

func (c *client) send(ctx context.Context, convID, clientMsgID, text string) (messageID string) {
	c.write(ctx, envelope(v1.TypeMessageSend, c.name+"-"+clientMsgID, v1.MessageSendPayload{
		ConversationID: convID,
		ClientMsgID:    clientMsgID,
		Content:        text,
	}))

	var p v1.MessageAckPayload
	decode(c, c.expect(ctx, v1.TypeMessageAck, v1.TypeMessageNew), &p)
	if p.ConversationID != convID || p.ClientMsgID != clientMsgID {
		fail("%s: ack mismatch: conv=%q clientMsgId=%q", c.name, p.ConversationID, p.ClientMsgID)
	}
	if p.MessageID == "" {
		fail("%s: ack missing messageId", c.name)
	}
	return p.MessageID
}

func (c *client) expectNew(ctx context.Context, convID, messageID, text string) {
	var p v1.MessageNewPayload
	decode(c, c.expect(ctx, v1.TypeMessageNew), &p)

	m := p.Message
	if m.ConversationID != convID || m.ID != messageID {
		fail("%s: message:new mismatch: conv=%q id=%q", c.name, m.ConversationID, m.ID)
	}
	if m.Content != text {
		fail("%s: message:new content %q, want %q", c.name, m.Content, text)
	}
	if m.CreatedAt.IsZero() {
		fail("%s: message:new has zero createdAt", c.name)
	}
}

func (c *client) expectReadUpdate(ctx context.Context, convID, messageID string) {
	var p v1.ReadUpdatePayload
	decode(c, c.expect(ctx, v1.TypeReadUpdate, v1.TypeMessageNew), &p)

	if p.ConversationID != convID {
		fail("%s: read:update conv %q, want %q", c.name, p.ConversationID, convID)
	}
	if !slices.Contains(p.MessageIDs, messageID) {
		fail("%s: read:update missing %s, got %v", c.name, messageID, p.MessageIDs)
	}
}

func envelope(typ, id string, payload any) v1.Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: raw}
}

func decode(c *client, env v1.Envelope, dst any) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		fail("%s: decode %s payload: %v", c.name, env.Type, err)
	}
}

func errorDetail(env v1.Envelope) string {
	var p v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	return fmt.Sprintf("code=%q message=%q", p.Code, p.Message)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
