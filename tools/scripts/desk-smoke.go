// Package main is a CI-friendly WebSocket smoke test for a running desk relay.
//
// It validates, over raw sockets:
//   - handshake + subprotocol selection on /ws/agent and /ws/user
//   - register-agent -> existing-conversations snapshot
//   - register-user ack and the user-connected broadcast
//   - user-message -> new-user-message with unread bookkeeping
//   - get-client-conversations ack resetting unread
//   - agent-message delivery and clientMsgId dedupe
//   - user-disconnected on visitor close
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
	"strings"
	"time"

	v1 "desk/shared/contracts/desk/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 4 << 20

type smokeClient struct {
	name string
	conn *websocket.Conn
	seq  int

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("url", "ws://127.0.0.1:8080", "Relay base URL (ws:// or wss://)")
		origin  = flag.String("origin", "", "Origin header to send (browser-like WS handshake)")
		name    = flag.String("name", "Smoke Visitor", "Visitor display name")
		text    = flag.String("text", "hello desk", "Visitor message text")
		reply   = flag.String("reply", "hello visitor", "Agent reply text")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	base := strings.TrimRight(*baseURL, "/")
	root := context.Background()

	agent := mustConnect(root, "agent", base+"/ws/agent", *origin, *timeout)
	defer closeWS(agent.conn)

	agent.mustWrite(root, v1.EventRegisterAgent, nil, false, *timeout)
	snap := agent.mustReadUntil(root, v1.EventExistingConversations, *timeout, nil)
	var sp v1.ExistingConversationsPayload
	mustDecode(snap.Payload, &sp, "existing-conversations")
	if *verbose {
		fmt.Printf("snapshot: clients=%d conversations=%d\n", len(sp.Clients), len(sp.Conversations))
	}

	visitor := mustConnect(root, "visitor", base+"/ws/user", *origin, *timeout)

	regID := visitor.mustWrite(root, v1.EventRegisterUser, v1.RegisterUserPayload{Name: *name}, true, *timeout)
	var reg v1.RegisterUserAck
	mustDecode(visitor.mustReadAck(root, regID, *timeout).Payload, &reg, "register-user ack")
	if !reg.Success || strings.TrimSpace(reg.Data.ID) == "" {
		fatalf("register-user ack not successful: %+v", reg)
	}
	client := reg.Data

	connected := agent.mustReadUntil(root, v1.EventUserConnected, *timeout, nil)
	var cp v1.UserConnectedPayload
	mustDecode(connected.Payload, &cp, "user-connected")
	if cp.ClientID != client.ID || cp.Name != client.Name {
		fatalf("user-connected mismatch: got=%s/%q want=%s/%q", cp.ClientID, cp.Name, client.ID, client.Name)
	}

	visitor.mustWrite(root, v1.EventUserMessage, v1.UserMessagePayload{Text: *text}, false, *timeout)
	incoming := agent.mustReadUntil(root, v1.EventNewUserMessage, *timeout, nil)
	var np v1.NewUserMessagePayload
	mustDecode(incoming.Payload, &np, "new-user-message")
	if np.Conversation.ClientID != client.ID || np.Conversation.Unread < 1 {
		fatalf("new-user-message: conversation=%+v", np.Conversation)
	}
	if n := len(np.Conversation.Messages); n == 0 || np.Conversation.Messages[n-1].Text != *text {
		fatalf("new-user-message: last message is not %q", *text)
	}

	fetchID := agent.mustWrite(root, v1.EventGetClientConversations, v1.GetClientConversationsPayload{ClientID: client.ID}, true, *timeout)
	var fetched v1.GetClientConversationsAck
	mustDecode(agent.mustReadAck(root, fetchID, *timeout).Payload, &fetched, "get-client-conversations ack")
	if !fetched.Success || fetched.Data.Unread != 0 || len(fetched.Data.Messages) != len(np.Conversation.Messages) {
		fatalf("get-client-conversations ack=%+v", fetched)
	}

	cmid := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	am := v1.AgentMessagePayload{ClientID: client.ID, Text: *reply, ClientMsgID: cmid}
	agent.mustWrite(root, v1.EventAgentMessage, am, false, *timeout)

	delivered := visitor.mustReadUntil(root, v1.EventAgentMessage, *timeout, nil)
	var dp v1.AgentMessageDelivery
	mustDecode(delivered.Payload, &dp, "agent-message delivery")
	if dp.Message.Text != *reply || !dp.Message.IsAgent || dp.Message.ClientMsgID != cmid {
		fatalf("agent-message delivery=%+v", dp.Message)
	}

	// Same clientMsgId again: persisted once, delivered once.
	agent.mustWrite(root, v1.EventAgentMessage, am, false, *timeout)
	visitor.mustAssertNoEvent(root, v1.EventAgentMessage, 1200*time.Millisecond)

	closeWS(visitor.conn)
	gone := agent.mustReadUntil(root, v1.EventUserDisconnected, *timeout, map[string]struct{}{
		v1.EventUserConnected:  {},
		v1.EventNewUserMessage: {},
	})
	var gp v1.UserDisconnectedPayload
	mustDecode(gone.Payload, &gp, "user-disconnected")
	if gp.ClientID != client.ID {
		fatalf("user-disconnected client=%q want %q", gp.ClientID, client.ID)
	}

	fmt.Printf("OK: client_id=%s messages=%d client_msg_id=%s\n", client.ID, len(fetched.Data.Messages)+1, cmid)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	report := func(err error) {
		select {
		case c.errCh <- err:
		default:
		}
	}

	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				report(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				report(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				report(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				report(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

// mustWrite sends one envelope and returns its id.
func (c *smokeClient) mustWrite(parent context.Context, event string, payload any, ack bool, stepTimeout time.Duration) string {
	c.seq++
	env := v1.Envelope{
		V:     v1.Version,
		Event: event,
		ID:    fmt.Sprintf("%s-%s-%d", c.name, event, c.seq),
		Ack:   ack,
		TS:    time.Now().UTC(),
	}
	if payload != nil {
		env.Payload = mustJSON(payload)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s (%s): %v", event, c.name, err)
	}
	return env.ID
}

func (c *smokeClient) mustReadAck(parent context.Context, id string, stepTimeout time.Duration) v1.Envelope {
	for {
		env := c.mustReadUntil(parent, v1.EventAck, stepTimeout, map[string]struct{}{
			v1.EventUserConnected:         {},
			v1.EventExistingConversations: {},
		})
		if env.ReplyTo == id {
			return env
		}
	}
}

func (c *smokeClient) mustReadUntil(parent context.Context, want string, stepTimeout time.Duration, skip map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", want, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", want, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", want, c.name)
			}
			if env.Event == want {
				return env
			}
			if env.Event == v1.EventError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("relay error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if _, ok := skip[env.Event]; ok {
				continue
			}
			fatalf("unexpected event (%s): got=%q want=%q", c.name, env.Event, want)
		}
	}
}

func (c *smokeClient) mustAssertNoEvent(parent context.Context, forbidden string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Event == forbidden {
				fatalf("unexpected %s received (%s)", forbidden, c.name)
			}
		}
	}
}

func mustDecode(raw json.RawMessage, v any, what string) {
	if err := json.Unmarshal(raw, v); err != nil {
		fatalf("decode %s: %v", what, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
