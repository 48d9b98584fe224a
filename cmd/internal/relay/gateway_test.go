package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"desk/cmd/internal/channel"
	v1 "desk/shared/contracts/desk/v1"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testRelay struct {
	url   string
	store *InMemoryStore
	gw    *Gateway
}

func startRelay(t *testing.T) testRelay {
	t.Helper()

	store := NewInMemoryStore()
	gw := NewGateway(discardLogger(), nil, store, NewMetrics(nil), GatewayConfig{})

	mux := http.NewServeMux()
	mux.Handle("/ws/agent", gw.AgentHandler())
	mux.Handle("/ws/user", gw.VisitorHandler())

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return testRelay{
		url:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		store: store,
		gw:    gw,
	}
}

func dialRelay(t *testing.T, url string) *channel.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := channel.Dial(ctx, channel.Options{URL: url, RequestTimeout: 3 * time.Second})
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// recorder buffers pushed payloads per event so assertions can wait for them.
type recorder map[string]chan json.RawMessage

func record(c *channel.Conn, events ...string) recorder {
	r := make(recorder, len(events))
	for _, ev := range events {
		ch := make(chan json.RawMessage, 32)
		r[ev] = ch
		c.On(ev, func(raw json.RawMessage) {
			select {
			case ch <- raw:
			default:
			}
		})
	}
	return r
}

func (r recorder) next(t *testing.T, event string, v any) {
	t.Helper()
	select {
	case raw := <-r[event]:
		if v != nil {
			if err := json.Unmarshal(raw, v); err != nil {
				t.Fatalf("decode %s: %v", event, err)
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", event)
	}
}

func (r recorder) none(t *testing.T, event string, wait time.Duration) {
	t.Helper()
	select {
	case raw := <-r[event]:
		t.Fatalf("unexpected %s: %s", event, raw)
	case <-time.After(wait):
	}
}

func registerVisitor(t *testing.T, c *channel.Conn, name string) v1.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	raw, err := c.Request(ctx, v1.EventRegisterUser, v1.RegisterUserPayload{Name: name})
	if err != nil {
		t.Fatalf("register-user: %v", err)
	}
	var ack v1.RegisterUserAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		t.Fatalf("decode register ack: %v", err)
	}
	if !ack.Success || ack.Data.ID == "" {
		t.Fatalf("register ack=%+v", ack)
	}
	return ack.Data
}

func registerAgent(t *testing.T, c *channel.Conn) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.Emit(ctx, v1.EventRegisterAgent, nil); err != nil {
		t.Fatalf("register-agent: %v", err)
	}
}

func TestGateway_AgentSnapshotIncludesConnectedVisitors(t *testing.T) {
	t.Parallel()

	r := startRelay(t)

	visitor := dialRelay(t, r.url+"/ws/user")
	alice := registerVisitor(t, visitor, "  Alice  ")
	if alice.Name != "Alice" || alice.SocketID == "" {
		t.Fatalf("client=%+v", alice)
	}
	if err := visitor.Emit(context.Background(), v1.EventUserMessage, v1.UserMessagePayload{Text: "hi"}); err != nil {
		t.Fatalf("user-message: %v", err)
	}
	waitFor(t, func() bool {
		c, _ := r.store.Conversation(context.Background(), alice.ID)
		return len(c.Messages) == 1
	})

	agent := dialRelay(t, r.url+"/ws/agent")
	rec := record(agent, v1.EventExistingConversations)
	registerAgent(t, agent)

	var snap v1.ExistingConversationsPayload
	rec.next(t, v1.EventExistingConversations, &snap)

	if len(snap.Clients) != 1 || snap.Clients[0].ID != alice.ID {
		t.Fatalf("snapshot clients=%+v", snap.Clients)
	}
	if len(snap.Conversations) != 1 || snap.Conversations[0].Unread != 1 {
		t.Fatalf("snapshot conversations=%+v", snap.Conversations)
	}
}

func TestGateway_VisitorLifecycleBroadcastsToAgents(t *testing.T) {
	t.Parallel()

	r := startRelay(t)

	agent := dialRelay(t, r.url+"/ws/agent")
	rec := record(agent,
		v1.EventExistingConversations,
		v1.EventUserConnected,
		v1.EventNewUserMessage,
		v1.EventUserDisconnected,
	)
	registerAgent(t, agent)
	rec.next(t, v1.EventExistingConversations, nil)

	visitor := dialRelay(t, r.url+"/ws/user")
	bob := registerVisitor(t, visitor, "")
	if bob.Name != defaultVisitorName {
		t.Fatalf("default name=%q", bob.Name)
	}

	var connected v1.UserConnectedPayload
	rec.next(t, v1.EventUserConnected, &connected)
	if connected.ClientID != bob.ID || connected.Conversation.ClientID != bob.ID {
		t.Fatalf("user-connected=%+v", connected)
	}

	for i, text := range []string{"one", "two"} {
		if err := visitor.Emit(context.Background(), v1.EventUserMessage, v1.UserMessagePayload{Text: text}); err != nil {
			t.Fatalf("user-message: %v", err)
		}
		var msg v1.NewUserMessagePayload
		rec.next(t, v1.EventNewUserMessage, &msg)
		if got := len(msg.Conversation.Messages); got != i+1 {
			t.Fatalf("messages=%d want %d (full conversation, not a delta)", got, i+1)
		}
		if msg.Conversation.Unread != i+1 {
			t.Fatalf("server unread=%d want %d", msg.Conversation.Unread, i+1)
		}
	}

	_ = visitor.Close()

	var gone v1.UserDisconnectedPayload
	rec.next(t, v1.EventUserDisconnected, &gone)
	if gone.ClientID != bob.ID {
		t.Fatalf("user-disconnected=%+v", gone)
	}
}

func TestGateway_GetClientConversationsMarksRead(t *testing.T) {
	t.Parallel()

	r := startRelay(t)

	visitor := dialRelay(t, r.url+"/ws/user")
	carol := registerVisitor(t, visitor, "Carol")
	if err := visitor.Emit(context.Background(), v1.EventUserMessage, v1.UserMessagePayload{Text: "help"}); err != nil {
		t.Fatalf("user-message: %v", err)
	}
	waitFor(t, func() bool {
		c, _ := r.store.Conversation(context.Background(), carol.ID)
		return c.Unread == 1
	})

	agent := dialRelay(t, r.url+"/ws/agent")
	registerAgent(t, agent)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	raw, err := agent.Request(ctx, v1.EventGetClientConversations, v1.GetClientConversationsPayload{ClientID: carol.ID})
	if err != nil {
		t.Fatalf("get-client-conversations: %v", err)
	}
	var ack v1.GetClientConversationsAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.Success || ack.Data.Unread != 0 || len(ack.Data.Messages) != 1 {
		t.Fatalf("ack=%+v", ack)
	}

	raw, err = agent.Request(ctx, v1.EventGetClientConversations, v1.GetClientConversationsPayload{})
	if err != nil {
		t.Fatalf("get-client-conversations (blank): %v", err)
	}
	ack = v1.GetClientConversationsAck{}
	_ = json.Unmarshal(raw, &ack)
	if ack.Success || ack.Error == "" {
		t.Fatalf("blank clientId should be rejected, got %+v", ack)
	}
}

func TestGateway_AgentMessageDeliveredOnce(t *testing.T) {
	t.Parallel()

	r := startRelay(t)

	visitor := dialRelay(t, r.url+"/ws/user")
	vrec := record(visitor, v1.EventAgentMessage)
	dave := registerVisitor(t, visitor, "Dave")

	agent := dialRelay(t, r.url+"/ws/agent")
	registerAgent(t, agent)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	send := v1.AgentMessagePayload{ClientID: dave.ID, Text: "hello Dave", ClientMsgID: "cm-1"}
	for i := 0; i < 2; i++ {
		if _, err := agent.Request(ctx, v1.EventAgentMessage, send); err != nil {
			t.Fatalf("agent-message #%d: %v", i, err)
		}
	}

	var got v1.AgentMessageDelivery
	vrec.next(t, v1.EventAgentMessage, &got)
	if got.Message.Text != "hello Dave" || !got.Message.IsAgent || got.Message.ClientMsgID != "cm-1" {
		t.Fatalf("delivery=%+v", got)
	}
	vrec.none(t, v1.EventAgentMessage, 200*time.Millisecond)

	c, err := r.store.Conversation(ctx, dave.ID)
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if len(c.Messages) != 1 || c.Unread != 0 {
		t.Fatalf("conversation=%+v want one agent message, unread 0", c)
	}
}

func TestGateway_RejectsEventsBeforeRegistration(t *testing.T) {
	t.Parallel()

	r := startRelay(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	agent := dialRelay(t, r.url+"/ws/agent")
	_, err := agent.Request(ctx, v1.EventGetClientConversations, v1.GetClientConversationsPayload{ClientID: "x"})
	var re *channel.RemoteError
	if !errors.As(err, &re) || re.Code != "not_registered" {
		t.Fatalf("agent err=%v want not_registered", err)
	}

	visitor := dialRelay(t, r.url+"/ws/user")
	_, err = visitor.Request(ctx, v1.EventUserMessage, v1.UserMessagePayload{Text: "hi"})
	if !errors.As(err, &re) || re.Code != "not_registered" {
		t.Fatalf("visitor err=%v want not_registered", err)
	}

	_, err = visitor.Request(ctx, v1.EventGetClientConversations, v1.GetClientConversationsPayload{ClientID: "x"})
	if !errors.As(err, &re) || re.Code != "not_registered" {
		t.Fatalf("visitor agent-only event err=%v want not_registered", err)
	}
}

func TestGateway_OriginPolicy(t *testing.T) {
	t.Parallel()

	gw := NewGateway(discardLogger(), nil, nil, nil, GatewayConfig{
		OriginRequired: true,
		AllowedOrigins: []string{"http://localhost:3000", "https://desk.example.com"},
	})

	cases := []struct {
		origin string
		ok     bool
	}{
		{"", false},
		{"http://localhost:3000", true},
		{"http://localhost:5173", true},
		{"https://DESK.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/ws/agent", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		err := gw.enforceOrigin(req)
		if (err == nil) != tc.ok {
			t.Fatalf("origin %q: err=%v want ok=%v", tc.origin, err, tc.ok)
		}
	}

	if got := deriveOriginPatterns([]string{"http://b.test:1", "http://a.test", "*", "http://a.test:2"}); strings.Join(got, ",") != "a.test,b.test" {
		t.Fatalf("patterns=%v", got)
	}
}

func TestNormalizeName(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", maxNameChars+10)
	if got := []rune(normalizeName(long)); len(got) != maxNameChars {
		t.Fatalf("len=%d want %d", len(got), maxNameChars)
	}
	if normalizeName("   ") != defaultVisitorName {
		t.Fatalf("blank name should default")
	}
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(3, time.Second)
	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("burst exceeded but allowed")
	}
	if !rl.Allow(now.Add(time.Second)) {
		t.Fatalf("bucket should refill")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
