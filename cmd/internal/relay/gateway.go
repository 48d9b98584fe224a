package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"desk/cmd/internal/channel"
	"desk/cmd/internal/ids"
	v1 "desk/shared/contracts/desk/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32
	wsDefaultWriteTimeout  = 5 * time.Second
	wsCloseGrace           = 1 * time.Second
	wsMaxPingFailures      = 3

	defaultVisitorName = "Visitor"
)

var errBackpressure = errors.New("backpressure")

// GatewayConfig is the websocket policy of the relay. Zero values fall back to defaults.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept's origin verification. Dev only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout time.Duration
	// ReadIdleTimeout closes sockets that send nothing for this long. 0 disables it;
	// heartbeats still detect dead peers.
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

func (c *GatewayConfig) normalize() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = wsDefaultSendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
}

// Gateway is the relay's websocket entrypoint for agents and visitors.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats, and routes
// validated envelopes to the Hub and ConversationStore.
type Gateway struct {
	log     *slog.Logger
	hub     *Hub
	store   ConversationStore
	metrics *Metrics
	cfg     GatewayConfig

	// Derived for websocket.Accept, which requires host patterns for cross-origin requests.
	originPatterns []string
}

// NewGateway constructs a gateway. A nil hub or store falls back to in-memory implementations.
func NewGateway(log *slog.Logger, hub *Hub, store ConversationStore, m *Metrics, cfg GatewayConfig) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log, m)
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	cfg.normalize()
	return &Gateway{
		log:            log,
		hub:            hub,
		store:          store,
		metrics:        m,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
}

// Hub returns the gateway's hub.
func (g *Gateway) Hub() *Hub { return g.hub }

// AgentHandler serves /ws/agent.
func (g *Gateway) AgentHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { g.serve(w, r, RoleAgent) })
}

// VisitorHandler serves /ws/user.
func (g *Gateway) VisitorHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { g.serve(w, r, RoleVisitor) })
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, role Role) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr, "role", role)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err, "role", role)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := ids.New(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	peer := NewPeer(sessionID, role, g.cfg.SendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	// shutdown leaves the hub before closing the peer so broadcasters never hold a dying peer.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.leave(peer)
			peer.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-peer.Done():
				return
			case env := <-peer.Send:
				if err := channel.WriteEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-peer.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()
				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
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

	g.log.Info("ws.open", "session_id", sessionID, "role", role, "remote", r.RemoteAddr)
	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		env, err := g.read(ctx, conn)
		if err != nil {
			switch channel.ClassifyReadErr(err) {
			case channel.ReadErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case channel.ReadErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case channel.ReadErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			case channel.ReadErrBadFrame:
				g.trySendError(peer, "bad_json", "invalid JSON", "")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(peer, "rate_limited", "too many events", env.ID)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(peer, "bad_envelope", err.Error(), env.ID)
			continue readLoop
		}

		var herr error
		switch role {
		case RoleAgent:
			herr = g.onAgentEvent(ctx, peer, env, now)
		case RoleVisitor:
			herr = g.onVisitorEvent(ctx, peer, env, now)
		}
		if herr != nil {
			g.metrics.event(role, env.Event, "error")
			var ce *codedError
			if errors.As(herr, &ce) {
				g.trySendError(peer, ce.code, ce.Error(), env.ID)
			} else {
				g.trySendError(peer, "internal", herr.Error(), env.ID)
			}
			continue readLoop
		}
		g.metrics.event(role, env.Event, "ok")
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.close", "session_id", sessionID, "role", role)
}

func (g *Gateway) read(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	if g.cfg.ReadIdleTimeout <= 0 {
		return channel.ReadEnvelope(ctx, conn)
	}
	readCtx, cancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
	defer cancel()
	return channel.ReadEnvelope(readCtx, conn)
}

// leave removes peer from the hub and announces a departing visitor to agents.
func (g *Gateway) leave(peer *Peer) {
	switch peer.Role {
	case RoleAgent:
		g.hub.RemoveAgent(peer.SessionID)
	case RoleVisitor:
		id := peer.ClientID()
		if id == "" || !g.hub.RemoveVisitor(id) {
			return
		}
		if env, ok := g.envelope(v1.EventUserDisconnected, v1.UserDisconnectedPayload{ClientID: id}); ok {
			g.hub.BroadcastAgents(env)
		}
	}
}

// ---- agent handlers ----

func (g *Gateway) onAgentEvent(ctx context.Context, peer *Peer, env v1.Envelope, now time.Time) error {
	if env.Event != v1.EventRegisterAgent && !peer.registeredAgent() {
		return coded("not_registered", "register-agent first")
	}

	switch env.Event {
	case v1.EventRegisterAgent:
		return g.onRegisterAgent(ctx, peer, env)
	case v1.EventGetClientConversations:
		return g.onGetClientConversations(ctx, peer, env)
	case v1.EventAgentMessage:
		return g.onAgentMessage(ctx, peer, env, now)
	default:
		return coded("unsupported", fmt.Sprintf("unsupported event for agent: %s", env.Event))
	}
}

func (g *Gateway) onRegisterAgent(ctx context.Context, peer *Peer, env v1.Envelope) error {
	if peer.registeredAgent() {
		return coded("already_registered", "agent already registered")
	}

	err := g.hub.JoinAgent(peer, func(clients []v1.Client) (v1.Envelope, error) {
		clientIDs := make([]string, 0, len(clients))
		for _, c := range clients {
			clientIDs = append(clientIDs, c.ID)
		}
		convs, err := g.store.Conversations(ctx, clientIDs)
		if err != nil {
			return v1.Envelope{}, fmt.Errorf("load conversations: %w", err)
		}
		snap, ok := g.envelope(v1.EventExistingConversations, v1.ExistingConversationsPayload{
			Conversations: convs,
			Clients:       clients,
		})
		if !ok {
			return v1.Envelope{}, errors.New("encode snapshot")
		}
		return snap, nil
	})
	if err != nil {
		if errors.Is(err, errBackpressure) {
			return coded("backpressure", "snapshot")
		}
		return coded("snapshot_failed", err.Error())
	}
	peer.markAgent()
	return g.ack(peer, env, nil)
}

func (g *Gateway) onGetClientConversations(ctx context.Context, peer *Peer, env v1.Envelope) error {
	var p v1.GetClientConversationsPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return g.ack(peer, env, v1.GetClientConversationsAck{Success: false, Error: "invalid payload"})
	}
	clientID := strings.TrimSpace(p.ClientID)
	if clientID == "" {
		return g.ack(peer, env, v1.GetClientConversationsAck{Success: false, Error: "missing clientId"})
	}

	conv, err := g.store.MarkRead(ctx, clientID)
	if err != nil {
		g.log.Warn("relay.fetch.fail", "client_id", clientID, "err", err)
		return g.ack(peer, env, v1.GetClientConversationsAck{Success: false, Error: "store failure"})
	}
	return g.ack(peer, env, v1.GetClientConversationsAck{Success: true, Data: conv})
}

func (g *Gateway) onAgentMessage(ctx context.Context, peer *Peer, env v1.Envelope, now time.Time) error {
	var p v1.AgentMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return coded("bad_payload", fmt.Sprintf("invalid payload: %v", err))
	}
	clientID := strings.TrimSpace(p.ClientID)
	if clientID == "" {
		return coded("bad_payload", "missing clientId")
	}
	text := strings.TrimSpace(p.Text)

	res, err := g.store.AppendAgentMessage(ctx, AppendInput{
		ClientID:    clientID,
		Text:        text,
		ClientMsgID: strings.TrimSpace(p.ClientMsgID),
		Now:         now,
	})
	if err != nil {
		return storeErr(err)
	}
	if res.Duplicated {
		g.log.Debug("relay.agent_message.duplicate", "client_id", clientID, "client_msg_id", p.ClientMsgID)
		return g.ack(peer, env, nil)
	}
	g.metrics.message("agent")

	if visitor, ok := g.hub.Visitor(clientID); ok {
		if out, ok := g.envelope(v1.EventAgentMessage, v1.AgentMessageDelivery{Message: res.Message}); ok && !visitor.Offer(out) {
			g.metrics.dropped(v1.EventAgentMessage)
			g.log.Warn("relay.deliver.drop", "client_id", clientID)
		}
	}
	return g.ack(peer, env, nil)
}

// ---- visitor handlers ----

func (g *Gateway) onVisitorEvent(ctx context.Context, peer *Peer, env v1.Envelope, now time.Time) error {
	if env.Event != v1.EventRegisterUser && peer.ClientID() == "" {
		return coded("not_registered", "register-user first")
	}

	switch env.Event {
	case v1.EventRegisterUser:
		return g.onRegisterUser(ctx, peer, env, now)
	case v1.EventUserMessage:
		return g.onUserMessage(ctx, peer, env, now)
	default:
		return coded("unsupported", fmt.Sprintf("unsupported event for visitor: %s", env.Event))
	}
}

func (g *Gateway) onRegisterUser(ctx context.Context, peer *Peer, env v1.Envelope, now time.Time) error {
	if peer.ClientID() != "" {
		return coded("already_registered", "visitor already registered")
	}

	var p v1.RegisterUserPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return coded("bad_payload", fmt.Sprintf("invalid payload: %v", err))
		}
	}
	name := normalizeName(p.Name)

	clientID, err := ids.New(now)
	if err != nil {
		return err
	}
	if err := g.store.Ensure(ctx, clientID); err != nil {
		return storeErr(err)
	}
	conv, err := g.store.Conversation(ctx, clientID)
	if err != nil {
		return storeErr(err)
	}

	client := v1.Client{ID: clientID, Name: name, SocketID: peer.SessionID}
	peer.setClientID(clientID)
	g.hub.AddVisitor(client, peer)

	if err := g.ack(peer, env, v1.RegisterUserAck{Success: true, Data: client}); err != nil {
		return err
	}

	if out, ok := g.envelope(v1.EventUserConnected, v1.UserConnectedPayload{
		ClientID:     clientID,
		Name:         name,
		Conversation: conv,
	}); ok {
		g.hub.BroadcastAgents(out)
	}
	return nil
}

func (g *Gateway) onUserMessage(ctx context.Context, peer *Peer, env v1.Envelope, now time.Time) error {
	var p v1.UserMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return coded("bad_payload", fmt.Sprintf("invalid payload: %v", err))
	}
	clientID := peer.ClientID()

	res, err := g.store.AppendUserMessage(ctx, AppendInput{
		ClientID: clientID,
		Text:     strings.TrimSpace(p.Text),
		Now:      now,
	})
	if err != nil {
		return storeErr(err)
	}
	g.metrics.message("visitor")

	if out, ok := g.envelope(v1.EventNewUserMessage, v1.NewUserMessagePayload{Conversation: res.Conversation}); ok {
		g.hub.BroadcastAgents(out)
	}
	return g.ack(peer, env, nil)
}

// ---- send helpers ----

// codedError carries the code reported to the peer in an error envelope.
type codedError struct {
	code string
	msg  string
}

func (e *codedError) Error() string { return e.msg }

func coded(code, msg string) error { return &codedError{code: code, msg: msg} }

func storeErr(err error) error {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return coded("bad_payload", "missing clientId or empty text")
	case errors.Is(err, ErrTextTooLong):
		return coded("bad_payload", fmt.Sprintf("message too long: max=%d chars", maxMessageChars))
	default:
		return coded("store_failed", err.Error())
	}
}

func (g *Gateway) envelope(event string, payload any) (v1.Envelope, bool) {
	env, err := channel.NewEnvelope(event, payload, time.Now().UTC())
	if err != nil {
		g.log.Error("relay.envelope.fail", "event", event, "err", err)
		return v1.Envelope{}, false
	}
	return env, true
}

// ack answers req when it asked for an acknowledgment.
func (g *Gateway) ack(peer *Peer, req v1.Envelope, body any) error {
	if !req.Ack {
		return nil
	}
	env, ok := g.envelope(v1.EventAck, body)
	if !ok {
		return errors.New("encode ack")
	}
	env.ReplyTo = req.ID
	if !peer.Offer(env) {
		return coded("backpressure", "ack")
	}
	return nil
}

func (g *Gateway) trySendError(peer *Peer, code, msg, replyTo string) {
	env, ok := g.envelope(v1.EventError, v1.ErrorPayload{Code: code, Message: msg})
	if !ok {
		return
	}
	env.ReplyTo = replyTo
	_ = peer.Offer(env)
}

func normalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultVisitorName
	}
	if r := []rune(name); len(r) > maxNameChars {
		name = string(r[:maxNameChars])
	}
	return name
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*", origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
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
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns turns the allowlist into websocket.Accept host patterns so both origin
// checks agree.
func deriveOriginPatterns(allowed []string) []string {
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
	sort.Strings(out)
	return out
}
