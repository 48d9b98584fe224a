package relay

import (
	"errors"
	"log/slog"
	"sync"

	v1 "desk/shared/contracts/desk/v1"
)

// Hub tracks connected agents and visitors and fans events out to agents.
// Persistence lives behind ConversationStore.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	mu       sync.RWMutex
	agents   map[string]*Peer // session id -> peer
	visitors map[string]*visitorEntry
	order    []string // visitor client ids in arrival order
}

type visitorEntry struct {
	client v1.Client
	peer   *Peer
}

// NewHub constructs an empty Hub.
func NewHub(log *slog.Logger, m *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		metrics:  m,
		agents:   make(map[string]*Peer),
		visitors: make(map[string]*visitorEntry),
	}
}

// JoinAgent registers p for agent broadcasts. The snapshot built from the current visitors is
// enqueued under the hub lock, so no visitor event reaches p ahead of it.
func (h *Hub) JoinAgent(p *Peer, snapshot func(clients []v1.Client) (v1.Envelope, error)) error {
	if p == nil || p.SessionID == "" {
		return errors.New("relay: invalid agent peer")
	}

	h.mu.Lock()
	clients := make([]v1.Client, 0, len(h.order))
	for _, id := range h.order {
		clients = append(clients, h.visitors[id].client)
	}
	env, err := snapshot(clients)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if !p.Offer(env) {
		h.mu.Unlock()
		return errBackpressure
	}
	h.agents[p.SessionID] = p
	n := len(h.agents)
	h.mu.Unlock()

	h.metrics.setAgents(n)
	h.log.Info("relay.agent.join", "session_id", p.SessionID, "agents", n, "clients", len(clients))
	return nil
}

// RemoveAgent unregisters the agent session.
func (h *Hub) RemoveAgent(sessionID string) {
	h.mu.Lock()
	_, ok := h.agents[sessionID]
	delete(h.agents, sessionID)
	n := len(h.agents)
	h.mu.Unlock()

	if ok {
		h.metrics.setAgents(n)
		h.log.Info("relay.agent.leave", "session_id", sessionID, "agents", n)
	}
}

// AddVisitor registers a visitor under c.ID. The socket id is the visitor's session id.
func (h *Hub) AddVisitor(c v1.Client, p *Peer) {
	h.mu.Lock()
	if _, exists := h.visitors[c.ID]; !exists {
		h.order = append(h.order, c.ID)
	}
	h.visitors[c.ID] = &visitorEntry{client: c, peer: p}
	n := len(h.visitors)
	h.mu.Unlock()

	h.metrics.setVisitors(n)
	h.log.Info("relay.visitor.join", "client_id", c.ID, "session_id", p.SessionID, "visitors", n)
}

// RemoveVisitor unregisters clientID and reports whether it was present.
func (h *Hub) RemoveVisitor(clientID string) bool {
	h.mu.Lock()
	_, ok := h.visitors[clientID]
	if ok {
		delete(h.visitors, clientID)
		for i, id := range h.order {
			if id == clientID {
				h.order = append(h.order[:i], h.order[i+1:]...)
				break
			}
		}
	}
	n := len(h.visitors)
	h.mu.Unlock()

	if ok {
		h.metrics.setVisitors(n)
		h.log.Info("relay.visitor.leave", "client_id", clientID, "visitors", n)
	}
	return ok
}

// Visitor returns the peer for clientID.
func (h *Hub) Visitor(clientID string) (*Peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.visitors[clientID]
	if !ok {
		return nil, false
	}
	return v.peer, true
}

// Clients returns connected visitors in arrival order.
func (h *Hub) Clients() []v1.Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]v1.Client, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.visitors[id].client)
	}
	return out
}

// BroadcastAgents offers env to every agent without blocking. Agents whose queue is full miss
// the event. It returns how many agents accepted it.
func (h *Hub) BroadcastAgents(env v1.Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for _, a := range h.agents {
		if a.Offer(env) {
			sent++
			continue
		}
		h.metrics.dropped(env.Event)
		h.log.Warn("relay.broadcast.drop", "session_id", a.SessionID, "event", env.Event)
	}
	return sent
}
