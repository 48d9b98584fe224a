package relay

import (
	"sync"

	v1 "desk/shared/contracts/desk/v1"
)

// Role distinguishes the two kinds of sockets the relay accepts.
type Role string

const (
	RoleAgent   Role = "agent"
	RoleVisitor Role = "visitor"
)

// Peer is one connected websocket session.
//
// Send is never closed by the relay, so concurrent broadcasters cannot panic; done tells the
// session goroutines to stop.
type Peer struct {
	SessionID string
	Role      Role
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	clientID string // visitors, after register-user
	agent    bool   // agents, after register-agent
}

// NewPeer constructs a Peer with a bounded send queue.
func NewPeer(sessionID string, role Role, sendQueueSize int) *Peer {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Peer{
		SessionID: sessionID,
		Role:      role,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done is closed when the peer is shutting down.
func (p *Peer) Done() <-chan struct{} {
	if p == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.done
}

// Close signals the peer goroutines to stop (idempotent). It does NOT close Send.
func (p *Peer) Close() {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() { close(p.done) })
}

// Offer enqueues env without blocking. It reports false when the peer is closing or its
// queue is full.
func (p *Peer) Offer(env v1.Envelope) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.Send <- env:
		return true
	default:
		return false
	}
}

// ClientID returns the visitor id assigned at registration ("" before).
func (p *Peer) ClientID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientID
}

func (p *Peer) setClientID(id string) {
	p.mu.Lock()
	p.clientID = id
	p.mu.Unlock()
}

func (p *Peer) registeredAgent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agent
}

func (p *Peer) markAgent() {
	p.mu.Lock()
	p.agent = true
	p.mu.Unlock()
}
