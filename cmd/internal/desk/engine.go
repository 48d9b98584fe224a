// Package desk is the agent-side reconciliation engine: it keeps the roster, the per-client
// conversations and the selection consistent under out-of-order push events and optimistic
// local sends.
//
// All state is owned by one goroutine (Engine.Run). Transport callbacks and user intents are
// posted into its queue, so exactly one handler runs at a time and every handler reads the
// selection current at dispatch time.
package desk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"desk/cmd/internal/ids"
	v1 "desk/shared/contracts/desk/v1"
)

const (
	defaultFetchTimeout = 5 * time.Second
	defaultQueueSize    = 256
)

// Channel is the transport capability the engine depends on.
type Channel interface {
	// Emit sends a named event without waiting for an acknowledgment.
	Emit(ctx context.Context, event string, payload any) error
	// Request sends a named event and waits for its acknowledgment body.
	Request(ctx context.Context, event string, payload any) (json.RawMessage, error)
	// On subscribes fn to a named event. The returned func unsubscribes.
	On(event string, fn func(payload json.RawMessage)) (off func())
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics sets the engine metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithFetchTimeout bounds each get-client-conversations request.
func WithFetchTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.fetchTimeout = d
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithTombstoneTTL sets how long a disconnected client id rejects late messages.
func WithTombstoneTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.store = newStore(d, defaultTombstoneMax)
		}
	}
}

// Engine applies push events and user intents to a Store.
type Engine struct {
	log          *slog.Logger
	ch           Channel
	metrics      *Metrics
	now          func() time.Time
	fetchTimeout time.Duration

	store *Store // owned by Run

	events    chan func(*Store)
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	offs    []func()
	started bool

	viewMu  sync.RWMutex
	view    View
	updates chan struct{}
}

// NewEngine constructs an Engine bound to ch. Call Start to subscribe, then Run.
func NewEngine(ch Channel, opts ...Option) *Engine {
	e := &Engine{
		log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		ch:           ch,
		now:          func() time.Time { return time.Now().UTC() },
		fetchTimeout: defaultFetchTimeout,
		store:        NewStore(),
		events:       make(chan func(*Store), defaultQueueSize),
		done:         make(chan struct{}),
		updates:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.view = e.store.View()
	return e
}

// Start subscribes the push-event handlers and announces the agent with register-agent.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	select {
	case <-e.done:
		e.mu.Unlock()
		return ErrClosed
	default:
	}
	if e.started {
		e.mu.Unlock()
		return errors.New("desk: engine already started")
	}
	e.started = true
	e.offs = append(e.offs,
		e.ch.On(v1.EventExistingConversations, e.handler(v1.EventExistingConversations, e.onSnapshot)),
		e.ch.On(v1.EventUserConnected, e.handler(v1.EventUserConnected, e.onClientConnected)),
		e.ch.On(v1.EventUserDisconnected, e.handler(v1.EventUserDisconnected, e.onClientDisconnected)),
		e.ch.On(v1.EventNewUserMessage, e.handler(v1.EventNewUserMessage, e.onIncomingMessage)),
	)
	e.mu.Unlock()

	if err := e.ch.Emit(ctx, v1.EventRegisterAgent, nil); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	e.log.Info("engine.start")
	return nil
}

// Run processes queued events until ctx is done or Close is called. It closes the engine on
// return.
func (e *Engine) Run(ctx context.Context) error {
	defer e.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.done:
			return nil
		case fn := <-e.events:
			// Teardown may have begun while fn was queued.
			select {
			case <-e.done:
				return nil
			default:
			}
			fn(e.store)
			e.publish()
		}
	}
}

// Close unsubscribes every handler and stops the loop. No handler runs after Close begins.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)

		e.mu.Lock()
		offs := e.offs
		e.offs = nil
		e.mu.Unlock()

		for _, off := range offs {
			if off != nil {
				off()
			}
		}
		e.log.Info("engine.closed")
	})
}

// Done is closed once the engine is torn down.
func (e *Engine) Done() <-chan struct{} { return e.done }

// View returns the latest published state.
func (e *Engine) View() View {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	return e.view
}

// Updates signals (coalesced) that a new View was published.
func (e *Engine) Updates() <-chan struct{} { return e.updates }

// ---- intents ----

// Select focuses clientID and read-repairs its conversation from the relay.
//
// Unknown ids return ErrUnknownSelectionTarget and keep the prior selection. A failed fetch
// keeps the prior conversation entry, leaves the selection changed and is reported both as the
// returned error and as View.FetchErr.
func (e *Engine) Select(ctx context.Context, clientID string) error {
	clientID = strings.TrimSpace(clientID)

	// Pushes applied after this mark may be newer than the fetched copy.
	var since uint64
	if err := e.do(ctx, func(s *Store) error {
		if err := s.Select(clientID); err != nil {
			return err
		}
		since = s.Revision()
		return nil
	}); err != nil {
		if errors.Is(err, ErrUnknownSelectionTarget) {
			e.log.Info("engine.select.rejected", "client_id", clientID)
		}
		return err
	}

	conv, err := e.fetch(ctx, clientID)
	if err != nil {
		e.log.Warn("engine.fetch.fail", "client_id", clientID, "err", err)
		if perr := e.do(ctx, func(s *Store) error {
			s.RecordFetchFailure(clientID, err)
			return nil
		}); perr != nil {
			return perr
		}
		return err
	}

	return e.do(ctx, func(s *Store) error {
		if !s.ReadRepair(conv, since) {
			e.log.Info("engine.fetch.discarded", "client_id", clientID, "reason", "client gone")
		}
		return nil
	})
}

// Retry repeats the read-repair for the current selection.
func (e *Engine) Retry(ctx context.Context) error {
	var selected string
	if err := e.do(ctx, func(s *Store) error {
		selected = s.Selected()
		return nil
	}); err != nil {
		return err
	}
	if selected == "" {
		return ErrNoSelection
	}
	return e.Select(ctx, selected)
}

// Deselect clears the selection.
func (e *Engine) Deselect(ctx context.Context) error {
	return e.do(ctx, func(s *Store) error {
		s.Deselect()
		return nil
	})
}

// Send emits text to the selected conversation and appends it optimistically.
//
// With no selection or blank text nothing is emitted and nothing changes. Non-blank text is sent
// as typed. Delivery is
// fire-and-forget: an emit failure is logged, not returned.
func (e *Engine) Send(ctx context.Context, text string) error {
	return e.do(ctx, func(s *Store) error {
		to := s.Selected()
		if to == "" {
			return ErrNoSelection
		}
		if strings.TrimSpace(text) == "" {
			return ErrEmptyText
		}

		now := e.now()
		id, err := ids.New(now)
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}

		if err := e.ch.Emit(ctx, v1.EventAgentMessage, v1.AgentMessagePayload{
			ClientID:    to,
			Text:        text,
			ClientMsgID: id,
		}); err != nil {
			e.log.Warn("engine.send.emit_fail", "client_id", to, "client_msg_id", id, "err", err)
		}

		e.metrics.sent()
		return s.AppendLocal(v1.Message{
			ID:          id,
			Text:        text,
			ClientID:    to,
			Timestamp:   now,
			IsAgent:     true,
			ClientMsgID: id,
		})
	})
}

// ---- push handlers ----

func (e *Engine) onSnapshot(s *Store, raw json.RawMessage) error {
	var p v1.ExistingConversationsPayload
	if err := decode(raw, &p); err != nil {
		return malformed(v1.EventExistingConversations, "", err.Error())
	}
	if s.snapshots > 0 {
		e.log.Warn("engine.snapshot.repeated", "count", s.snapshots+1)
	}
	dropped := s.ApplySnapshot(p)
	if len(dropped) > 0 {
		e.log.Warn("engine.snapshot.orphans_dropped", "client_ids", dropped)
	}
	e.log.Info("engine.snapshot.applied", "clients", len(p.Clients), "conversations", len(p.Conversations))
	return nil
}

func (e *Engine) onClientConnected(s *Store, raw json.RawMessage) error {
	var p v1.UserConnectedPayload
	if err := decode(raw, &p); err != nil {
		return malformed(v1.EventUserConnected, "", err.Error())
	}
	if err := s.ApplyConnected(p); err != nil {
		return err
	}
	e.log.Debug("engine.client.connected", "client_id", p.ClientID)
	return nil
}

func (e *Engine) onClientDisconnected(s *Store, raw json.RawMessage) error {
	var p v1.UserDisconnectedPayload
	if err := decode(raw, &p); err != nil {
		return malformed(v1.EventUserDisconnected, "", err.Error())
	}
	wasSelected, err := s.ApplyDisconnected(p.ClientID, e.now())
	if err != nil {
		return err
	}
	e.log.Debug("engine.client.disconnected", "client_id", p.ClientID, "was_selected", wasSelected)
	return nil
}

func (e *Engine) onIncomingMessage(s *Store, raw json.RawMessage) error {
	var p v1.NewUserMessagePayload
	if err := decode(raw, &p); err != nil {
		return malformed(v1.EventNewUserMessage, "", err.Error())
	}
	return s.ApplyIncoming(p.Conversation, e.now())
}

// handler adapts a store mutation to a transport callback. Failures are isolated to the event.
func (e *Engine) handler(event string, apply func(*Store, json.RawMessage) error) func(json.RawMessage) {
	return func(raw json.RawMessage) {
		e.post(func(s *Store) {
			if err := apply(s, raw); err != nil {
				result := "malformed"
				if errors.Is(err, ErrStaleEvent) {
					result = "stale"
				}
				e.metrics.event(event, result)
				e.log.Warn("engine.event.dropped", "event", event, "result", result, "err", err)
				return
			}
			e.metrics.event(event, "applied")
		})
	}
}

// ---- loop plumbing ----

func (e *Engine) post(fn func(*Store)) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.events <- fn:
		return true
	case <-e.done:
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (e *Engine) do(ctx context.Context, fn func(*Store) error) error {
	res := make(chan error, 1)
	if !e.post(func(s *Store) { res <- fn(s) }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		select {
		case err := <-res:
			return err
		default:
			return ErrClosed
		}
	}
}

func (e *Engine) publish() {
	v := e.store.View()

	e.viewMu.Lock()
	e.view = v
	e.viewMu.Unlock()

	e.metrics.observe(v)

	select {
	case e.updates <- struct{}{}:
	default:
	}
}

func (e *Engine) fetch(ctx context.Context, clientID string) (v1.Conversation, error) {
	fctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	raw, err := e.ch.Request(fctx, v1.EventGetClientConversations, v1.GetClientConversationsPayload{ClientID: clientID})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			e.metrics.fetch("timeout")
			return v1.Conversation{}, fmt.Errorf("%w after %s", ErrFetchTimeout, e.fetchTimeout)
		}
		e.metrics.fetch("error")
		return v1.Conversation{}, fmt.Errorf("%w: %v", ErrFetchFailure, err)
	}

	var ack v1.GetClientConversationsAck
	if err := decode(raw, &ack); err != nil {
		e.metrics.fetch("error")
		return v1.Conversation{}, fmt.Errorf("%w: bad ack: %v", ErrFetchFailure, err)
	}
	if !ack.Success {
		e.metrics.fetch("rejected")
		if ack.Error != "" {
			return v1.Conversation{}, fmt.Errorf("%w: %s", ErrFetchFailure, ack.Error)
		}
		return v1.Conversation{}, ErrFetchFailure
	}

	conv := ack.Data
	if conv.ClientID == "" {
		conv.ClientID = clientID
	}
	if conv.ClientID != clientID {
		e.metrics.fetch("error")
		return v1.Conversation{}, fmt.Errorf("%w: ack for %q, want %q", ErrFetchFailure, conv.ClientID, clientID)
	}
	e.metrics.fetch("ok")
	return conv, nil
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errors.New("missing payload")
	}
	return json.Unmarshal(raw, v)
}
