// Package channel is the client side of the desk realtime protocol: a WebSocket connection
// that emits named events, subscribes to pushed events and correlates acknowledgments.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	v1 "desk/shared/contracts/desk/v1"

	"github.com/coder/websocket"
)

const (
	defaultSendQueue      = 64
	defaultWriteTimeout   = 5 * time.Second
	defaultRequestTimeout = 10 * time.Second
	defaultHeartbeat      = 25 * time.Second
	defaultHeartbeatWait  = 5 * time.Second
	maxPingFailures       = 3

	// Snapshots carry every conversation, so frames are larger than chat messages.
	maxFrameBytes = 4 << 20
)

var (
	// ErrClosed is returned for operations on a closed connection.
	ErrClosed = errors.New("channel closed")
	// ErrTimeout is returned when an acknowledgment does not arrive in time.
	ErrTimeout = errors.New("channel request timeout")
	// ErrBackpressure is returned when the send queue is full.
	ErrBackpressure = errors.New("channel send queue full")
	// ErrBadFrame marks a frame that could not be decoded into an envelope.
	ErrBadFrame = errors.New("bad frame")
)

// RemoteError is an error envelope sent by the relay.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("relay error %s: %s", e.Code, e.Message) }

// Options configures Dial. Zero values fall back to defaults.
type Options struct {
	URL    string
	Origin string
	Header http.Header

	SendQueue        int
	WriteTimeout     time.Duration
	RequestTimeout   time.Duration
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	Logger *slog.Logger
}

func (o *Options) normalize() {
	if o.SendQueue <= 0 {
		o.SendQueue = defaultSendQueue
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.HeartbeatEvery <= 0 {
		o.HeartbeatEvery = defaultHeartbeat
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = defaultHeartbeatWait
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// Conn is one agent or visitor session with the relay.
//
// The send queue is never closed; done signals every goroutine to stop.
type Conn struct {
	log  *slog.Logger
	opts Options
	ws   *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	send      chan v1.Envelope
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	subMu   sync.RWMutex
	subs    map[string]map[uint64]func(json.RawMessage)
	nextSub uint64

	pendMu  sync.Mutex
	pending map[string]chan v1.Envelope

	wg sync.WaitGroup
}

// Dial connects to the relay, negotiates the desk subprotocol and starts the connection
// goroutines. ctx bounds only the handshake.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	opts.normalize()
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("channel: missing url")
	}

	h := http.Header{}
	for k, vs := range opts.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if opts.Origin != "" {
		h.Set("Origin", opts.Origin)
	}

	ws, resp, err := websocket.Dial(ctx, opts.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", opts.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	if sp := ws.Subprotocol(); sp != v1.Subprotocol {
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("dial %s: subprotocol %q, want %q", opts.URL, sp, v1.Subprotocol)
	}
	ws.SetReadLimit(maxFrameBytes)

	return newConn(ws, opts), nil
}

func newConn(ws *websocket.Conn, opts Options) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		log:     opts.Logger,
		opts:    opts,
		ws:      ws,
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan v1.Envelope, opts.SendQueue),
		done:    make(chan struct{}),
		subs:    make(map[string]map[uint64]func(json.RawMessage)),
		pending: make(map[string]chan v1.Envelope),
	}

	c.wg.Add(3)
	go c.writeLoop()
	go c.heartbeatLoop()
	go c.readLoop()
	return c
}

// Done is closed once the connection shuts down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection shut down (nil while open or after a local Close).
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close shuts the connection down (idempotent). Pending requests fail with ErrClosed.
func (c *Conn) Close() error {
	c.shutdown(websocket.StatusNormalClosure, "bye", nil)
	return nil
}

// Wait blocks until the connection goroutines have exited.
func (c *Conn) Wait() { c.wg.Wait() }

func (c *Conn) shutdown(code websocket.StatusCode, reason string, cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()

		close(c.done)
		c.cancel()
		_ = c.ws.Close(code, reason)
		c.log.Info("channel.closed", "reason", reason, "err", cause)
	})
}

// Emit sends event without waiting for an acknowledgment. It never blocks on a full queue.
func (c *Conn) Emit(ctx context.Context, event string, payload any) error {
	env, err := NewEnvelope(event, payload, time.Now().UTC())
	if err != nil {
		return err
	}
	return c.enqueue(ctx, env)
}

// Request sends event with Ack set and waits for the matching ack envelope. Without a deadline
// on ctx the configured request timeout applies. Timeouts wrap both ErrTimeout and the
// context error.
func (c *Conn) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	env, err := NewEnvelope(event, payload, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	env.Ack = true

	reply := make(chan v1.Envelope, 1)
	c.pendMu.Lock()
	c.pending[env.ID] = reply
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, env.ID)
		c.pendMu.Unlock()
	}()

	if err := c.enqueue(ctx, env); err != nil {
		return nil, err
	}

	select {
	case ack := <-reply:
		if ack.Event == v1.EventError {
			var p v1.ErrorPayload
			_ = json.Unmarshal(ack.Payload, &p)
			return nil, &RemoteError{Code: p.Code, Message: p.Message}
		}
		return ack.Payload, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w: %w", event, ErrTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// On subscribes fn to event. fn runs on the read goroutine and must not block for long.
func (c *Conn) On(event string, fn func(payload json.RawMessage)) (off func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.nextSub++
	id := c.nextSub
	if c.subs[event] == nil {
		c.subs[event] = make(map[uint64]func(json.RawMessage))
	}
	c.subs[event][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			delete(c.subs[event], id)
		})
	}
}

func (c *Conn) enqueue(ctx context.Context, env v1.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	case c.send <- env:
		return nil
	default:
		return ErrBackpressure
	}
}

// ---- goroutines ----

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			if err := WriteEnvelope(c.ctx, c.ws, env, c.opts.WriteTimeout); err != nil {
				c.log.Info("channel.write.fail", "event", env.Event, "close_status", websocket.CloseStatus(err), "err", err)
				c.shutdown(websocket.StatusAbnormalClosure, "write failed", err)
				return
			}
		}
	}
}

func (c *Conn) heartbeatLoop() {
	defer c.wg.Done()

	t := time.NewTicker(c.opts.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.opts.HeartbeatTimeout)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				failures++
				c.log.Info("channel.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					c.shutdown(websocket.StatusGoingAway, "heartbeat failed", err)
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	for {
		env, err := ReadEnvelope(c.ctx, c.ws)
		if err != nil {
			switch ClassifyReadErr(err) {
			case ReadErrBadFrame:
				c.log.Warn("channel.read.bad_frame", "err", err)
				continue
			case ReadErrClose:
				c.shutdown(websocket.StatusNormalClosure, "peer closed", err)
			case ReadErrCtxDone:
				c.shutdown(websocket.StatusNormalClosure, "context done", nil)
			case ReadErrConnClosed:
				c.shutdown(websocket.StatusAbnormalClosure, "conn closed", err)
			default:
				c.log.Info("channel.read.fail", "err", err)
				c.shutdown(websocket.StatusAbnormalClosure, "read failed", err)
			}
			return
		}

		if err := env.Validate(); err != nil {
			c.log.Warn("channel.read.bad_envelope", "event", env.Event, "err", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Conn) dispatch(env v1.Envelope) {
	// Acks and errors answering a pending request go to the waiting caller only.
	if env.ReplyTo != "" && (env.Event == v1.EventAck || env.Event == v1.EventError) {
		c.pendMu.Lock()
		reply, ok := c.pending[env.ReplyTo]
		c.pendMu.Unlock()
		if ok {
			select {
			case reply <- env:
			default:
			}
			return
		}
		if env.Event == v1.EventAck {
			c.log.Debug("channel.ack.orphan", "reply_to", env.ReplyTo)
			return
		}
	}

	if env.Event == v1.EventError {
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		c.log.Warn("channel.remote_error", "code", p.Code, "message", p.Message)
	}

	c.subMu.RLock()
	fns := make([]func(json.RawMessage), 0, len(c.subs[env.Event]))
	for _, fn := range c.subs[env.Event] {
		fns = append(fns, fn)
	}
	c.subMu.RUnlock()

	if len(fns) == 0 {
		c.log.Debug("channel.event.unhandled", "event", env.Event)
		return
	}
	for _, fn := range fns {
		fn(env.Payload)
	}
}
