package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"desk/cmd/internal/ids"
	v1 "desk/shared/contracts/desk/v1"

	"github.com/coder/websocket"
)

// NewEnvelope builds a v1 envelope with a fresh ULID id. A nil payload is omitted.
func NewEnvelope(event string, payload any, now time.Time) (v1.Envelope, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return v1.Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	id, err := ids.New(now)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Event:   event,
		ID:      id,
		TS:      now,
		Payload: raw,
	}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}

// ReadEnvelope reads one frame and decodes it. Decode failures wrap ErrBadFrame so that callers
// can keep reading.
func ReadEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("%w: message type %v", ErrBadFrame, mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return env, nil
}

// WriteEnvelope encodes env and writes it as a text frame within timeout.
func WriteEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ReadErrKind classifies read failures for the read loops on both ends of the socket.
type ReadErrKind uint8

const (
	ReadErrUnknown ReadErrKind = iota
	ReadErrClose
	ReadErrCtxDone
	ReadErrConnClosed
	ReadErrBadFrame
)

// ClassifyReadErr maps a read error onto a ReadErrKind.
func ClassifyReadErr(err error) ReadErrKind {
	if websocket.CloseStatus(err) != -1 {
		return ReadErrClose
	}
	if errors.Is(err, ErrBadFrame) {
		return ReadErrBadFrame
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ReadErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return ReadErrConnClosed
	}
	return ReadErrUnknown
}
