package relay

import (
	"context"
	"errors"
	"time"

	v1 "desk/shared/contracts/desk/v1"
)

var (
	// ErrInvalidInput is returned for appends with a missing client id or empty text.
	ErrInvalidInput = errors.New("relay: invalid input")
	// ErrTextTooLong is returned when text exceeds maxMessageChars.
	ErrTextTooLong = errors.New("relay: message too long")
)

// ConversationStore persists per-client conversations and their unread counters.
//
// Requirements:
//   - messages are returned in append order
//   - agent appends are idempotent per (client_id, client_msg_id)
//   - unread counts visitor messages since the last MarkRead
type ConversationStore interface {
	// Ensure creates an empty conversation for clientID if none exists.
	Ensure(ctx context.Context, clientID string) error
	AppendUserMessage(ctx context.Context, in AppendInput) (AppendResult, error)
	AppendAgentMessage(ctx context.Context, in AppendInput) (AppendResult, error)
	// Conversation returns the conversation for clientID; a missing one is returned empty.
	Conversation(ctx context.Context, clientID string) (v1.Conversation, error)
	// Conversations returns the conversations that exist for clientIDs, in the given order.
	Conversations(ctx context.Context, clientIDs []string) ([]v1.Conversation, error)
	// MarkRead resets unread and returns the conversation.
	MarkRead(ctx context.Context, clientID string) (v1.Conversation, error)
	Close() error
}

// AppendInput describes one message append.
type AppendInput struct {
	ClientID    string
	Text        string
	ClientMsgID string // agent messages only
	Now         time.Time
}

// AppendResult is the stored message plus the conversation after the append.
type AppendResult struct {
	Message      v1.Message
	Conversation v1.Conversation
	Duplicated   bool
}

func (in AppendInput) validate() error {
	if in.ClientID == "" || in.Text == "" {
		return ErrInvalidInput
	}
	if len([]rune(in.Text)) > maxMessageChars {
		return ErrTextTooLong
	}
	return nil
}

func (in AppendInput) now() time.Time {
	if in.Now.IsZero() {
		return time.Now().UTC()
	}
	return in.Now
}
