package relay

import (
	"context"
	"sync"

	"desk/cmd/internal/ids"
	v1 "desk/shared/contracts/desk/v1"
)

const memMaxMessagesPerConversation = 10_000

// InMemoryStore is the fallback when no database is configured.
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConv
}

type memConv struct {
	unread int
	dedupe map[string]v1.Message // client_msg_id -> stored agent message
	msgs   []v1.Message
}

// NewInMemoryStore constructs an in-memory ConversationStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{convs: make(map[string]*memConv)}
}

// Close is a noop.
func (s *InMemoryStore) Close() error { return nil }

// Ensure creates an empty conversation for clientID.
func (s *InMemoryStore) Ensure(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.getOrCreate(clientID)
	s.mu.Unlock()
	return nil
}

// AppendUserMessage appends a visitor message and increments unread.
func (s *InMemoryStore) AppendUserMessage(ctx context.Context, in AppendInput) (AppendResult, error) {
	return s.append(ctx, in, false)
}

// AppendAgentMessage appends an agent reply, deduplicated by ClientMsgID.
func (s *InMemoryStore) AppendAgentMessage(ctx context.Context, in AppendInput) (AppendResult, error) {
	return s.append(ctx, in, true)
}

func (s *InMemoryStore) append(ctx context.Context, in AppendInput, isAgent bool) (AppendResult, error) {
	if err := in.validate(); err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	now := in.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.getOrCreate(in.ClientID)
	if isAgent && in.ClientMsgID != "" {
		if existing, ok := c.dedupe[in.ClientMsgID]; ok {
			return AppendResult{Message: existing, Conversation: c.wire(in.ClientID), Duplicated: true}, nil
		}
	}

	id, err := ids.New(now)
	if err != nil {
		return AppendResult{}, err
	}
	m := v1.Message{
		ID:        id,
		Text:      in.Text,
		ClientID:  in.ClientID,
		Timestamp: now,
		IsAgent:   isAgent,
	}
	if isAgent {
		m.ClientMsgID = in.ClientMsgID
		if in.ClientMsgID != "" {
			c.dedupe[in.ClientMsgID] = m
		}
	} else {
		c.unread++
	}

	c.msgs = append(c.msgs, m)
	if len(c.msgs) > memMaxMessagesPerConversation {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}

	return AppendResult{Message: m, Conversation: c.wire(in.ClientID)}, nil
}

// Conversation returns a copy of the conversation for clientID.
func (s *InMemoryStore) Conversation(ctx context.Context, clientID string) (v1.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return v1.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[clientID]
	if c == nil {
		return v1.Conversation{ClientID: clientID, Messages: []v1.Message{}}, nil
	}
	return c.wire(clientID), nil
}

// Conversations returns copies of the existing conversations for clientIDs.
func (s *InMemoryStore) Conversations(ctx context.Context, clientIDs []string) ([]v1.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]v1.Conversation, 0, len(clientIDs))
	for _, id := range clientIDs {
		if c := s.convs[id]; c != nil {
			out = append(out, c.wire(id))
		}
	}
	return out, nil
}

// MarkRead resets unread for clientID.
func (s *InMemoryStore) MarkRead(ctx context.Context, clientID string) (v1.Conversation, error) {
	if clientID == "" {
		return v1.Conversation{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return v1.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[clientID]
	if c == nil {
		return v1.Conversation{ClientID: clientID, Messages: []v1.Message{}}, nil
	}
	c.unread = 0
	return c.wire(clientID), nil
}

func (s *InMemoryStore) getOrCreate(clientID string) *memConv {
	c := s.convs[clientID]
	if c == nil {
		c = &memConv{
			dedupe: make(map[string]v1.Message),
			msgs:   make([]v1.Message, 0, 16),
		}
		s.convs[clientID] = c
	}
	return c
}

func (c *memConv) wire(clientID string) v1.Conversation {
	return v1.Conversation{
		ClientID: clientID,
		Messages: append([]v1.Message{}, c.msgs...),
		Unread:   c.unread,
	}
}
