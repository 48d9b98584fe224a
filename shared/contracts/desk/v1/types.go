package v1

import (
	"errors"
	"strings"
	"time"
)

// ---- Domain shapes ----

// Client is a connected visitor as seen by agents.
type Client struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	SocketID string `json:"socketId,omitempty"`
}

// Message is one immutable conversation entry.
//
// ClientMsgID is only set for agent-authored messages; it correlates an optimistic local copy
// with the relay's persisted copy.
type Message struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	ClientID    string    `json:"clientId"`
	Timestamp   time.Time `json:"timestamp"`
	IsAgent     bool      `json:"isAgent"`
	ClientMsgID string    `json:"clientMsgId,omitempty"`
}

// Conversation is the full per-client log plus the unread counter.
type Conversation struct {
	ClientID string    `json:"clientId"`
	Messages []Message `json:"messages"`
	Unread   int       `json:"unread"`
}

// Validate checks the fields every conversation payload must carry.
func (c Conversation) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return errors.New("missing field: clientId")
	}
	if c.Unread < 0 {
		return errors.New("negative unread")
	}
	return nil
}

// ---- Payloads ----

// ExistingConversationsPayload is the session snapshot.
type ExistingConversationsPayload struct {
	Conversations []Conversation `json:"conversations"`
	Clients       []Client       `json:"clients"`
}

// UserConnectedPayload announces a visitor together with its current conversation.
type UserConnectedPayload struct {
	ClientID     string       `json:"clientId"`
	Name         string       `json:"name"`
	Conversation Conversation `json:"conversation"`
}

// Validate checks required fields.
func (p UserConnectedPayload) Validate() error {
	if strings.TrimSpace(p.ClientID) == "" {
		return errors.New("missing field: clientId")
	}
	if p.Conversation.ClientID != "" && p.Conversation.ClientID != p.ClientID {
		return errors.New("conversation.clientId does not match clientId")
	}
	return nil
}

// UserDisconnectedPayload announces a visitor leaving.
type UserDisconnectedPayload struct {
	ClientID string `json:"clientId"`
}

// NewUserMessagePayload carries the whole conversation, not a delta.
type NewUserMessagePayload struct {
	Conversation Conversation `json:"conversation"`
}

// GetClientConversationsPayload requests one conversation.
type GetClientConversationsPayload struct {
	ClientID string `json:"clientId"`
}

// GetClientConversationsAck is the acknowledgment body for EventGetClientConversations.
type GetClientConversationsAck struct {
	Success bool         `json:"success"`
	Data    Conversation `json:"data"`
	Error   string       `json:"error,omitempty"`
}

// AgentMessagePayload is an agent reply addressed to a visitor (agent -> relay).
type AgentMessagePayload struct {
	ClientID    string `json:"clientId"`
	Text        string `json:"text"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

// AgentMessageDelivery is what a visitor receives for an agent reply (relay -> visitor).
type AgentMessageDelivery struct {
	Message Message `json:"message"`
}

// RegisterUserPayload registers a visitor session.
type RegisterUserPayload struct {
	Name string `json:"name"`
}

// RegisterUserAck is the acknowledgment body for EventRegisterUser.
type RegisterUserAck struct {
	Success bool   `json:"success"`
	Data    Client `json:"data"`
	Error   string `json:"error,omitempty"`
}

// UserMessagePayload is a visitor message.
type UserMessagePayload struct {
	Text string `json:"text"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
