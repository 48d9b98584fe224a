// Package v1 defines the desk realtime protocol v1 contract.
//
// The event names and payload field names are wire-stable: agents, visitors and the relay
// all speak this contract, so changes here are protocol changes.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated by every desk peer.
const Subprotocol = "desk.v1"

// Event names (wire-stable).
const (
	// EventRegisterAgent announces an agent session (agent -> relay). No payload.
	EventRegisterAgent = "register-agent"
	// EventExistingConversations is the one-time session snapshot (relay -> agent).
	EventExistingConversations = "existing-conversations"
	// EventUserConnected announces a visitor (relay -> agent).
	EventUserConnected = "user-connected"
	// EventUserDisconnected announces a visitor leaving (relay -> agent).
	EventUserDisconnected = "user-disconnected"
	// EventNewUserMessage carries the full conversation after a visitor message (relay -> agent).
	EventNewUserMessage = "new-user-message"
	// EventGetClientConversations fetches one conversation (agent -> relay, acked).
	EventGetClientConversations = "get-client-conversations"
	// EventAgentMessage is an agent reply (agent -> relay, relay -> visitor).
	EventAgentMessage = "agent-message"

	// EventRegisterUser registers a visitor session (visitor -> relay, acked).
	EventRegisterUser = "register-user"
	// EventUserMessage is a visitor message (visitor -> relay).
	EventUserMessage = "user-message"

	// EventAck answers an envelope that was sent with Ack=true.
	EventAck = "ack"
	// EventError is a generic error envelope (relay -> peer).
	EventError = "error"
)

// Envelope is the canonical wire wrapper.
//
// A sender that wants an acknowledgment sets Ack and a non-empty ID; the receiver answers with
// an EventAck envelope whose ReplyTo equals that ID.
type Envelope struct {
	V       string          `json:"v"`
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	Ack     bool            `json:"ack,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Event) == "" {
		return errors.New("missing field: event")
	}
	if !KnownEvent(e.Event) {
		return fmt.Errorf("unknown event: %q", e.Event)
	}
	if e.Ack && strings.TrimSpace(e.ID) == "" {
		return errors.New("ack requested without id")
	}
	if e.Event == EventAck && strings.TrimSpace(e.ReplyTo) == "" {
		return errors.New("missing field: reply_to")
	}
	return nil
}

// KnownEvent reports whether name is part of the v1 contract.
func KnownEvent(name string) bool {
	switch name {
	case EventRegisterAgent,
		EventExistingConversations,
		EventUserConnected,
		EventUserDisconnected,
		EventNewUserMessage,
		EventGetClientConversations,
		EventAgentMessage,
		EventRegisterUser,
		EventUserMessage,
		EventAck,
		EventError:
		return true
	default:
		return false
	}
}
