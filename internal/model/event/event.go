// Package event defines the closed set of realtime events pushed to the
// dashboard and the validating decoder for their JSON envelopes.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zhouzirui/deskline/internal/model/conversation"
)

// Type is the envelope discriminator.
type Type string

const (
	TypeMessageReceived         Type = "message.received"
	TypeConversationAssigned    Type = "conversation.assigned"
	TypeConversationRemoved     Type = "conversation.removed"
	TypeConversationTransferred Type = "conversation.transferred"
	TypeConversationEscalated   Type = "conversation.escalated"
	TypeConversationClosed      Type = "conversation.closed"
	TypeAgentPresence           Type = "agent.presence"

	// TypePresence is the outbound frame announcing this client is online.
	TypePresence Type = "presence"
)

var (
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrMalformedEvent = errors.New("malformed event")
)

// Event is implemented only by the payload types of this package.
type Event interface {
	Type() Type
	isEvent()
}

// Envelope is the wire frame carried by the realtime channel.
type Envelope struct {
	ID   string          `json:"id,omitempty"`
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MessageReceived announces a new message in a conversation.
type MessageReceived struct {
	ConversationID    string              `json:"conversationId"`
	CustomerID        string              `json:"customerId"`
	Sender            conversation.Sender `json:"sender"`
	Text              string              `json:"text"`
	IsNewConversation bool                `json:"isNewConversation,omitempty"`
	CustomerName      string              `json:"customerName,omitempty"`
	MessageID         string              `json:"messageId,omitempty"`
	Timestamp         time.Time           `json:"timestamp,omitempty"`
}

// ConversationAssigned hands a conversation to this client.
type ConversationAssigned struct {
	Conversation conversation.Conversation `json:"conversation"`
}

// ConversationRemoved evicts a conversation from this client's list.
type ConversationRemoved struct {
	ConversationID string `json:"conversationId"`
}

// ConversationTransferred reports a transfer to an agent or channel.
type ConversationTransferred struct {
	ConversationID string              `json:"conversationId"`
	NewStatus      conversation.Status `json:"newStatus"`
	NewAssigneeID  string              `json:"newAssigneeId,omitempty"`
}

// ConversationEscalated reports that the AI turned a conversation into a ticket.
type ConversationEscalated struct {
	ConversationID string `json:"conversationId"`
}

// ConversationClosed reports an explicit close performed by any client.
type ConversationClosed struct {
	ConversationID string `json:"conversationId"`
}

// AgentPresence reports a support agent going online or offline.
type AgentPresence struct {
	AgentID string `json:"agentId"`
	Status  string `json:"status"`
}

func (MessageReceived) Type() Type         { return TypeMessageReceived }
func (ConversationAssigned) Type() Type    { return TypeConversationAssigned }
func (ConversationRemoved) Type() Type     { return TypeConversationRemoved }
func (ConversationTransferred) Type() Type { return TypeConversationTransferred }
func (ConversationEscalated) Type() Type   { return TypeConversationEscalated }
func (ConversationClosed) Type() Type      { return TypeConversationClosed }
func (AgentPresence) Type() Type           { return TypeAgentPresence }

func (MessageReceived) isEvent()         {}
func (ConversationAssigned) isEvent()    {}
func (ConversationRemoved) isEvent()     {}
func (ConversationTransferred) isEvent() {}
func (ConversationEscalated) isEvent()   {}
func (ConversationClosed) isEvent()      {}
func (AgentPresence) isEvent()           {}

// Decode parses one realtime frame and validates the payload. Unknown types
// return ErrUnknownEvent; missing or invalid fields return ErrMalformedEvent.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: %s without data", ErrMalformedEvent, env.Type)
	}

	switch env.Type {
	case TypeMessageReceived:
		var ev MessageReceived
		if err := unmarshal(env, &ev); err != nil {
			return nil, err
		}
		if err := require(env.Type, "conversationId", ev.ConversationID); err != nil {
			return nil, err
		}
		if !ev.Sender.Valid() {
			return nil, fmt.Errorf("%w: %s: invalid sender %q", ErrMalformedEvent, env.Type, ev.Sender)
		}
		if ev.MessageID == "" {
			ev.MessageID = env.ID
		}
		return ev, nil
	case TypeConversationAssigned:
		var ev ConversationAssigned
		if err := unmarshal(env, &ev); err != nil {
			return nil, err
		}
		if err := require(env.Type, "conversation.id", ev.Conversation.ID); err != nil {
			return nil, err
		}
		if ev.Conversation.Status != "" && !ev.Conversation.Status.Valid() {
			return nil, fmt.Errorf("%w: %s: invalid status %q", ErrMalformedEvent, env.Type, ev.Conversation.Status)
		}
		return ev, nil
	case TypeConversationRemoved:
		var ev ConversationRemoved
		if err := unmarshal(env, &ev); err != nil {
			return nil, err
		}
		if err := require(env.Type, "conversationId", ev.ConversationID); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeConversationTransferred:
		var ev ConversationTransferred
		if err := unmarshal(env, &ev); err != nil {
			return nil, err
		}
		if err := require(env.Type, "conversationId", ev.ConversationID); err != nil {
			return nil, err
		}
		if !ev.NewStatus.Valid() {
			return nil, fmt.Errorf("%w: %s: invalid newStatus %q", ErrMalformedEvent, env.Type, ev.NewStatus)
		}
		return ev, nil
	case TypeConversationEscalated:
		var ev ConversationEscalated
		if err := unmarshal(env, &ev); err != nil {
			return nil, err
		}
		if err := require(env.Type, "conversationId", ev.ConversationID); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeConversationClosed:
		var ev ConversationClosed
		if err := unmarshal(env, &ev); err != nil {
			return nil, err
		}
		if err := require(env.Type, "conversationId", ev.ConversationID); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeAgentPresence:
		var ev AgentPresence
		if err := unmarshal(env, &ev); err != nil {
			return nil, err
		}
		if err := require(env.Type, "agentId", ev.AgentID); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

// Encode wraps a payload into a wire frame.
func Encode(t Type, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, Data: payload})
}

func unmarshal(env Envelope, v any) error {
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
	}
	return nil
}

func require(t Type, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s: %s is required", ErrMalformedEvent, t, field)
	}
	return nil
}
