package inbox

import (
	"errors"
	"fmt"

	"github.com/zhouzirui/deskline/internal/model/conversation"
)

// ErrIllegalTransition is returned when a trigger is not allowed from the
// current status. The store logs it and leaves the status untouched.
var ErrIllegalTransition = errors.New("illegal status transition")

// TriggerKind enumerates what may move a conversation between statuses.
type TriggerKind int

const (
	// TriggerCustomerMessage: the customer wrote.
	TriggerCustomerMessage TriggerKind = iota + 1
	// TriggerAgentReply: a support agent (agent or human sender) wrote.
	TriggerAgentReply
	// TriggerAssigned: the conversation was assigned to an agent.
	TriggerAssigned
	// TriggerEscalate: the AI escalated to a ticket.
	TriggerEscalate
	// TriggerTransferToAgent: transfer to a specific agent.
	TriggerTransferToAgent
	// TriggerTransferToChannel: transfer to a channel/queue; Target is the
	// status the channel implies (ai_only or live).
	TriggerTransferToChannel
	// TriggerClose: explicit close action.
	TriggerClose
	// TriggerSync: authoritative server snapshot; Target is the server status.
	TriggerSync
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerCustomerMessage:
		return "customer_message"
	case TriggerAgentReply:
		return "agent_reply"
	case TriggerAssigned:
		return "assigned"
	case TriggerEscalate:
		return "escalate"
	case TriggerTransferToAgent:
		return "transfer_to_agent"
	case TriggerTransferToChannel:
		return "transfer_to_channel"
	case TriggerClose:
		return "close"
	case TriggerSync:
		return "sync"
	default:
		return fmt.Sprintf("trigger(%d)", int(k))
	}
}

// Trigger is the input of Transition.
type Trigger struct {
	Kind   TriggerKind
	Target conversation.Status
}

// Transition returns the status that results from applying t to from.
// A nil error with an unchanged status means the trigger is allowed but has
// no effect on the status (for instance a customer writing into a live
// conversation).
func Transition(from conversation.Status, t Trigger) (conversation.Status, error) {
	switch t.Kind {
	case TriggerClose:
		return conversation.StatusClosed, nil

	case TriggerSync:
		if !t.Target.Valid() {
			return from, illegal(from, t)
		}
		return t.Target, nil

	case TriggerCustomerMessage:
		if from == conversation.StatusClosed {
			return conversation.StatusAIOnly, nil
		}
		return from, nil

	case TriggerAgentReply, TriggerAssigned, TriggerTransferToAgent:
		switch from {
		case conversation.StatusAIOnly, conversation.StatusLive:
			return conversation.StatusLive, nil
		}

	case TriggerEscalate:
		if from == conversation.StatusAIOnly {
			return conversation.StatusTicket, nil
		}
		if from == conversation.StatusTicket {
			return from, nil
		}

	case TriggerTransferToChannel:
		if from == conversation.StatusLive {
			switch t.Target {
			case conversation.StatusAIOnly, conversation.StatusLive:
				return t.Target, nil
			}
		}
	}

	return from, illegal(from, t)
}

func illegal(from conversation.Status, t Trigger) error {
	if t.Target != "" {
		return fmt.Errorf("%w: %s --%s(%s)-->", ErrIllegalTransition, from, t.Kind, t.Target)
	}
	return fmt.Errorf("%w: %s --%s-->", ErrIllegalTransition, from, t.Kind)
}
