package conversation

import "time"

// Status is the assignment state of a conversation.
type Status string

const (
	StatusAIOnly Status = "ai_only"
	StatusLive   Status = "live"
	StatusTicket Status = "ticket"
	StatusClosed Status = "closed"
)

// Valid reports whether the status belongs to the known set.
func (s Status) Valid() bool {
	switch s {
	case StatusAIOnly, StatusLive, StatusTicket, StatusClosed:
		return true
	}
	return false
}

// Conversation is the list-level view of one customer conversation.
type Conversation struct {
	ID              string    `json:"id"`
	CustomerID      string    `json:"customerId"`
	CustomerName    string    `json:"customerName"`
	Preview         string    `json:"statusPreviewText"`
	LastMessageAt   time.Time `json:"lastMessageTimestamp"`
	Status          Status    `json:"status"`
	AssignedAgentID string    `json:"assignedAgentId,omitempty"`
}

// Page is one page of the conversation list as returned by the API.
type Page struct {
	Items      []Conversation `json:"items"`
	TotalPages int            `json:"totalPages"`
}

// MessagePage is one page of a customer's message history.
type MessagePage struct {
	Items []Message `json:"items"`
}

// Query 描述会话列表的分页与搜索参数。
type Query struct {
	BusinessID string
	Page       int
	Limit      int
	Search     string
}

// TransferTarget names either an agent or a channel/queue. Exactly one of the
// fields is set.
type TransferTarget struct {
	AgentID   string `json:"targetAgentId,omitempty"`
	ChannelID string `json:"targetChannelId,omitempty"`
}

// Valid reports whether exactly one target is set.
func (t TransferTarget) Valid() bool {
	return (t.AgentID == "") != (t.ChannelID == "")
}
