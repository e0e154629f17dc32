package conversation

import (
	"fmt"
	"time"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderCustomer Sender = "customer"
	SenderAgent    Sender = "agent"
	SenderHuman    Sender = "human"
	SenderSystem   Sender = "system"
)

// Valid reports whether the sender belongs to the known set.
func (s Sender) Valid() bool {
	switch s {
	case SenderCustomer, SenderAgent, SenderHuman, SenderSystem:
		return true
	}
	return false
}

// FromSupportTeam 表示消息来自坐席一侧（agent 或 human）。
func (s Sender) FromSupportTeam() bool {
	return s == SenderAgent || s == SenderHuman
}

// Message is a single entry of a conversation log.
//
// Seq is assigned locally when the message is ingested and only breaks ties
// between equal timestamps. It is never sent to the server. Provisional marks
// a message whose timestamp is the local receive time because the server did
// not send one; it is replaced once the server's copy shows up.
type Message struct {
	ID          string    `json:"id,omitempty"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	SentBy      Sender    `json:"sentBy"`
	Seq         uint64    `json:"seq"`
	Provisional bool      `json:"provisional,omitempty"`
}

// DedupeKeys returns every identity that marks a repeated delivery of m: the
// server id when present, and the (sender, timestamp, text) triple when the
// timestamp came from the server.
func (m Message) DedupeKeys() []string {
	keys := make([]string, 0, 2)
	if m.ID != "" {
		keys = append(keys, IDKey(m.ID))
	}
	if !m.Provisional {
		keys = append(keys, fmt.Sprintf("triple:%s|%d|%s", m.SentBy, m.Timestamp.UnixNano(), m.Text))
	}
	return keys
}

// IDKey is the dedupe key of a server message id.
func IDKey(id string) string {
	return "id:" + id
}

// SameContent reports whether m and other carry the same sender and text.
func (m Message) SameContent(other Message) bool {
	return m.SentBy == other.SentBy && m.Text == other.Text
}

// Before orders messages by timestamp, then by arrival sequence.
func (m Message) Before(other Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.Before(other.Timestamp)
	}
	return m.Seq < other.Seq
}
