package inbox

import (
	"errors"
	"log"
	"sort"
	"time"

	"github.com/zhouzirui/deskline/internal/model/conversation"
	"github.com/zhouzirui/deskline/internal/model/event"
)

// ErrUnknownConversation is returned for message pages of a conversation the
// store does not hold (for example one removed while the fetch was running).
var ErrUnknownConversation = errors.New("unknown conversation")

type entry struct {
	conv conversation.Conversation
	log  *messageLog
	// page is the list page the entry was fetched on; 0 for entries that only
	// came from realtime events.
	page    int
	touched uint64
}

// state is the merged view. It is only touched by the store's consumer loop.
type state struct {
	entries map[string]*entry
	agents  map[string]string
	seq     uint64
	touch   uint64
	now     func() time.Time
	pending []Change
}

func newState(now func() time.Time) *state {
	if now == nil {
		now = time.Now
	}
	return &state{
		entries: make(map[string]*entry),
		agents:  make(map[string]string),
		now:     now,
	}
}

func (s *state) emit(kind ChangeKind, conversationID string) {
	s.pending = append(s.pending, Change{Kind: kind, ConversationID: conversationID})
}

func (s *state) drain() []Change {
	out := s.pending
	s.pending = nil
	return out
}

func (s *state) nextTouch() uint64 {
	s.touch++
	return s.touch
}

func (s *state) reset() {
	s.entries = make(map[string]*entry)
	s.agents = make(map[string]string)
	s.emit(ChangeReset, "")
}

// applyPage merges one REST page. Page 1 replaces the previous page-1 slice;
// later pages only add conversations not already known.
func (s *state) applyPage(page int, items []conversation.Conversation) {
	if page <= 1 {
		fresh := make(map[string]struct{}, len(items))
		for _, c := range items {
			fresh[c.ID] = struct{}{}
		}
		for id, e := range s.entries {
			if _, ok := fresh[id]; e.page == 1 && !ok {
				delete(s.entries, id)
			}
		}
		// server order wins among equal timestamps
		for i := len(items) - 1; i >= 0; i-- {
			s.upsertSnapshot(items[i], 1)
		}
		s.emit(ChangeReset, "")
		return
	}

	s.mergeUnknown(page, items)
}

// mergeUnknown inserts only conversations the state does not hold yet.
func (s *state) mergeUnknown(page int, items []conversation.Conversation) {
	for i := len(items) - 1; i >= 0; i-- {
		c := items[i]
		if c.ID == "" {
			continue
		}
		if _, ok := s.entries[c.ID]; ok {
			continue
		}
		s.insert(c, page)
		s.emit(ChangeUpserted, c.ID)
	}
}

func (s *state) insert(c conversation.Conversation, page int) *entry {
	status := c.Status
	c.Status = conversation.StatusAIOnly
	e := &entry{conv: c, log: newMessageLog(), page: page, touched: s.nextTouch()}
	s.entries[c.ID] = e
	if status != "" && status != conversation.StatusAIOnly {
		s.transition(e, Trigger{Kind: TriggerSync, Target: status})
	}
	return e
}

// upsertSnapshot treats c as authoritative server state.
func (s *state) upsertSnapshot(c conversation.Conversation, page int) {
	if c.ID == "" {
		log.Printf("[inbox] warning: dropping conversation without id")
		return
	}
	e, ok := s.entries[c.ID]
	if !ok {
		s.insert(c, page)
		return
	}

	e.page = page
	e.touched = s.nextTouch()
	e.conv.CustomerID = c.CustomerID
	e.conv.CustomerName = c.CustomerName
	e.conv.AssignedAgentID = c.AssignedAgentID
	if !c.LastMessageAt.Before(e.conv.LastMessageAt) {
		e.conv.Preview = c.Preview
		e.conv.LastMessageAt = c.LastMessageAt
	}
	if c.Status != "" && c.Status != e.conv.Status {
		s.transition(e, Trigger{Kind: TriggerSync, Target: c.Status})
	}
}

// transition asks the state machine and applies the result. Rejections are
// logged and leave the entry untouched.
func (s *state) transition(e *entry, t Trigger) bool {
	next, err := Transition(e.conv.Status, t)
	if err != nil {
		log.Printf("[inbox] warning: conversation %s: %v", e.conv.ID, err)
		return false
	}
	if next != e.conv.Status {
		e.conv.Status = next
		s.emit(ChangeUpserted, e.conv.ID)
	}
	return true
}

type appendResult int

const (
	appendDuplicate appendResult = iota
	appendAdded
	appendConfirmed
)

// appendMessage stores m unless it repeats a stored message and moves the
// preview when m is not older than the current one. A server-stamped m that
// matches a provisional message replaces it instead of being added.
func (s *state) appendMessage(e *entry, m conversation.Message) appendResult {
	if m.Provisional {
		return s.appendProvisional(e, m)
	}
	if i := e.log.provisionalFor(m); i >= 0 {
		s.confirm(e, i, m)
		return appendConfirmed
	}
	if e.log.contains(m) {
		// later deliveries may carry only the id
		e.log.remember(m)
		return appendDuplicate
	}
	s.store(e, m)
	return appendAdded
}

// appendProvisional handles a message stamped with the local receive time.
// Its timestamp says nothing about identity, so a redelivery is recognized by
// content within the window.
func (s *state) appendProvisional(e *entry, m conversation.Message) appendResult {
	if e.log.contains(m) {
		return appendDuplicate
	}
	if i := e.log.recent(m); i >= 0 {
		if m.ID != "" && e.log.items[i].ID == "" {
			e.log.items[i].ID = m.ID
			e.log.keys[conversation.IDKey(m.ID)] = struct{}{}
		}
		return appendDuplicate
	}
	s.store(e, m)
	return appendAdded
}

// confirm swaps the provisional message at i for the server's copy, keeping
// its arrival sequence.
func (s *state) confirm(e *entry, i int, m conversation.Message) {
	old := e.log.removeAt(i)
	confirmed := old
	confirmed.Timestamp = m.Timestamp
	confirmed.Provisional = false
	if m.ID != "" {
		confirmed.ID = m.ID
	}
	e.log.insert(confirmed)

	if e.conv.Preview == old.Text && e.conv.LastMessageAt.Equal(old.Timestamp) {
		e.conv.LastMessageAt = confirmed.Timestamp
	}
}

func (s *state) store(e *entry, m conversation.Message) {
	s.seq++
	m.Seq = s.seq
	e.log.insert(m)

	if !m.Timestamp.Before(e.conv.LastMessageAt) {
		e.conv.Preview = m.Text
		e.conv.LastMessageAt = m.Timestamp
		e.touched = s.nextTouch()
	}
}

// applyMessages ingests one history page. Pages may come newest-first; they
// are put back into chronological order before sequence numbers are handed
// out so ties keep the server's order.
func (s *state) applyMessages(conversationID string, msgs []conversation.Message) (int, error) {
	e, ok := s.entries[conversationID]
	if !ok {
		return 0, ErrUnknownConversation
	}

	ordered := msgs
	if n := len(msgs); n > 1 && msgs[0].Timestamp.After(msgs[n-1].Timestamp) {
		ordered = make([]conversation.Message, n)
		for i, m := range msgs {
			ordered[n-1-i] = m
		}
	}

	added, changed := 0, false
	for _, m := range ordered {
		if !m.SentBy.Valid() {
			log.Printf("[inbox] warning: conversation %s: dropping message with sender %q", conversationID, m.SentBy)
			continue
		}
		// history always carries server time
		m.Provisional = false
		switch s.appendMessage(e, m) {
		case appendAdded:
			added++
			changed = true
		case appendConfirmed:
			changed = true
		}
	}
	if changed {
		s.emit(ChangeMessages, conversationID)
	}
	return added, nil
}

// applyEvent folds one realtime event into the state. Events that cannot be
// applied are logged and dropped.
func (s *state) applyEvent(ev event.Event) {
	switch ev := ev.(type) {
	case event.MessageReceived:
		s.onMessage(ev)

	case event.ConversationAssigned:
		c := ev.Conversation
		e, ok := s.entries[c.ID]
		if !ok {
			e = s.insert(c, 0)
			if c.Status == "" {
				s.transition(e, Trigger{Kind: TriggerAssigned})
			}
			s.emit(ChangeUpserted, c.ID)
			return
		}
		if c.CustomerName != "" {
			e.conv.CustomerName = c.CustomerName
		}
		if c.CustomerID != "" {
			e.conv.CustomerID = c.CustomerID
		}
		if s.transition(e, Trigger{Kind: TriggerAssigned}) && c.AssignedAgentID != "" {
			e.conv.AssignedAgentID = c.AssignedAgentID
		}
		s.emit(ChangeUpserted, c.ID)

	case event.ConversationRemoved:
		if _, ok := s.entries[ev.ConversationID]; !ok {
			return
		}
		delete(s.entries, ev.ConversationID)
		s.emit(ChangeRemoved, ev.ConversationID)

	case event.ConversationTransferred:
		e, ok := s.entries[ev.ConversationID]
		if !ok {
			log.Printf("[inbox] ignoring transfer of unknown conversation %s", ev.ConversationID)
			return
		}
		if s.transition(e, transferTrigger(ev)) {
			e.conv.AssignedAgentID = ev.NewAssigneeID
			s.emit(ChangeUpserted, e.conv.ID)
		}

	case event.ConversationEscalated:
		if e, ok := s.entries[ev.ConversationID]; ok {
			s.transition(e, Trigger{Kind: TriggerEscalate})
		}

	case event.ConversationClosed:
		if e, ok := s.entries[ev.ConversationID]; ok {
			s.transition(e, Trigger{Kind: TriggerClose})
		}

	case event.AgentPresence:
		s.agents[ev.AgentID] = ev.Status
		s.pending = append(s.pending, Change{Kind: ChangePresence, AgentID: ev.AgentID})

	default:
		log.Printf("[inbox] warning: dropping unsupported event %T", ev)
	}
}

func (s *state) onMessage(ev event.MessageReceived) {
	e, ok := s.entries[ev.ConversationID]
	if !ok {
		// only the customer side may open a conversation this client has not fetched
		if ev.Sender != conversation.SenderCustomer && ev.Sender != conversation.SenderSystem {
			log.Printf("[inbox] ignoring %s message for unknown conversation %s", ev.Sender, ev.ConversationID)
			return
		}
		e = s.insert(conversation.Conversation{
			ID:           ev.ConversationID,
			CustomerID:   ev.CustomerID,
			CustomerName: ev.CustomerName,
			Status:       conversation.StatusAIOnly,
		}, 0)
		s.emit(ChangeUpserted, ev.ConversationID)
	}
	if e.conv.CustomerName == "" && ev.CustomerName != "" {
		e.conv.CustomerName = ev.CustomerName
	}
	if e.conv.CustomerID == "" {
		e.conv.CustomerID = ev.CustomerID
	}

	msg := conversation.Message{ID: ev.MessageID, Text: ev.Text, Timestamp: ev.Timestamp, SentBy: ev.Sender}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now().UTC()
		msg.Provisional = true
	}
	switch s.appendMessage(e, msg) {
	case appendDuplicate:
		return
	case appendConfirmed:
		// server time for a message already shown; status was settled then
		s.emit(ChangeMessages, ev.ConversationID)
		return
	}
	s.emit(ChangeMessages, ev.ConversationID)

	switch {
	case ev.Sender == conversation.SenderCustomer:
		s.transition(e, Trigger{Kind: TriggerCustomerMessage})
	case ev.Sender.FromSupportTeam():
		s.transition(e, Trigger{Kind: TriggerAgentReply})
	}
}

func transferTrigger(ev event.ConversationTransferred) Trigger {
	switch {
	case ev.NewStatus == conversation.StatusClosed:
		return Trigger{Kind: TriggerClose}
	case ev.NewStatus == conversation.StatusTicket:
		return Trigger{Kind: TriggerEscalate}
	case ev.NewAssigneeID != "" && ev.NewStatus == conversation.StatusLive:
		return Trigger{Kind: TriggerTransferToAgent}
	default:
		return Trigger{Kind: TriggerTransferToChannel, Target: ev.NewStatus}
	}
}

// close applies a locally confirmed close action.
func (s *state) close(conversationID string) error {
	e, ok := s.entries[conversationID]
	if !ok {
		return ErrUnknownConversation
	}
	next, err := Transition(e.conv.Status, Trigger{Kind: TriggerClose})
	if err != nil {
		return err
	}
	if next != e.conv.Status {
		e.conv.Status = next
		s.emit(ChangeUpserted, conversationID)
	}
	return nil
}

// list returns the conversations ordered by recency.
func (s *state) list() []conversation.Conversation {
	ordered := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.conv.LastMessageAt.Equal(b.conv.LastMessageAt) {
			return a.conv.LastMessageAt.After(b.conv.LastMessageAt)
		}
		return a.touched > b.touched
	})

	out := make([]conversation.Conversation, len(ordered))
	for i, e := range ordered {
		out[i] = e.conv
	}
	return out
}
