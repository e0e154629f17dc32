package inbox

import (
	"testing"
	"time"

	"github.com/zhouzirui/deskline/internal/model/conversation"
	"github.com/zhouzirui/deskline/internal/model/event"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

func fixedClock(ts time.Time) func() time.Time { return func() time.Time { return ts } }

func texts(msgs []conversation.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func ids(convs []conversation.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func seeded(t *testing.T, convs ...conversation.Conversation) *state {
	t.Helper()
	st := newState(fixedClock(at(100)))
	st.applyPage(1, convs)
	st.drain()
	return st
}

func TestMessageOrderingTimestampThenArrival(t *testing.T) {
	st := seeded(t, conversation.Conversation{ID: "c1", Status: conversation.StatusAIOnly})
	e := st.entries["c1"]

	st.appendMessage(e, conversation.Message{Text: "M3", Timestamp: at(5), SentBy: conversation.SenderCustomer})
	st.appendMessage(e, conversation.Message{Text: "M1", Timestamp: at(10), SentBy: conversation.SenderCustomer})
	st.appendMessage(e, conversation.Message{Text: "M2", Timestamp: at(10), SentBy: conversation.SenderAgent})

	got := e.log.snapshot()
	if want := []string{"M3", "M1", "M2"}; !equal(texts(got), want) {
		t.Fatalf("order = %v, want %v", texts(got), want)
	}
	if !(got[1].Seq < got[2].Seq) {
		t.Fatalf("tie not broken by arrival sequence: %+v", got)
	}

	// a late, older message slots in by timestamp
	st.appendMessage(e, conversation.Message{Text: "M0", Timestamp: at(1), SentBy: conversation.SenderSystem})
	if want := []string{"M0", "M3", "M1", "M2"}; !equal(texts(e.log.snapshot()), want) {
		t.Fatalf("order = %v, want %v", texts(e.log.snapshot()), want)
	}
	if e.conv.Preview != "M2" {
		t.Fatalf("older message must not move the preview, got %q", e.conv.Preview)
	}
}

func TestMessageDedupe(t *testing.T) {
	st := seeded(t, conversation.Conversation{ID: "c1"})

	withID := conversation.Message{ID: "m-1", Text: "hi", Timestamp: at(1), SentBy: conversation.SenderCustomer}
	triple := conversation.Message{Text: "same", Timestamp: at(2), SentBy: conversation.SenderAgent}

	added, err := st.applyMessages("c1", []conversation.Message{withID, triple})
	if err != nil || added != 2 {
		t.Fatalf("first ingest: added=%d err=%v", added, err)
	}
	added, err = st.applyMessages("c1", []conversation.Message{withID, triple})
	if err != nil || added != 0 {
		t.Fatalf("second ingest: added=%d err=%v", added, err)
	}

	// same id with different content is still the same server message
	edited := withID
	edited.Text = "hi (edited)"
	if added, _ := st.applyMessages("c1", []conversation.Message{edited}); added != 0 {
		t.Fatalf("expected id dedupe, added=%d", added)
	}
	if n := len(st.entries["c1"].log.items); n != 2 {
		t.Fatalf("expected 2 stored messages, got %d", n)
	}
}

func TestRealtimeDuplicateDelivery(t *testing.T) {
	st := seeded(t, conversation.Conversation{ID: "c1", Status: conversation.StatusLive})
	ev := event.MessageReceived{ConversationID: "c1", Sender: conversation.SenderCustomer, Text: "again", MessageID: "evt-9"}

	st.applyEvent(ev)
	st.applyEvent(ev)

	if n := len(st.entries["c1"].log.items); n != 1 {
		t.Fatalf("expected one message after duplicate delivery, got %d", n)
	}
}

func TestDedupeMatchesEitherIDOrTriple(t *testing.T) {
	st := seeded(t, conversation.Conversation{ID: "c1", Status: conversation.StatusLive})
	e := st.entries["c1"]

	// echo without an id, then the history copy with one
	st.applyEvent(event.MessageReceived{ConversationID: "c1", Sender: conversation.SenderHuman, Text: "reply", Timestamp: at(10)})
	added, err := st.applyMessages("c1", []conversation.Message{
		{ID: "m-7", Text: "reply", Timestamp: at(10), SentBy: conversation.SenderHuman},
	})
	if err != nil || added != 0 {
		t.Fatalf("history copy of the echo: added=%d err=%v", added, err)
	}
	// the id learned from history catches an id-only redelivery
	st.applyEvent(event.MessageReceived{ConversationID: "c1", Sender: conversation.SenderHuman, Text: "reply", MessageID: "m-7"})

	// history first, then an echo without an id
	st.applyMessages("c1", []conversation.Message{
		{ID: "m-8", Text: "second", Timestamp: at(20), SentBy: conversation.SenderHuman},
	})
	st.applyEvent(event.MessageReceived{ConversationID: "c1", Sender: conversation.SenderHuman, Text: "second", Timestamp: at(20)})

	if got := texts(e.log.snapshot()); !equal(got, []string{"reply", "second"}) {
		t.Fatalf("stored = %v", got)
	}
}

func TestLocallyStampedMessagesAreConfirmedByServerCopy(t *testing.T) {
	now := at(100)
	st := newState(func() time.Time { return now })
	st.applyPage(1, []conversation.Conversation{{ID: "c1", Status: conversation.StatusAIOnly, LastMessageAt: at(50)}})
	e := st.entries["c1"]

	hi := event.MessageReceived{ConversationID: "c1", Sender: conversation.SenderCustomer, Text: "hi"}
	st.applyEvent(hi)
	st.applyEvent(hi)
	msgs := e.log.snapshot()
	if len(msgs) != 1 || !msgs[0].Provisional || !msgs[0].Timestamp.Equal(at(100)) {
		t.Fatalf("redelivery without id or timestamp: %+v", msgs)
	}
	seq := msgs[0].Seq

	st.drain()
	added, err := st.applyMessages("c1", []conversation.Message{
		{ID: "h-1", Text: "hi", Timestamp: at(95), SentBy: conversation.SenderCustomer},
	})
	if err != nil || added != 0 {
		t.Fatalf("server copy: added=%d err=%v", added, err)
	}
	msgs = e.log.snapshot()
	if len(msgs) != 1 || msgs[0].Provisional || msgs[0].ID != "h-1" || !msgs[0].Timestamp.Equal(at(95)) || msgs[0].Seq != seq {
		t.Fatalf("message not confirmed in place: %+v", msgs)
	}
	if !e.conv.LastMessageAt.Equal(at(95)) || e.conv.Preview != "hi" {
		t.Fatalf("preview should follow the server time: %+v", e.conv)
	}
	if changes := st.drain(); len(changes) != 1 || changes[0].Kind != ChangeMessages {
		t.Fatalf("confirmation should publish a messages change: %+v", changes)
	}

	// a late echo of the confirmed message is still a duplicate
	st.applyEvent(hi)
	if n := len(e.log.items); n != 1 {
		t.Fatalf("late echo stored again, %d messages", n)
	}

	// the same words well outside the window are a new message
	now = at(300)
	st.applyEvent(hi)
	if got := texts(e.log.snapshot()); !equal(got, []string{"hi", "hi"}) {
		t.Fatalf("stored = %v", got)
	}

	// two id-carrying messages are never merged by content
	now = at(301)
	st.applyEvent(event.MessageReceived{ConversationID: "c1", Sender: conversation.SenderCustomer, Text: "ok", MessageID: "a"})
	st.applyEvent(event.MessageReceived{ConversationID: "c1", Sender: conversation.SenderCustomer, Text: "ok", MessageID: "b"})
	if n := len(e.log.items); n != 4 {
		t.Fatalf("expected 4 messages, got %d", n)
	}
}

func TestHistoryPageNewestFirstIsNormalized(t *testing.T) {
	st := seeded(t, conversation.Conversation{ID: "c1"})
	page := []conversation.Message{
		{Text: "third", Timestamp: at(30), SentBy: conversation.SenderAgent},
		{Text: "second-b", Timestamp: at(20), SentBy: conversation.SenderCustomer},
		{Text: "second-a", Timestamp: at(20), SentBy: conversation.SenderCustomer},
		{Text: "first", Timestamp: at(10), SentBy: conversation.SenderCustomer},
	}
	if _, err := st.applyMessages("c1", page); err != nil {
		t.Fatalf("applyMessages err: %v", err)
	}

	want := []string{"first", "second-a", "second-b", "third"}
	if got := texts(st.entries["c1"].log.snapshot()); !equal(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if st.entries["c1"].conv.Preview != "third" {
		t.Fatalf("preview = %q", st.entries["c1"].conv.Preview)
	}
}

func TestApplyMessagesUnknownConversation(t *testing.T) {
	st := newState(nil)
	if _, err := st.applyMessages("ghost", []conversation.Message{{Text: "x", SentBy: conversation.SenderCustomer}}); err != ErrUnknownConversation {
		t.Fatalf("expected ErrUnknownConversation, got %v", err)
	}
}

func TestPageOneReplacesPageTwoSurvives(t *testing.T) {
	st := newState(nil)
	st.applyPage(1, []conversation.Conversation{
		{ID: "a", LastMessageAt: at(50)},
		{ID: "b", LastMessageAt: at(40)},
	})
	st.applyPage(2, []conversation.Conversation{
		{ID: "b", LastMessageAt: at(40)}, // overlap is skipped
		{ID: "c", LastMessageAt: at(10)},
	})
	if got := ids(st.list()); !equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("after page 2: %v", got)
	}

	st.applyPage(1, []conversation.Conversation{
		{ID: "d", LastMessageAt: at(60)},
		{ID: "a", LastMessageAt: at(55), Preview: "newer"},
	})

	got := ids(st.list())
	if !equal(got, []string{"d", "a", "c"}) {
		t.Fatalf("after page 1 refetch: %v", got)
	}
	if st.entries["a"].conv.Preview != "newer" {
		t.Fatalf("page 1 refetch should refresh fields, got %+v", st.entries["a"].conv)
	}
}

func TestPageOneKeepsPushedConversations(t *testing.T) {
	st := seeded(t, conversation.Conversation{ID: "a", LastMessageAt: at(1)})
	st.applyEvent(event.MessageReceived{ConversationID: "pushed", Sender: conversation.SenderCustomer, Text: "new"})

	st.applyPage(1, []conversation.Conversation{{ID: "b", LastMessageAt: at(2)}})

	if _, ok := st.entries["pushed"]; !ok {
		t.Fatal("conversation created by a push must survive a page-1 refetch")
	}
	if _, ok := st.entries["a"]; ok {
		t.Fatal("stale page-1 conversation should be gone")
	}
}

func TestUnknownConversationCreatedOnlyByCustomerSide(t *testing.T) {
	st := newState(fixedClock(at(100)))
	st.applyPage(1, []conversation.Conversation{{ID: "old", LastMessageAt: at(50)}})

	st.applyEvent(event.MessageReceived{ConversationID: "x", Sender: conversation.SenderAgent, Text: "ignored"})
	if _, ok := st.entries["x"]; ok {
		t.Fatal("agent message must not materialize a conversation")
	}

	st.applyEvent(event.MessageReceived{ConversationID: "c1", CustomerID: "u1", CustomerName: "Ann", Sender: conversation.SenderCustomer, Text: "hi"})
	list := st.list()
	if list[0].ID != "c1" {
		t.Fatalf("new conversation should be first, got %v", ids(list))
	}
	if list[0].Status != conversation.StatusAIOnly || list[0].Preview != "hi" || list[0].CustomerName != "Ann" {
		t.Fatalf("unexpected conversation: %+v", list[0])
	}

	st.applyEvent(event.MessageReceived{ConversationID: "sys", Sender: conversation.SenderSystem, Text: "opened"})
	if _, ok := st.entries["sys"]; !ok {
		t.Fatal("system message should create the conversation")
	}
}

func TestHumanMessageDoesNotReopenClosed(t *testing.T) {
	st := seeded(t, conversation.Conversation{ID: "c1", Status: conversation.StatusClosed})

	st.applyEvent(event.MessageReceived{ConversationID: "c1", Sender: conversation.SenderHuman, Text: "late reply"})
	e := st.entries["c1"]
	if e.conv.Status != conversation.StatusClosed {
		t.Fatalf("human message reopened conversation: %s", e.conv.Status)
	}
	if len(e.log.items) != 1 {
		t.Fatal("message itself should still be logged")
	}

	st.applyEvent(event.MessageReceived{ConversationID: "c1", Sender: conversation.SenderCustomer, Text: "hello again"})
	if e.conv.Status != conversation.StatusAIOnly {
		t.Fatalf("customer message should reopen to ai_only, got %s", e.conv.Status)
	}
}

func TestTransferAndRemovalEvents(t *testing.T) {
	st := seeded(t, conversation.Conversation{ID: "c1", Status: conversation.StatusLive, AssignedAgentID: "agent-1"})

	st.applyEvent(event.ConversationTransferred{ConversationID: "c1", NewStatus: conversation.StatusLive, NewAssigneeID: "agent-2"})
	if got := st.entries["c1"].conv; got.Status != conversation.StatusLive || got.AssignedAgentID != "agent-2" {
		t.Fatalf("after agent transfer: %+v", got)
	}

	st.applyEvent(event.ConversationTransferred{ConversationID: "c1", NewStatus: conversation.StatusAIOnly})
	if got := st.entries["c1"].conv; got.Status != conversation.StatusAIOnly || got.AssignedAgentID != "" {
		t.Fatalf("after channel transfer: %+v", got)
	}

	// ai_only cannot be transferred to a channel; status and assignee stay
	st.applyEvent(event.ConversationTransferred{ConversationID: "c1", NewStatus: conversation.StatusLive, NewAssigneeID: ""})
	if got := st.entries["c1"].conv.Status; got != conversation.StatusAIOnly {
		t.Fatalf("illegal transfer applied: %s", got)
	}

	st.drain()
	st.applyEvent(event.ConversationRemoved{ConversationID: "c1"})
	if _, ok := st.entries["c1"]; ok {
		t.Fatal("conversation not removed")
	}
	changes := st.drain()
	if len(changes) != 1 || changes[0].Kind != ChangeRemoved || changes[0].ConversationID != "c1" {
		t.Fatalf("unexpected changes: %+v", changes)
	}
}

func TestAssignedEventCreatesLiveConversation(t *testing.T) {
	st := newState(nil)
	st.applyEvent(event.ConversationAssigned{Conversation: conversation.Conversation{ID: "c7", CustomerID: "u7", AssignedAgentID: "agent-1"}})

	got := st.entries["c7"].conv
	if got.Status != conversation.StatusLive || got.AssignedAgentID != "agent-1" {
		t.Fatalf("unexpected assigned conversation: %+v", got)
	}
}

func TestEscalateCloseAndPresence(t *testing.T) {
	st := seeded(t, conversation.Conversation{ID: "c1", Status: conversation.StatusAIOnly})

	st.applyEvent(event.ConversationEscalated{ConversationID: "c1"})
	if st.entries["c1"].conv.Status != conversation.StatusTicket {
		t.Fatalf("expected ticket, got %s", st.entries["c1"].conv.Status)
	}
	if err := st.close("c1"); err != nil {
		t.Fatalf("close err: %v", err)
	}
	if st.entries["c1"].conv.Status != conversation.StatusClosed {
		t.Fatalf("expected closed, got %s", st.entries["c1"].conv.Status)
	}
	if err := st.close("missing"); err != ErrUnknownConversation {
		t.Fatalf("expected ErrUnknownConversation, got %v", err)
	}

	st.applyEvent(event.AgentPresence{AgentID: "agent-2", Status: "online"})
	if st.agents["agent-2"] != "online" {
		t.Fatalf("presence not recorded: %v", st.agents)
	}
}
