package inbox

import (
	"sort"
	"time"

	"github.com/zhouzirui/deskline/internal/model/conversation"
)

// provisionalWindow bounds how far apart a locally stamped message and the
// server's copy of it may be to count as the same message.
const provisionalWindow = 30 * time.Second

// messageLog keeps one conversation's messages ordered by (timestamp, seq)
// and remembers every dedupe key it has accepted.
type messageLog struct {
	items []conversation.Message
	keys  map[string]struct{}
}

func newMessageLog() *messageLog {
	return &messageLog{keys: make(map[string]struct{})}
}

// contains matches m by id or by triple.
func (l *messageLog) contains(m conversation.Message) bool {
	for _, k := range m.DedupeKeys() {
		if _, ok := l.keys[k]; ok {
			return true
		}
	}
	return false
}

func (l *messageLog) remember(m conversation.Message) {
	for _, k := range m.DedupeKeys() {
		l.keys[k] = struct{}{}
	}
}

// insert places m after every message that sorts before or equal to it.
// Live traffic lands at the tail, so the search usually ends immediately.
func (l *messageLog) insert(m conversation.Message) {
	l.remember(m)

	n := len(l.items)
	if n == 0 || !m.Before(l.items[n-1]) {
		l.items = append(l.items, m)
		return
	}

	i := sort.Search(n, func(i int) bool { return m.Before(l.items[i]) })
	l.items = append(l.items, conversation.Message{})
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = m
}

func (l *messageLog) removeAt(i int) conversation.Message {
	m := l.items[i]
	l.items = append(l.items[:i], l.items[i+1:]...)
	return m
}

// provisionalFor finds the provisional message that m, a server-stamped
// copy, confirms: same id, or same content within the window when at least
// one side has no id. It returns -1 when there is none.
func (l *messageLog) provisionalFor(m conversation.Message) int {
	for i := len(l.items) - 1; i >= 0; i-- {
		p := l.items[i]
		if !p.Provisional {
			continue
		}
		if m.ID != "" && p.ID == m.ID {
			return i
		}
		if (m.ID == "" || p.ID == "") && p.SameContent(m) && within(p.Timestamp, m.Timestamp) {
			return i
		}
	}
	return -1
}

// recent finds a stored message with the same content as the locally stamped
// m inside the window. Two messages that both carry ids are never matched by
// content. It returns -1 when there is none.
func (l *messageLog) recent(m conversation.Message) int {
	floor := m.Timestamp.Add(-provisionalWindow)
	for i := len(l.items) - 1; i >= 0; i-- {
		stored := l.items[i]
		if stored.Timestamp.Before(floor) {
			break
		}
		if stored.ID != "" && m.ID != "" {
			continue
		}
		if stored.SameContent(m) && within(stored.Timestamp, m.Timestamp) {
			return i
		}
	}
	return -1
}

func (l *messageLog) snapshot() []conversation.Message {
	out := make([]conversation.Message, len(l.items))
	copy(out, l.items)
	return out
}

func within(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= provisionalWindow
}
