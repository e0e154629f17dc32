package inbox

import (
	"log"
	"sync"

	"github.com/google/uuid"
)

// ChangeKind tells subscribers what part of the store moved.
type ChangeKind string

const (
	ChangeUpserted ChangeKind = "upserted"
	ChangeRemoved  ChangeKind = "removed"
	ChangeMessages ChangeKind = "messages"
	ChangeReset    ChangeKind = "reset"
	ChangePresence ChangeKind = "presence"
)

// Change is published after every store mutation.
type Change struct {
	Kind           ChangeKind `json:"kind"`
	ConversationID string     `json:"conversationId,omitempty"`
	AgentID        string     `json:"agentId,omitempty"`
}

type hub struct {
	mu   sync.Mutex
	subs map[string]chan Change
}

func newHub() *hub {
	return &hub{subs: make(map[string]chan Change)}
}

func (h *hub) subscribe(buffer int) (string, <-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	id := uuid.NewString()
	ch := make(chan Change, buffer)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return id, ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// publish never blocks the store loop; a full subscriber misses changes.
func (h *hub) publish(changes []Change) {
	if len(changes) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		for _, c := range changes {
			select {
			case ch <- c:
			default:
				log.Printf("[inbox] warning: subscriber %s is slow, dropped %s change", id, c.Kind)
			}
		}
	}
}
