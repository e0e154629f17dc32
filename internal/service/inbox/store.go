package inbox

import (
	"context"
	"errors"
	"time"

	"github.com/zhouzirui/deskline/internal/model/conversation"
	"github.com/zhouzirui/deskline/internal/model/event"
)

// ErrStopped is returned once the store loop has exited.
var ErrStopped = errors.New("inbox store stopped")

const defaultQueueSize = 256

type op struct {
	apply func(*state)
	done  chan struct{}
}

// Store is the single source of truth for the conversation list and message
// logs. All reads and writes are funnelled through one bounded queue and run
// on the goroutine executing Run, so the state itself needs no locks.
type Store struct {
	ops     chan op
	state   *state
	hub     *hub
	stopped chan struct{}
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	now       func() time.Time
	queueSize int
}

// WithClock overrides the clock used to stamp realtime messages that carry
// no server timestamp.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) { o.now = now }
}

// WithQueueSize sets the inbox capacity.
func WithQueueSize(n int) Option {
	return func(o *storeOptions) { o.queueSize = n }
}

// NewStore creates a store. Run must be started before any other method
// can complete.
func NewStore(opts ...Option) *Store {
	o := storeOptions{now: time.Now, queueSize: defaultQueueSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.queueSize <= 0 {
		o.queueSize = defaultQueueSize
	}
	return &Store{
		ops:     make(chan op, o.queueSize),
		state:   newState(o.now),
		hub:     newHub(),
		stopped: make(chan struct{}),
	}
}

// Run consumes the inbox until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	defer close(s.stopped)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-s.ops:
			o.apply(s.state)
			s.hub.publish(s.state.drain())
			if o.done != nil {
				close(o.done)
			}
		}
	}
}

// Subscribe returns a feed of changes and a cancel func. Changes are dropped
// for a subscriber whose buffer is full.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	_, ch, cancel := s.hub.subscribe(buffer)
	return ch, cancel
}

func (s *Store) enqueue(ctx context.Context, o op) error {
	select {
	case s.ops <- o:
		return nil
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn on the store loop and waits for it.
func (s *Store) do(ctx context.Context, fn func(*state)) error {
	o := op{apply: fn, done: make(chan struct{})}
	if err := s.enqueue(ctx, o); err != nil {
		return err
	}
	select {
	case <-o.done:
		return nil
	case <-s.stopped:
		// the op may still have run right before the loop exited
		select {
		case <-o.done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ingest queues a realtime event without waiting for it to be applied.
// It blocks only while the inbox is full.
func (s *Store) Ingest(ctx context.Context, ev event.Event) error {
	return s.enqueue(ctx, op{apply: func(st *state) { st.applyEvent(ev) }})
}

// Apply applies a realtime event and waits until it is visible.
func (s *Store) Apply(ctx context.Context, ev event.Event) error {
	return s.do(ctx, func(st *state) { st.applyEvent(ev) })
}

// ApplyPage merges one page of the conversation list.
func (s *Store) ApplyPage(ctx context.Context, page int, items []conversation.Conversation) error {
	copied := append([]conversation.Conversation(nil), items...)
	return s.do(ctx, func(st *state) { st.applyPage(page, copied) })
}

// Merge adds conversations the store does not know yet, such as search
// results, without touching the page-1 slice.
func (s *Store) Merge(ctx context.Context, items []conversation.Conversation) error {
	copied := append([]conversation.Conversation(nil), items...)
	return s.do(ctx, func(st *state) { st.mergeUnknown(0, copied) })
}

// ApplyMessages merges one page of a conversation's history and reports how
// many messages were new.
func (s *Store) ApplyMessages(ctx context.Context, conversationID string, msgs []conversation.Message) (int, error) {
	copied := append([]conversation.Message(nil), msgs...)
	var (
		added    int
		mergeErr error
	)
	if err := s.do(ctx, func(st *state) { added, mergeErr = st.applyMessages(conversationID, copied) }); err != nil {
		return 0, err
	}
	return added, mergeErr
}

// Close applies a close action the server already acknowledged.
func (s *Store) Close(ctx context.Context, conversationID string) error {
	var closeErr error
	if err := s.do(ctx, func(st *state) { closeErr = st.close(conversationID) }); err != nil {
		return err
	}
	return closeErr
}

// Restore seeds the list from a cached snapshot. The snapshot is treated as a
// page-1 slice, so the first real page-1 fetch replaces it.
func (s *Store) Restore(ctx context.Context, items []conversation.Conversation) error {
	return s.ApplyPage(ctx, 1, items)
}

// Reset drops everything, used when the session identity changes.
func (s *Store) Reset(ctx context.Context) error {
	return s.do(ctx, func(st *state) { st.reset() })
}

// Conversations returns the list ordered by recency.
func (s *Store) Conversations(ctx context.Context) ([]conversation.Conversation, error) {
	var out []conversation.Conversation
	if err := s.do(ctx, func(st *state) { out = st.list() }); err != nil {
		return nil, err
	}
	return out, nil
}

// Conversation looks up one conversation.
func (s *Store) Conversation(ctx context.Context, id string) (conversation.Conversation, bool, error) {
	var (
		out   conversation.Conversation
		found bool
	)
	err := s.do(ctx, func(st *state) {
		if e, ok := st.entries[id]; ok {
			out, found = e.conv, true
		}
	})
	return out, found, err
}

// Messages returns the ordered log of a conversation.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	var (
		out   []conversation.Message
		found bool
	)
	if err := s.do(ctx, func(st *state) {
		if e, ok := st.entries[conversationID]; ok {
			out, found = e.log.snapshot(), true
		}
	}); err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrUnknownConversation
	}
	return out, nil
}

// Agents returns the presence roster.
func (s *Store) Agents(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := s.do(ctx, func(st *state) {
		out = make(map[string]string, len(st.agents))
		for id, status := range st.agents {
			out[id] = status
		}
	})
	return out, err
}
