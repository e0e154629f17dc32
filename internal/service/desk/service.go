package desk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/deskline/internal/cache"
	"github.com/zhouzirui/deskline/internal/model/conversation"
	"github.com/zhouzirui/deskline/internal/model/event"
	"github.com/zhouzirui/deskline/internal/model/session"
	"github.com/zhouzirui/deskline/internal/service/api"
	"github.com/zhouzirui/deskline/internal/service/inbox"
	"github.com/zhouzirui/deskline/internal/service/realtime"
)

var (
	ErrNotAuthenticated = errors.New("not signed in")
	ErrTextRequired     = errors.New("message text is required")
)

const snapshotTimeout = 5 * time.Second

// Options tunes a Service.
type Options struct {
	// BusinessID overrides the business of the signed in identity.
	BusinessID string
	PageSize   int
}

// Channel is the realtime connection the service starts and stops with the
// session. *realtime.Channel implements it.
type Channel interface {
	Start(ctx context.Context, userID string) error
	Stop()
	State() realtime.State
	OnStateChange(fn func(realtime.State))
}

// Status is the session and connectivity summary shown to the agent.
type Status struct {
	Authenticated bool              `json:"authenticated"`
	Identity      *session.Identity `json:"identity,omitempty"`
	Realtime      string            `json:"realtime"`
	Refreshes     int64             `json:"refreshes"`
	Selected      string            `json:"selected,omitempty"`
}

// ListResult is one page of the conversation list.
type ListResult struct {
	Conversations []conversation.Conversation `json:"conversations"`
	Page          int                         `json:"page"`
	TotalPages    int                         `json:"totalPages"`
}

// Service ties the API client, the inbox store, the realtime channel and the
// snapshot cache to one agent session.
type Service struct {
	client    *api.Client
	store     *inbox.Store
	channel   Channel
	snapshots cache.Store
	opts      Options

	mu       sync.Mutex
	identity *session.Identity
	selected string

	watchMu  sync.Mutex
	watchers map[string]chan realtime.State
}

// NewService wires the service. channel and snapshots may be nil when
// realtime or warm start is disabled.
func NewService(client *api.Client, store *inbox.Store, channel Channel, snapshots cache.Store, opts Options) *Service {
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	s := &Service{
		client:    client,
		store:     store,
		channel:   channel,
		snapshots: snapshots,
		opts:      opts,
		watchers:  make(map[string]chan realtime.State),
	}
	client.Coordinator().OnSessionExpired(s.onSessionExpired)
	if channel != nil {
		channel.OnStateChange(s.broadcastState)
	}
	return s
}

// Run keeps the selection consistent with the store until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	changes, cancel := s.store.Subscribe(128)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			switch c.Kind {
			case inbox.ChangeRemoved:
				s.clearSelectionIf(c.ConversationID)
			case inbox.ChangeReset:
				if id := s.Selected(); id != "" {
					if _, found, err := s.store.Conversation(ctx, id); err == nil && !found {
						s.clearSelectionIf(id)
					}
				}
			}
		}
	}
}

// Login signs in and starts the session.
func (s *Service) Login(ctx context.Context, email, password string) (session.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return session.Session{}, fmt.Errorf("email and password are required")
	}
	sess, err := s.client.Login(ctx, email, password)
	if err != nil {
		return session.Session{}, err
	}
	if err := s.startSession(ctx, sess); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

// Restore resumes a session from the refresh cookie.
func (s *Service) Restore(ctx context.Context) (session.Session, error) {
	sess, err := s.client.RestoreSession(ctx)
	if err != nil {
		return session.Session{}, err
	}
	if err := s.startSession(ctx, sess); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (s *Service) startSession(ctx context.Context, sess session.Session) error {
	if sess.Identity == nil || sess.Identity.ID == "" {
		return fmt.Errorf("session has no identity")
	}
	identity := *sess.Identity

	s.mu.Lock()
	previous := s.identity
	s.identity = &identity
	s.mu.Unlock()

	switched := previous == nil || previous.ID != identity.ID || previous.BusinessID != identity.BusinessID
	if switched {
		if s.channel != nil {
			s.channel.Stop()
		}
		s.clearSelection()
		if err := s.store.Reset(ctx); err != nil {
			return err
		}
		s.restoreSnapshot(ctx, identity)
	}

	if s.channel != nil {
		// the channel outlives the request that signed in
		err := s.channel.Start(context.WithoutCancel(ctx), identity.ID)
		if err != nil && !errors.Is(err, realtime.ErrAlreadyRunning) {
			return fmt.Errorf("start realtime channel: %w", err)
		}
	}
	log.Printf("[desk] session started for %s (business %s)", identity.ID, s.businessID(&identity))
	return nil
}

// Logout saves the snapshot, tears the channel down and clears local state.
// The session is cleared even when the server call fails.
func (s *Service) Logout(ctx context.Context) error {
	s.saveSnapshot(ctx)
	if s.channel != nil {
		s.channel.Stop()
	}

	err := s.client.Logout(ctx)

	s.mu.Lock()
	s.identity = nil
	s.selected = ""
	s.mu.Unlock()

	if resetErr := s.store.Reset(ctx); resetErr != nil && err == nil {
		err = resetErr
	}
	return err
}

// Shutdown persists the snapshot and stops the channel without logging out.
func (s *Service) Shutdown(ctx context.Context) {
	s.saveSnapshot(ctx)
	if s.channel != nil {
		s.channel.Stop()
	}
}

func (s *Service) onSessionExpired(err error) {
	log.Printf("[desk] session expired, stopping realtime: %v", err)
	if s.channel != nil {
		s.channel.Stop()
	}
	s.clearSelection()
}

// Status reports the session and connectivity summary.
func (s *Service) Status() Status {
	current := s.client.Credentials().Current()
	st := Status{
		Authenticated: current.Authenticated(),
		Identity:      current.Identity,
		Realtime:      "disabled",
		Refreshes:     s.client.Coordinator().Refreshes(),
		Selected:      s.Selected(),
	}
	if s.channel != nil {
		st.Realtime = s.channel.State().String()
	}
	return st
}

// LoadConversations fetches one page of the list and merges it. Without a
// search term the store's recency-ordered view is returned; search results
// are merged append-only and returned as the server sent them.
func (s *Service) LoadConversations(ctx context.Context, page int, search string) (ListResult, error) {
	identity, err := s.currentIdentity()
	if err != nil {
		return ListResult{}, err
	}
	page = max(page, 1)
	search = strings.TrimSpace(search)

	result, err := s.client.ListConversations(ctx, conversation.Query{
		BusinessID: s.businessID(identity),
		Page:       page,
		Limit:      s.opts.PageSize,
		Search:     search,
	})
	if err != nil {
		return ListResult{}, err
	}

	if search != "" {
		if err := s.store.Merge(ctx, result.Items); err != nil {
			return ListResult{}, err
		}
		return ListResult{Conversations: result.Items, Page: page, TotalPages: result.TotalPages}, nil
	}

	if err := s.store.ApplyPage(ctx, page, result.Items); err != nil {
		return ListResult{}, err
	}
	convs, err := s.store.Conversations(ctx)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Conversations: convs, Page: page, TotalPages: result.TotalPages}, nil
}

// Conversations returns the store's view without fetching.
func (s *Service) Conversations(ctx context.Context) ([]conversation.Conversation, error) {
	return s.store.Conversations(ctx)
}

// LoadMessages fetches one history page and returns the merged log.
func (s *Service) LoadMessages(ctx context.Context, conversationID string, page int) ([]conversation.Message, error) {
	conv, err := s.lookup(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	result, err := s.client.ListMessages(ctx, conv.CustomerID, page, s.opts.PageSize)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.ApplyMessages(ctx, conversationID, result.Items); err != nil {
		return nil, err
	}
	return s.store.Messages(ctx, conversationID)
}

// Messages returns the merged log without fetching.
func (s *Service) Messages(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	return s.store.Messages(ctx, conversationID)
}

// SendMessage posts a human reply and returns its client message id. The
// message shows up in the log once the realtime echo or a later page fetch
// delivers it.
func (s *Service) SendMessage(ctx context.Context, conversationID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrTextRequired
	}
	identity, err := s.currentIdentity()
	if err != nil {
		return "", err
	}
	conv, err := s.lookup(ctx, conversationID)
	if err != nil {
		return "", err
	}

	clientMessageID := uuid.NewString()
	err = s.client.SendHumanMessage(ctx, api.SendRequest{
		ConversationID:  conversationID,
		CustomerID:      conv.CustomerID,
		BusinessID:      s.businessID(identity),
		Text:            text,
		ClientMessageID: clientMessageID,
	})
	if err != nil {
		return "", err
	}
	return clientMessageID, nil
}

// Transfer hands a conversation over. An agent transfer is applied locally
// once acknowledged; a channel transfer waits for the server's event since
// only the server knows which status the channel implies.
func (s *Service) Transfer(ctx context.Context, conversationID string, target conversation.TransferTarget) error {
	if _, err := s.lookup(ctx, conversationID); err != nil {
		return err
	}
	if err := s.client.Transfer(ctx, conversationID, target); err != nil {
		return err
	}
	if target.AgentID == "" {
		return nil
	}
	return s.store.Apply(ctx, event.ConversationTransferred{
		ConversationID: conversationID,
		NewStatus:      conversation.StatusLive,
		NewAssigneeID:  target.AgentID,
	})
}

// CloseConversation closes on the server and then locally.
func (s *Service) CloseConversation(ctx context.Context, conversationID string) error {
	if _, err := s.lookup(ctx, conversationID); err != nil {
		return err
	}
	if err := s.client.CloseConversation(ctx, conversationID); err != nil {
		return err
	}
	return s.store.Close(ctx, conversationID)
}

// Agents returns the presence roster.
func (s *Service) Agents(ctx context.Context) (map[string]string, error) {
	return s.store.Agents(ctx)
}

// Select marks the conversation the agent is looking at. An empty id clears it.
func (s *Service) Select(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		s.clearSelection()
		return nil
	}
	if _, err := s.lookup(ctx, conversationID); err != nil {
		return err
	}
	s.mu.Lock()
	s.selected = conversationID
	s.mu.Unlock()
	return nil
}

// Selected returns the selected conversation id, if any.
func (s *Service) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Subscribe forwards store changes.
func (s *Service) Subscribe(buffer int) (<-chan inbox.Change, func()) {
	return s.store.Subscribe(buffer)
}

// WatchConnectivity returns a feed of realtime state changes.
func (s *Service) WatchConnectivity(buffer int) (<-chan realtime.State, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	id := uuid.NewString()
	ch := make(chan realtime.State, buffer)

	s.watchMu.Lock()
	s.watchers[id] = ch
	s.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, id)
			s.watchMu.Unlock()
			close(ch)
		})
	}
}

func (s *Service) broadcastState(state realtime.State) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- state:
		default:
		}
	}
}

func (s *Service) lookup(ctx context.Context, conversationID string) (conversation.Conversation, error) {
	conv, found, err := s.store.Conversation(ctx, conversationID)
	if err != nil {
		return conversation.Conversation{}, err
	}
	if !found {
		return conversation.Conversation{}, inbox.ErrUnknownConversation
	}
	return conv, nil
}

func (s *Service) currentIdentity() (*session.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil || !s.client.Credentials().Current().Authenticated() {
		return nil, ErrNotAuthenticated
	}
	identity := *s.identity
	return &identity, nil
}

func (s *Service) businessID(identity *session.Identity) string {
	if s.opts.BusinessID != "" {
		return s.opts.BusinessID
	}
	if identity != nil {
		return identity.BusinessID
	}
	return ""
}

func (s *Service) clearSelection() {
	s.mu.Lock()
	s.selected = ""
	s.mu.Unlock()
}

func (s *Service) clearSelectionIf(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == conversationID {
		s.selected = ""
	}
}

func (s *Service) restoreSnapshot(ctx context.Context, identity session.Identity) {
	if s.snapshots == nil {
		return
	}
	snap, err := s.snapshots.Load(ctx, s.businessID(&identity), identity.ID)
	if err != nil {
		log.Printf("[desk] warning: load snapshot: %v", err)
		return
	}
	if snap == nil || len(snap.Conversations) == 0 {
		return
	}
	if err := s.store.Restore(ctx, snap.Conversations); err != nil {
		log.Printf("[desk] warning: restore snapshot: %v", err)
		return
	}
	log.Printf("[desk] restored %d conversations from snapshot saved %s", len(snap.Conversations), snap.SavedAt.Format(time.RFC3339))
}

func (s *Service) saveSnapshot(ctx context.Context) {
	if s.snapshots == nil {
		return
	}
	s.mu.Lock()
	identity := s.identity
	s.mu.Unlock()
	if identity == nil {
		return
	}

	// shutdown paths may hand in an already cancelled context
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotTimeout)
	defer cancel()

	convs, err := s.store.Conversations(ctx)
	if err != nil {
		log.Printf("[desk] warning: snapshot read: %v", err)
		return
	}
	snap := &cache.Snapshot{BusinessID: s.businessID(identity), UserID: identity.ID, Conversations: convs}
	if err := s.snapshots.Save(ctx, snap); err != nil {
		log.Printf("[desk] warning: save snapshot: %v", err)
	}
}
