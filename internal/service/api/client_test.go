package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/deskline/internal/model/conversation"
	"github.com/zhouzirui/deskline/internal/model/session"
	"github.com/zhouzirui/deskline/internal/service/auth"
)

// fakeBackend is a minimal support API. Tokens issued by refresh are
// "token-<n>"; validToken decides which one the data endpoints accept.
type fakeBackend struct {
	mu         sync.Mutex
	validToken string
	refreshes  atomic.Int64
	refreshOK  bool
	refreshLag time.Duration
	sent       []SendRequest
}

func (b *fakeBackend) router() http.Handler {
	r := chi.NewRouter()
	r.Post("/login", func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad credentials"})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "refresh", Value: "r1", Path: "/"})
		b.mu.Lock()
		b.validToken = "token-login"
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, session.Session{
			AccessToken: "token-login",
			Identity:    &session.Identity{ID: "agent-1", Role: "agent", BusinessID: "biz-1"},
		})
	})
	r.Post("/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		n := b.refreshes.Add(1)
		time.Sleep(b.refreshLag)
		if !b.refreshOK {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "refresh expired"})
			return
		}
		token := fmt.Sprintf("token-%d", n)
		b.mu.Lock()
		b.validToken = token
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"accessToken": token})
	})
	r.Group(func(r chi.Router) {
		r.Use(b.requireToken)
		r.Post("/logout", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		})
		r.Get("/conversations", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("businessId") != "biz-1" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "businessId"})
				return
			}
			writeJSON(w, http.StatusOK, conversation.Page{
				Items:      []conversation.Conversation{{ID: "c1", CustomerID: "u1", Status: conversation.StatusAIOnly}},
				TotalPages: 3,
			})
		})
		r.Get("/messages/{customerID}", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, conversation.MessagePage{Items: []conversation.Message{
				{Text: "hello " + chi.URLParam(r, "customerID"), SentBy: conversation.SenderCustomer},
			}})
		})
		r.Post("/messages/send-human", func(w http.ResponseWriter, r *http.Request) {
			var req SendRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			b.mu.Lock()
			b.sent = append(b.sent, req)
			b.mu.Unlock()
			writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
		})
		r.Post("/conversations/{id}/transfer", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "already closed"})
		})
	})
	return r
}

func (b *fakeBackend) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		valid := b.validToken
		b.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+valid || valid == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "token expired"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, backend *fakeBackend) *Client {
	t.Helper()
	srv := httptest.NewServer(backend.router())
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL, RefreshTimeout: time.Second}, auth.NewCredentials())
	if err != nil {
		t.Fatalf("NewClient err: %v", err)
	}
	return client
}

func TestLoginStoresSession(t *testing.T) {
	client := newTestClient(t, &fakeBackend{})

	sess, err := client.Login(context.Background(), "a@example.com", "secret")
	if err != nil {
		t.Fatalf("Login err: %v", err)
	}
	if sess.UserID() != "agent-1" || client.Credentials().Token() != "token-login" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	page, err := client.ListConversations(context.Background(), conversation.Query{Page: 1, Limit: 20})
	if err != nil {
		t.Fatalf("ListConversations err: %v", err)
	}
	if len(page.Items) != 1 || page.TotalPages != 3 {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	client := newTestClient(t, &fakeBackend{})

	_, err := client.Login(context.Background(), "a@example.com", "nope")
	if !IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Message != "bad credentials" {
		t.Fatalf("expected api error with server message, got %v", err)
	}
}

func TestConcurrentExpiredCallsShareOneRefresh(t *testing.T) {
	backend := &fakeBackend{refreshOK: true, refreshLag: 50 * time.Millisecond}
	client := newTestClient(t, backend)
	if _, err := client.Login(context.Background(), "a@example.com", "secret"); err != nil {
		t.Fatalf("Login err: %v", err)
	}

	// server side rotation: the login token is no longer accepted
	backend.mu.Lock()
	backend.validToken = "rotated"
	backend.mu.Unlock()

	const callers = 6
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.ListMessages(context.Background(), "u1", 1, 20)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("call failed: %v", err)
		}
	}
	if got := backend.refreshes.Load(); got != 1 {
		t.Fatalf("expected one refresh request, got %d", got)
	}
	if client.Credentials().Current().Identity == nil {
		t.Fatal("identity lost across refresh")
	}
}

func TestRefreshFailureExpiresSession(t *testing.T) {
	backend := &fakeBackend{refreshOK: false}
	client := newTestClient(t, backend)
	if _, err := client.Login(context.Background(), "a@example.com", "secret"); err != nil {
		t.Fatalf("Login err: %v", err)
	}
	backend.mu.Lock()
	backend.validToken = "rotated"
	backend.mu.Unlock()

	_, err := client.ListConversations(context.Background(), conversation.Query{BusinessID: "biz-1"})
	if Classify(err) != KindSessionExpired {
		t.Fatalf("expected session expired, got %v (%s)", err, Classify(err))
	}
	if client.Credentials().Token() != "" {
		t.Fatal("session should be cleared")
	}
}

func TestSendHumanMessage(t *testing.T) {
	backend := &fakeBackend{}
	client := newTestClient(t, backend)
	if _, err := client.Login(context.Background(), "a@example.com", "secret"); err != nil {
		t.Fatalf("Login err: %v", err)
	}

	err := client.SendHumanMessage(context.Background(), SendRequest{ConversationID: "c1", CustomerID: "u1", Text: "reply", ClientMessageID: "m-1"})
	if err != nil {
		t.Fatalf("SendHumanMessage err: %v", err)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.sent) != 1 || backend.sent[0].Text != "reply" || backend.sent[0].ClientMessageID != "m-1" {
		t.Fatalf("unexpected sent payloads: %+v", backend.sent)
	}

	if err := client.SendHumanMessage(context.Background(), SendRequest{ConversationID: "c1"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty text, got %v", err)
	}
}

func TestTransferConflict(t *testing.T) {
	client := newTestClient(t, &fakeBackend{})
	if _, err := client.Login(context.Background(), "a@example.com", "secret"); err != nil {
		t.Fatalf("Login err: %v", err)
	}

	err := client.Transfer(context.Background(), "c1", conversation.TransferTarget{AgentID: "agent-2"})
	if Classify(err) != KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := client.Transfer(context.Background(), "c1", conversation.TransferTarget{}); err == nil {
		t.Fatal("expected validation error for empty target")
	}
}

func TestLogoutClearsSessionEvenOnFailure(t *testing.T) {
	backend := &fakeBackend{refreshOK: false}
	client := newTestClient(t, backend)
	if _, err := client.Login(context.Background(), "a@example.com", "secret"); err != nil {
		t.Fatalf("Login err: %v", err)
	}
	backend.mu.Lock()
	backend.validToken = "rotated"
	backend.mu.Unlock()

	if err := client.Logout(context.Background()); err == nil {
		t.Fatal("expected logout error from rejected token")
	}
	if client.Credentials().Token() != "" {
		t.Fatal("logout must clear the session")
	}
}

func TestTransientNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewClient err: %v", err)
	}
	_, err = client.ListMessages(context.Background(), "u1", 1, 10)
	if Classify(err) != KindTransientNetwork {
		t.Fatalf("expected transient network error, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{err: nil, want: KindNone},
		{err: &Error{StatusCode: http.StatusUnauthorized}, want: KindUnauthorized},
		{err: fmt.Errorf("wrapped: %w", auth.ErrSessionExpired), want: KindSessionExpired},
		{err: &Error{StatusCode: http.StatusConflict}, want: KindConflict},
		{err: &Error{StatusCode: http.StatusServiceUnavailable}, want: KindTransientNetwork},
		{err: &Error{StatusCode: http.StatusInternalServerError}, want: KindUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}, nil); err == nil {
		t.Fatal("expected error for missing BaseURL")
	}
}
