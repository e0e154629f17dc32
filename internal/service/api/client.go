package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zhouzirui/deskline/internal/model/conversation"
	"github.com/zhouzirui/deskline/internal/model/session"
	"github.com/zhouzirui/deskline/internal/service/auth"
)

const (
	pathLogin         = "/login"
	pathRefresh       = "/refresh-token"
	pathLogout        = "/logout"
	pathConversations = "/conversations"
	pathMessages      = "/messages"
	pathSendHuman     = "/messages/send-human"

	defaultRequestTimeout = 30 * time.Second
)

// Config holds the settings for a Client.
type Config struct {
	// BaseURL is the support API root, e.g. "https://api.example.com/v1".
	BaseURL string
	// HTTPClient is used for every request. If nil a client with a cookie
	// jar is created; the jar carries the refresh cookie.
	HTTPClient *http.Client
	// RequestTimeout applies to the default HTTP client only.
	RequestTimeout time.Duration
	// RefreshTimeout bounds a single token refresh.
	RefreshTimeout time.Duration
}

// Client is the HTTP call surface of the support API. Every call except
// login and refresh goes through the refresh coordinator.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      *auth.Credentials
	coord      *auth.Coordinator
}

// NewClient validates cfg and builds a client bound to creds.
func NewClient(cfg Config, creds *auth.Credentials) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("api: BaseURL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("api: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}
	if creds == nil {
		creds = auth.NewCredentials()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("api: cookie jar: %w", err)
		}
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout, Jar: jar}
	}

	c := &Client{
		baseURL:    base,
		httpClient: httpClient,
		creds:      creds,
	}
	c.coord = auth.NewCoordinator(creds, c.Refresh, cfg.RefreshTimeout)
	return c, nil
}

// Coordinator returns the refresh coordinator guarding this client.
func (c *Client) Coordinator() *auth.Coordinator {
	return c.coord
}

// Credentials returns the credential store the client reads tokens from.
func (c *Client) Credentials() *auth.Credentials {
	return c.creds
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login authenticates and stores the resulting session.
func (c *Client) Login(ctx context.Context, email, password string) (session.Session, error) {
	var out session.Session
	if err := c.send(ctx, http.MethodPost, pathLogin, nil, loginRequest{Email: email, Password: password}, &out, ""); err != nil {
		return session.Session{}, err
	}
	if !out.Authenticated() {
		return session.Session{}, fmt.Errorf("api: login returned an empty access token")
	}

	c.creds.Set(out)
	c.coord.Reset()
	return c.creds.Current(), nil
}

// Refresh calls the refresh endpoint directly. The refresh credential is the
// cookie held by the HTTP client. It is the coordinator's RefreshFunc and is
// never itself intercepted.
func (c *Client) Refresh(ctx context.Context) (session.Session, error) {
	var out session.Session
	if err := c.send(ctx, http.MethodPost, pathRefresh, nil, nil, &out, ""); err != nil {
		return session.Session{}, err
	}
	return out, nil
}

// RestoreSession obtains a session from the refresh cookie when no token is
// held yet. It shares the coordinator's single-flight refresh.
func (c *Client) RestoreSession(ctx context.Context) (session.Session, error) {
	if err := c.coord.Refresh(ctx, c.creds.Token()); err != nil {
		return session.Session{}, err
	}
	return c.creds.Current(), nil
}

// Logout notifies the server and clears the session regardless of the result.
func (c *Client) Logout(ctx context.Context) error {
	err := c.call(ctx, http.MethodPost, pathLogout, nil, nil, nil)
	c.creds.Clear()
	if err != nil {
		log.Printf("[api] logout request failed, session cleared anyway: %v", err)
	}
	return err
}

// ListConversations fetches one page of the conversation list.
func (c *Client) ListConversations(ctx context.Context, q conversation.Query) (conversation.Page, error) {
	params := url.Values{}
	businessID := q.BusinessID
	if businessID == "" {
		if identity := c.creds.Current().Identity; identity != nil {
			businessID = identity.BusinessID
		}
	}
	if businessID != "" {
		params.Set("businessId", businessID)
	}
	params.Set("page", strconv.Itoa(max(q.Page, 1)))
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Search != "" {
		params.Set("search", q.Search)
	}

	var page conversation.Page
	if err := c.call(ctx, http.MethodGet, pathConversations, params, nil, &page); err != nil {
		return conversation.Page{}, err
	}
	return page, nil
}

// ListMessages fetches one page of a customer's history. The order of the
// returned items is whatever the server uses.
func (c *Client) ListMessages(ctx context.Context, customerID string, page, limit int) (conversation.MessagePage, error) {
	if customerID == "" {
		return conversation.MessagePage{}, fmt.Errorf("%w: customer id is required", ErrInvalidRequest)
	}
	params := url.Values{}
	params.Set("page", strconv.Itoa(max(page, 1)))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var out conversation.MessagePage
	path := pathMessages + "/" + url.PathEscape(customerID)
	if err := c.call(ctx, http.MethodGet, path, params, nil, &out); err != nil {
		return conversation.MessagePage{}, err
	}
	return out, nil
}

// SendRequest is the body of a human reply.
type SendRequest struct {
	ConversationID  string `json:"conversationId"`
	CustomerID      string `json:"customerId"`
	BusinessID      string `json:"businessId,omitempty"`
	Text            string `json:"text"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// SendHumanMessage posts a reply. The message itself arrives later through
// the realtime echo.
func (c *Client) SendHumanMessage(ctx context.Context, req SendRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return fmt.Errorf("%w: message text is required", ErrInvalidRequest)
	}
	return c.call(ctx, http.MethodPost, pathSendHuman, nil, req, nil)
}

// Transfer hands a conversation to another agent or channel.
func (c *Client) Transfer(ctx context.Context, conversationID string, target conversation.TransferTarget) error {
	if !target.Valid() {
		return fmt.Errorf("%w: exactly one of targetAgentId or targetChannelId is required", ErrInvalidRequest)
	}
	path := pathConversations + "/" + url.PathEscape(conversationID) + "/transfer"
	return c.call(ctx, http.MethodPost, path, nil, target, nil)
}

// CloseConversation marks a conversation closed on the server.
func (c *Client) CloseConversation(ctx context.Context, conversationID string) error {
	path := pathConversations + "/" + url.PathEscape(conversationID) + "/close"
	return c.call(ctx, http.MethodPost, path, nil, nil, nil)
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	return c.coord.Do(ctx, func(ctx context.Context, token string) error {
		return c.send(ctx, method, path, query, body, out, token)
	})
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body, out any, token string) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("api: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", ErrTransientNetwork, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrTransientNetwork, path, err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{StatusCode: resp.StatusCode, Method: method, Path: path}
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &errResp) == nil {
			apiErr.Message = errResp.Error
			if apiErr.Message == "" {
				apiErr.Message = errResp.Message
			}
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("api: decode %s response: %w", path, err)
	}
	return nil
}

// IsUnauthorized reports whether err is an authorization failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, auth.ErrUnauthorized)
}
