package auth

import (
	"strings"
	"sync"

	"github.com/zhouzirui/deskline/internal/model/session"
)

// Credentials 持有当前会话的访问令牌与身份，所有读写都经过互斥锁。
type Credentials struct {
	mu      sync.RWMutex
	current session.Session
}

// NewCredentials returns an unauthenticated credential store.
func NewCredentials() *Credentials {
	return &Credentials{}
}

// Set replaces the whole session, as done by login and refresh.
func (c *Credentials) Set(s session.Session) {
	s.AccessToken = strings.TrimSpace(s.AccessToken)

	c.mu.Lock()
	defer c.mu.Unlock()

	if s.Identity == nil {
		// refresh responses may omit the identity; keep the known one
		s.Identity = c.current.Identity
	}
	if s.Identity != nil {
		identity := *s.Identity
		s.Identity = &identity
	}
	c.current = s
}

// SetToken swaps only the access token.
func (c *Credentials) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current.AccessToken = strings.TrimSpace(token)
}

// Clear drops token and identity.
func (c *Credentials) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = session.Session{}
}

// Token returns the current access token, empty when unauthenticated.
func (c *Credentials) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.AccessToken
}

// Current returns a copy of the session.
func (c *Credentials) Current() session.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.current
	if s.Identity != nil {
		identity := *s.Identity
		s.Identity = &identity
	}
	return s
}
