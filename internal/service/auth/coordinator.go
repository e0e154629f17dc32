package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/deskline/internal/model/session"
)

var (
	// ErrUnauthorized marks a call rejected because of a missing or stale token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrSessionExpired is terminal for the whole session: the refresh failed
	// and the user must authenticate again.
	ErrSessionExpired = errors.New("session expired")
)

const defaultRefreshTimeout = 10 * time.Second

// RefreshFunc exchanges the out-of-band refresh credential for a new session.
type RefreshFunc func(ctx context.Context) (session.Session, error)

// CallFunc performs one outbound request with the given access token.
type CallFunc func(ctx context.Context, token string) error

// deadSession remembers the token whose refresh failed.
type deadSession struct {
	token string
	err   error
}

const refreshKey = "refresh"

// Coordinator guards outbound calls: an unauthorized call joins the single
// in-flight refresh (or starts it) and is retried once with the new token.
type Coordinator struct {
	creds   *Credentials
	refresh RefreshFunc
	timeout time.Duration

	group singleflight.Group

	mu sync.Mutex
	// dead is the token whose refresh failed; callers still holding it fail
	// fast until a new session is established.
	dead     *deadSession
	hooks    map[int]func(error)
	nextHook int

	refreshes atomic.Int64
}

// NewCoordinator creates a coordinator. A non-positive timeout falls back to
// ten seconds.
func NewCoordinator(creds *Credentials, refresh RefreshFunc, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	return &Coordinator{
		creds:   creds,
		refresh: refresh,
		timeout: timeout,
		hooks:   make(map[int]func(error)),
	}
}

// Credentials exposes the store the coordinator reads and writes.
func (c *Coordinator) Credentials() *Credentials {
	return c.creds
}

// Refreshes returns how many refresh requests have been issued.
func (c *Coordinator) Refreshes() int64 {
	return c.refreshes.Load()
}

// OnSessionExpired registers a hook run once per failed refresh on its own
// goroutine. The returned func unregisters it.
func (c *Coordinator) OnSessionExpired(fn func(error)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextHook
	c.nextHook++
	c.hooks[id] = fn

	return func() {
		c.mu.Lock()
		delete(c.hooks, id)
		c.mu.Unlock()
	}
}

// Reset forgets a previous refresh failure. Call it after a fresh login.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.dead = nil
	c.mu.Unlock()
}

// Do runs call with the current token. On ErrUnauthorized it refreshes once
// (shared with every concurrent caller) and retries; a retry that is still
// unauthorized fails without another refresh.
func (c *Coordinator) Do(ctx context.Context, call CallFunc) error {
	token := c.creds.Token()

	err := call(ctx, token)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}

	if rerr := c.Refresh(ctx, token); rerr != nil {
		return rerr
	}

	err = call(ctx, c.creds.Token())
	if errors.Is(err, ErrUnauthorized) {
		log.Printf("[auth] request still unauthorized after refresh, not retrying")
	}
	return err
}

// Refresh makes sure a token newer than stale is available. If another
// refresh is running it waits for that one instead of starting a second.
// Cancelling ctx stops the wait but never the shared refresh.
func (c *Coordinator) Refresh(ctx context.Context, stale string) error {
	if settled, err := c.settled(stale); settled {
		return err
	}

	ch := c.group.DoChan(refreshKey, func() (interface{}, error) {
		return nil, c.run(stale)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settled reports whether stale no longer needs a refresh, either because a
// newer token is stored or because its refresh already failed.
func (c *Coordinator) settled(stale string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current := c.creds.Token(); current != "" && current != stale {
		return true, nil
	}
	if c.dead != nil && (stale == c.dead.token || stale == "") {
		return true, c.dead.err
	}
	return false, nil
}

// run is the body of the shared refresh. A caller that lost the race against
// a refresh that just settled finds the outcome here instead of refreshing
// a second time.
func (c *Coordinator) run(stale string) error {
	if settled, err := c.settled(stale); settled {
		return err
	}
	c.refreshes.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	next, err := c.refresh(ctx)
	cancel()

	if err == nil && !next.Authenticated() {
		err = errors.New("refresh returned an empty access token")
	}

	c.mu.Lock()
	if err == nil {
		c.creds.Set(next)
		c.dead = nil
		c.mu.Unlock()
		log.Printf("[auth] access token refreshed")
		return nil
	}

	expired := fmt.Errorf("%w: %v", ErrSessionExpired, err)
	c.creds.Clear()
	c.dead = &deadSession{token: stale, err: expired}
	hooks := make([]func(error), 0, len(c.hooks))
	for _, fn := range c.hooks {
		hooks = append(hooks, fn)
	}
	c.mu.Unlock()

	log.Printf("[auth] token refresh failed, session expired: %v", err)
	// hooks may stop callers that are themselves waiting on this refresh
	go func() {
		for _, fn := range hooks {
			fn(expired)
		}
	}()
	return expired
}
