package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/deskline/internal/model/event"
	"github.com/zhouzirui/deskline/internal/service/auth"
)

// ErrAlreadyRunning is returned by Start while a previous run is still active.
var ErrAlreadyRunning = errors.New("realtime channel already running")

// State is the connection state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options 实时通道配置
type Options struct {
	URL              string        // websocket 地址，userId 以查询参数追加
	BackoffBase      time.Duration // 首次重连等待
	BackoffCap       time.Duration // 重连等待上限
	JitterPercent    int           // 抖动百分比
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

// DefaultOptions 默认实时通道选项
func DefaultOptions() *Options {
	return &Options{
		BackoffBase:      500 * time.Millisecond,
		BackoffCap:       30 * time.Second,
		JitterPercent:    defaultJitterPercent,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// TokenSource supplies the bearer token used for each dial.
type TokenSource interface {
	Token() string
}

// Refresher replaces a token the realtime server rejected. *auth.Coordinator
// satisfies it, so a dial shares the refresh of every other outbound call.
type Refresher interface {
	Refresh(ctx context.Context, stale string) error
}

// Sink receives every decoded event in arrival order.
type Sink func(ctx context.Context, ev event.Event) error

// Channel keeps one websocket to the realtime server open for the signed in
// user. It reconnects forever with capped, jittered backoff and never touches
// inbox data itself; events go to the sink and nothing is replayed after a
// reconnect.
type Channel struct {
	opts      Options
	tokens    TokenSource
	refresher Refresher
	sink      Sink
	dialer    *websocket.Dialer

	mu        sync.Mutex
	state     State
	observers []func(State)
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewChannel validates opts and builds an idle channel. refresher may be nil,
// in which case a rejected token is only retried after backoff.
func NewChannel(opts *Options, tokens TokenSource, refresher Refresher, sink Sink) (*Channel, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if strings.TrimSpace(o.URL) == "" {
		return nil, fmt.Errorf("realtime: URL is required")
	}
	if _, err := url.Parse(o.URL); err != nil {
		return nil, fmt.Errorf("realtime: invalid URL %q: %w", o.URL, err)
	}
	if tokens == nil || sink == nil {
		return nil, fmt.Errorf("realtime: token source and sink are required")
	}

	def := DefaultOptions()
	if o.BackoffBase <= 0 {
		o.BackoffBase = def.BackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = def.BackoffCap
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = def.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}

	return &Channel{
		opts:      o,
		tokens:    tokens,
		refresher: refresher,
		sink:      sink,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: o.HandshakeTimeout,
		},
	}, nil
}

// OnStateChange registers fn for every state transition. Callbacks run on
// the channel goroutine and must not block.
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Running reports whether a run loop is active.
func (c *Channel) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done != nil
}

// Start connects as userID in the background. The loop lives until Stop is
// called or ctx is done.
func (c *Channel) Start(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("realtime: user id is required")
	}

	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(runCtx, userID)

		c.mu.Lock()
		if c.done == done {
			c.cancel, c.done = nil, nil
		}
		c.mu.Unlock()
		cancel()
	}()
	return nil
}

// Stop cancels the loop, closes the live socket and waits for the goroutine
// to exit. It is safe to call on an idle channel.
func (c *Channel) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	observers := slices.Clone(c.observers)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(s)
	}
}

func (c *Channel) run(ctx context.Context, userID string) {
	defer c.setState(StateDisconnected)

	bo := newBackoff(c.opts.BackoffBase, c.opts.BackoffCap, c.opts.JitterPercent)
	refreshed := false
	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		conn, token, err := c.dial(ctx, userID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, auth.ErrUnauthorized) && c.refresher != nil && !refreshed {
				rerr := c.refresher.Refresh(ctx, token)
				switch {
				case rerr == nil:
					// redial right away with the new token
					refreshed = true
					log.Printf("[realtime] token rejected, redialing after refresh")
					continue
				case errors.Is(rerr, auth.ErrSessionExpired):
					log.Printf("[realtime] session expired, giving up: %v", rerr)
					return
				case ctx.Err() != nil:
					return
				}
				log.Printf("[realtime] warning: token refresh failed: %v", rerr)
			}

			wait := bo.next()
			log.Printf("[realtime] connect failed, retry in %s: %v", wait, err)
			c.setState(StateDisconnected)
			if !sleep(ctx, wait) {
				return
			}
			refreshed = false
			continue
		}

		bo.reset()
		refreshed = false
		err = c.serve(ctx, conn)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		// a socket that dies right after the handshake should not spin
		wait := bo.next()
		log.Printf("[realtime] connection lost, reconnecting in %s: %v", wait, err)
		if !sleep(ctx, wait) {
			return
		}
	}
}

// dial connects with the current token and returns it so a rejected token
// can be handed to the refresher. A 401 handshake wraps auth.ErrUnauthorized.
func (c *Channel) dial(ctx context.Context, userID string) (*websocket.Conn, string, error) {
	target, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, "", err
	}
	q := target.Query()
	q.Set("userId", userID)
	target.RawQuery = q.Encode()

	header := http.Header{}
	// 每次拨号都重新读取令牌，刷新后的令牌在下次重连时生效
	token := c.tokens.Token()
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized {
				return nil, token, fmt.Errorf("websocket dial rejected: %w", auth.ErrUnauthorized)
			}
			return nil, token, fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, token, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, token, nil
}

// serve owns conn until it fails or ctx is done, and always closes it.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})

	presence, err := event.Encode(event.TypePresence, map[string]string{"status": "online"})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, presence); err != nil {
		return fmt.Errorf("send presence: %w", err)
	}

	c.setState(StateConnected)
	log.Printf("[realtime] connected")

	go c.pingLoop(connCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		// any frame proves the peer is alive
		conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		ev, err := event.Decode(data)
		if err != nil {
			log.Printf("[realtime] warning: dropping frame: %v", err)
			continue
		}
		if err := c.sink(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[realtime] warning: sink rejected %s: %v", ev.Type(), err)
		}
	}
}

// pingLoop 定期发送 ping，写失败时关闭连接让读循环退出
func (c *Channel) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Printf("[realtime] ping failed: %v", err)
				conn.Close()
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
