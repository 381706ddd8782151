// Package channel implements the client side of the group WebSocket: a single
// persistent connection with bounded linear reconnect and typed pub/sub of
// inbound frames.
package channel

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/circlechat/internal/core"
	"github.com/dkeye/circlechat/internal/domain"
	"github.com/dkeye/circlechat/internal/observe"
	"github.com/dkeye/circlechat/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrReconnectFailed = errors.New("channel: reconnect attempts exhausted")
	ErrNotConnected    = errors.New("channel: not connected")
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	defaultSendBuffer  = 64
	writeWait          = 5 * time.Second
)

type Options struct {
	// BaseURL is the WebSocket prefix; the group id is appended as a path segment.
	BaseURL string
	Token   core.TokenProvider
	// MaxAttempts bounds consecutive reconnects before reconnect_failed.
	MaxAttempts int
	// BaseDelay is multiplied by the attempt number.
	BaseDelay  time.Duration
	SendBuffer int
	// PingPeriod enables keepalive pings and read deadlines when non-zero.
	PingPeriod time.Duration
	Dialer     *websocket.Dialer
	Metrics    *observe.Metrics
}

type listener struct {
	id core.Subscription
	fn core.Listener
}

// Channel is created once per process and reused across connection cycles.
type Channel struct {
	opts Options

	mu       sync.Mutex
	state    core.ChannelState
	group    domain.GroupID
	ctx      context.Context
	conn     *websocket.Conn
	send     chan []byte
	gen      uint64
	attempts int
	failed   bool
	timer    *time.Timer
	changed  chan struct{}

	lmu       sync.RWMutex
	listeners map[core.Event][]listener
	nextID    core.Subscription
}

var _ core.Transport = (*Channel)(nil)

func New(opts Options) *Channel {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Channel{
		opts:      opts,
		changed:   make(chan struct{}),
		listeners: make(map[core.Event][]listener),
	}
}

func (c *Channel) State() core.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts connecting to the group room. It returns immediately and is
// a no-op while a connection is being established or is open.
func (c *Channel) Connect(ctx context.Context, group domain.GroupID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == core.ChannelConnecting || c.state == core.ChannelOpen {
		log.Debug().Str("module", "channel").Str("group", string(group)).Str("state", c.state.String()).Msg("connect ignored")
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.failed {
		c.failed = false
		c.attempts = 0
	}
	c.group = group
	c.ctx = ctx
	c.startLocked()
}

func (c *Channel) startLocked() {
	c.gen++
	c.state = core.ChannelConnecting
	c.notifyLocked()
	go c.dial(c.ctx, c.gen, c.group)
}

func (c *Channel) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Channel) endpoint(group domain.GroupID, token string) string {
	u := strings.TrimRight(c.opts.BaseURL, "/") + "/" + url.PathEscape(string(group))
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

func (c *Channel) dial(ctx context.Context, gen uint64, group domain.GroupID) {
	var token string
	if c.opts.Token != nil {
		t, err := c.opts.Token(ctx)
		if err != nil {
			log.Warn().Err(err).Str("module", "channel").Msg("token unavailable, connecting without credential")
		} else {
			token = t
		}
	}

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.endpoint(group, token), nil)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		log.Debug().Str("module", "channel").Msg("dial superseded")
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "channel").Str("group", string(group)).Int("attempt", c.attempts).Msg("dial failed")
		c.mu.Unlock()
		c.lost(gen)
		return
	}
	send := make(chan []byte, c.opts.SendBuffer)
	c.conn = conn
	c.send = send
	c.state = core.ChannelOpen
	c.attempts = 0
	c.notifyLocked()
	c.mu.Unlock()

	log.Info().Str("module", "channel").Str("group", string(group)).Msg("connected")
	c.emit(core.EventConnected, nil)

	go c.writePump(conn, send, gen)
	go c.readPump(conn, gen)
}

// lost handles a closed connection or a failed dial for generation gen.
func (c *Channel) lost(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.closeConnLocked()
	c.state = core.ChannelClosed
	c.notifyLocked()

	events := []core.Event{core.EventDisconnected}
	switch {
	case c.ctx != nil && c.ctx.Err() != nil:
		log.Info().Str("module", "channel").Msg("context done, not reconnecting")
	case c.attempts < c.opts.MaxAttempts:
		c.attempts++
		delay := c.opts.BaseDelay * time.Duration(c.attempts)
		next := c.gen
		c.timer = time.AfterFunc(delay, func() { c.retry(next) })
		if c.opts.Metrics != nil {
			c.opts.Metrics.ReconnectAttempts.Add(context.Background(), 1)
		}
		log.Info().Str("module", "channel").Int("attempt", c.attempts).Dur("delay", delay).Msg("reconnect scheduled")
	case !c.failed:
		c.failed = true
		events = append(events, core.EventReconnectFailed)
		log.Error().Str("module", "channel").Int("attempts", c.attempts).Msg("reconnect failed")
	}
	c.mu.Unlock()

	for _, ev := range events {
		c.emit(ev, nil)
	}
}

func (c *Channel) retry(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != core.ChannelClosed {
		return
	}
	c.timer = nil
	c.startLocked()
}

func (c *Channel) closeConnLocked() {
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Disconnect closes the connection, drops every listener and cancels any
// pending reconnect. The next Connect starts from scratch.
func (c *Channel) Disconnect() {
	c.lmu.Lock()
	c.listeners = make(map[core.Event][]listener)
	c.lmu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.closeConnLocked()
	c.attempts = 0
	c.failed = false
	c.state = core.ChannelIdle
	c.notifyLocked()
	log.Info().Str("module", "channel").Str("group", string(c.group)).Msg("disconnected")
}

// WaitOpen blocks until the channel is open, the reconnect budget is spent,
// or ctx is done.
func (c *Channel) WaitOpen(ctx context.Context) error {
	for {
		c.mu.Lock()
		st, failed, ch := c.state, c.failed, c.changed
		c.mu.Unlock()
		switch {
		case st == core.ChannelOpen:
			return nil
		case failed:
			return ErrReconnectFailed
		case st == core.ChannelIdle:
			return ErrNotConnected
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send queues m for writing. It reports false when the channel is not open
// or the outbound queue is full.
func (c *Channel) Send(m wire.Message) bool {
	data, err := wire.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "channel").Msg("send encode")
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != core.ChannelOpen || c.send == nil {
		log.Debug().Str("module", "channel").Str("type", string(m.Kind())).Str("state", c.state.String()).Msg("send on closed channel dropped")
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		log.Warn().Str("module", "channel").Str("type", string(m.Kind())).Msg("send queue full")
		return false
	}
}

func (c *Channel) On(ev core.Event, fn core.Listener) core.Subscription {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.nextID++
	c.listeners[ev] = append(c.listeners[ev], listener{id: c.nextID, fn: fn})
	return c.nextID
}

func (c *Channel) Off(ev core.Event, id core.Subscription) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	ls := c.listeners[ev]
	for i, l := range ls {
		if l.id == id {
			c.listeners[ev] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

func (c *Channel) emit(ev core.Event, m wire.Message) {
	c.lmu.RLock()
	ls := make([]listener, len(c.listeners[ev]))
	copy(ls, c.listeners[ev])
	c.lmu.RUnlock()

	for _, l := range ls {
		c.invoke(ev, l.fn, m)
	}
}

func (c *Channel) invoke(ev core.Event, fn core.Listener, m wire.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "channel").Str("event", string(ev)).Interface("panic", r).Msg("listener panicked")
		}
	}()
	fn(m)
}
