// Package signal is the relay hub: one WebSocket per group member, frames
// routed by target or broadcast to the rest of the group.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/circlechat/internal/app"
	"github.com/dkeye/circlechat/internal/core"
	"github.com/dkeye/circlechat/internal/domain"
	"github.com/dkeye/circlechat/internal/observe"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// UserKey is the gin context key holding the authenticated *domain.User.
const UserKey = "user"

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

type Options struct {
	Rooms      core.RoomManager
	Policy     app.Policy
	Limiter    *RoomRateLimiter
	Metrics    *observe.Metrics
	SendBuffer int
	PingPeriod time.Duration
	ReadLimit  int64
}

type SignalWSController struct {
	opts Options
}

func NewSignalWSController(opts Options) *SignalWSController {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 << 10
	}
	if opts.Policy == nil {
		opts.Policy = app.SimplePolicy{}
	}
	return &SignalWSController{opts: opts}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and joins the caller to the group room.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	group := domain.GroupID(c.Param("group_id"))
	v, ok := c.Get(UserKey)
	user, _ := v.(*domain.User)
	if !ok || user == nil || group == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "missing identity or group"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.opts.ReadLimit)

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}
	sid := core.SessionID(uuid.NewString())
	ms := core.NewMemberSession(sid, user, conn)
	room := ctl.opts.Rooms.GetOrCreate(group)

	log.Info().
		Str("module", "signal").
		Str("sid", string(sid)).
		Str("group", string(group)).
		Str("user", string(user.ID)).
		Msg("new WS connection")

	ctl.join(room, ms)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, room, ms, conn)
	}()
}
