package call

import (
	"slices"

	"github.com/dkeye/circlechat/internal/core"
	"github.com/dkeye/circlechat/internal/domain"
	"github.com/dkeye/circlechat/internal/wire"
	"github.com/rs/zerolog/log"
)

// Caller describes a ring from another participant.
type Caller struct {
	GroupID  domain.GroupID
	UserID   domain.UserID
	Name     string
	CallType domain.CallType
}

// OnIncoming registers fn for rings from other participants. Handlers run on
// the channel's goroutine and must not block.
func (c *Controller) OnIncoming(fn func(Caller)) {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, fn)
	c.handlersMu.Unlock()
}

func (c *Controller) watch() {
	t := c.opts.Transport
	ring := func(m wire.Message) {
		var caller Caller
		switch m := m.(type) {
		case *wire.CallStart:
			caller = Caller{GroupID: m.GroupID, UserID: m.CallerID, Name: m.CallerName, CallType: m.CallType}
		case *wire.IncomingCall:
			caller = Caller{GroupID: m.GroupID, UserID: m.CallerID, Name: m.CallerName, CallType: m.CallType}
		default:
			return
		}
		c.ring(caller)
	}
	for _, typ := range []wire.Type{wire.TypeCallStart, wire.TypeIncomingCall} {
		ev := core.EventFor(typ)
		c.subs = append(c.subs, subscription{ev: ev, id: t.On(ev, ring)})
	}
	c.subs = append(c.subs, subscription{
		ev: core.EventConnected,
		id: t.On(core.EventConnected, func(wire.Message) { c.reannounce() }),
	})
	c.subs = append(c.subs, subscription{
		ev: core.EventReconnectFailed,
		id: t.On(core.EventReconnectFailed, func(wire.Message) {
			log.Error().Str("module", "call").Msg("signaling channel lost")
		}),
	})
}

func (c *Controller) ring(caller Caller) {
	if caller.UserID == "" || caller.UserID == c.self() {
		return
	}
	if c.State() == StateActive && c.Group() == caller.GroupID {
		return
	}
	if caller.CallType == "" {
		caller.CallType = domain.CallAudio
	}
	c.handlersMu.RLock()
	hs := slices.Clone(c.handlers)
	c.handlersMu.RUnlock()
	log.Info().Str("module", "call").Str("group", string(caller.GroupID)).Str("caller", string(caller.UserID)).Msg("incoming call")
	for _, h := range hs {
		h(caller)
	}
}

// reannounce restores call membership on the relay after a reconnect.
func (c *Controller) reannounce() {
	s, err := c.active()
	if err != nil {
		return
	}
	c.opts.Transport.Send(&wire.ParticipantReady{GroupID: s.group, UserID: c.self()})
	log.Info().Str("module", "call").Str("group", string(s.group)).Msg("presence re-announced after reconnect")
}

// Close detaches the controller from the channel.
func (c *Controller) Close() {
	for _, s := range c.subs {
		c.opts.Transport.Off(s.ev, s.id)
	}
	c.subs = nil
}
