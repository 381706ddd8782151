package signal

import (
	"context"
	"time"

	"github.com/dkeye/circlechat/internal/app"
	"github.com/dkeye/circlechat/internal/core"
	"github.com/dkeye/circlechat/internal/domain"
	"github.com/dkeye/circlechat/internal/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	routeTargeted  = "targeted"
	routeBroadcast = "broadcast"
	routeReply     = "reply"
)

func (ctl *SignalWSController) join(room core.RoomService, ms core.MemberSession) {
	room.AddMember(ms)
	if m := ctl.opts.Metrics; m != nil {
		m.HubConnections.Add(context.Background(), 1)
	}
	ctl.broadcast(room, ms.SID(), &wire.UserJoined{GroupID: room.Group().ID, UserID: ms.User().ID})
}

// leave drops the session. Peers hear user_left only once the user's last
// session in the group is gone.
func (ctl *SignalWSController) leave(room core.RoomService, sid core.SessionID) {
	user, gone := room.RemoveMember(sid)
	if user == "" {
		return
	}
	if m := ctl.opts.Metrics; m != nil {
		m.HubConnections.Add(context.Background(), -1)
	}
	if !gone {
		return
	}
	group := room.Group().ID
	room.LeaveCall(user)
	ctl.broadcast(room, "", &wire.UserLeft{GroupID: group, UserID: user})
}

// EvictRoom disconnects every member of the group and forgets the room.
func (ctl *SignalWSController) EvictRoom(group domain.GroupID) bool {
	room, ok := ctl.opts.Rooms.Get(group)
	if !ok {
		return false
	}
	for _, ms := range room.Sessions() {
		ms.Signal().Close()
	}
	ctl.opts.Rooms.StopRoom(group)
	log.Info().Str("module", "signal").Str("group", string(group)).Msg("room evicted")
	return true
}

func (ctl *SignalWSController) handleFrame(room core.RoomService, ms core.MemberSession, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(ms.SID())).Msg("bad frame")
		ctl.reply(ms, &wire.Error{Error: "bad_payload"})
		return
	}
	user := ms.User().ID
	group := room.Group().ID
	if s, ok := msg.(wire.Stampable); ok {
		s.Stamp(user, group)
	}

	switch m := msg.(type) {
	case *wire.ParticipantReady:
		others := room.JoinCall(user)
		ctl.reply(ms, &wire.ParticipantsList{GroupID: group, Participants: others})
		log.Info().Str("module", "signal").Str("group", string(group)).Str("user", string(user)).Int("call_size", len(others)+1).Msg("joined call")
	case *wire.CallStart:
		if ctl.opts.Limiter != nil && !ctl.opts.Limiter.Allow(user) {
			ctl.reply(ms, &wire.Error{Error: "call_start rate limit exceeded"})
			return
		}
		ctl.broadcast(room, ms.SID(), m)
	case *wire.CallEnd:
		room.LeaveCall(user)
		ctl.broadcast(room, ms.SID(), m)
	case *wire.Chat:
		m.ID = uuid.NewString()
		m.CreatedAt = wire.Timestamp{Time: time.Now().UTC()}
		if m.Username == "" {
			m.Username = ms.User().DisplayName
		}
		ctl.broadcast(room, "", m)
	case *wire.ParticipantsList, *wire.UserJoined, *wire.UserLeft, *wire.IncomingCall, *wire.Error:
		log.Warn().Str("module", "signal").Str("type", string(m.Kind())).Str("sid", string(ms.SID())).Msg("server-only frame from client")
	case wire.Targeted:
		if m.Target() == "" {
			ctl.broadcast(room, ms.SID(), m)
			return
		}
		ctl.sendTo(room, m)
	default:
		ctl.broadcast(room, ms.SID(), m)
	}
}

func (ctl *SignalWSController) reply(ms core.MemberSession, m wire.Message) {
	data, err := wire.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode reply")
		return
	}
	if err := ms.Signal().TrySend(data); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(ms.SID())).Msg("reply dropped")
		return
	}
	ctl.count(m.Kind(), routeReply)
}

func (ctl *SignalWSController) broadcast(room core.RoomService, from core.SessionID, m wire.Message) {
	data, err := wire.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode broadcast")
		return
	}
	ctl.settle(room, room.Broadcast(from, data))
	ctl.count(m.Kind(), routeBroadcast)
}

func (ctl *SignalWSController) sendTo(room core.RoomService, m wire.Targeted) {
	data, err := wire.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode targeted")
		return
	}
	res := room.SendTo(m.Target(), data)
	if res.SendTo == 0 && len(res.Dropped) == 0 {
		log.Debug().Str("module", "signal").Str("type", string(m.Kind())).Str("target", string(m.Target())).Msg("target not connected")
	}
	ctl.settle(room, res)
	ctl.count(m.Kind(), routeTargeted)
}

// settle applies the backpressure policy to members whose queue was full.
func (ctl *SignalWSController) settle(room core.RoomService, res core.PublishResult) {
	for _, slow := range res.Dropped {
		switch ctl.opts.Policy.OnBackPressure(room, slow) {
		case app.KickMember:
			log.Warn().Str("module", "signal").Str("sid", string(slow.SID())).Msg("kicking slow member")
			slow.Signal().Close()
			if m := ctl.opts.Metrics; m != nil {
				m.Kicks.Add(context.Background(), 1)
			}
		case app.DropFrame, app.NoAction:
			if m := ctl.opts.Metrics; m != nil {
				m.DroppedFrames.Add(context.Background(), 1)
			}
		}
	}
}

func (ctl *SignalWSController) count(t wire.Type, route string) {
	if m := ctl.opts.Metrics; m != nil {
		m.RelayedFrames.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("type", string(t)),
			attribute.String("route", route),
		))
	}
}
