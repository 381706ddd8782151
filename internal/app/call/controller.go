// Package call is the user-facing call session: it ties the shared channel,
// local media, the peer registry and the orchestrator into start, toggle,
// accept, decline and end operations.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/circlechat/internal/app"
	"github.com/dkeye/circlechat/internal/app/orch"
	"github.com/dkeye/circlechat/internal/core"
	"github.com/dkeye/circlechat/internal/domain"
	"github.com/dkeye/circlechat/internal/media"
	"github.com/dkeye/circlechat/internal/observe"
	"github.com/dkeye/circlechat/internal/wire"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyInCall = errors.New("call: already in a call")
	ErrNotInCall     = errors.New("call: not in a call")
	ErrNoAudio       = errors.New("call: no local audio track")
	ErrNoVideo       = errors.New("call: no local video track")
	ErrNotSent       = errors.New("call: channel is not open")
)

type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateMediaError State = "media_error"
	StateActive     State = "active"
)

type Options struct {
	Self      *domain.User
	Transport core.Transport
	Devices   media.Devices
	Factory   core.MediaFactory
	Profiles  core.ProfileResolver
	// Loop must be running for the lifetime of the controller.
	Loop         *app.Loop
	Stagger      time.Duration
	OfferTimeout time.Duration
	Metrics      *observe.Metrics
}

// session is everything that lives exactly as long as one call.
type session struct {
	group    domain.GroupID
	callType domain.CallType
	media    *media.Session
	roster   *app.Roster
	registry *app.Registry
	orch     *orch.Orchestrator
	// announce is sent once media is ready and the channel is open.
	announce []wire.Message
}

type Controller struct {
	opts Options

	mu    sync.RWMutex
	state State
	cur   *session

	handlersMu sync.RWMutex
	handlers   []func(Caller)
	subs       []subscription
}

type subscription struct {
	ev core.Event
	id core.Subscription
}

func NewController(opts Options) *Controller {
	c := &Controller{opts: opts, state: StateIdle}
	c.watch()
	return c
}

func (c *Controller) self() domain.UserID { return c.opts.Self.ID }

// Start joins group with a new call of the given type and announces it.
func (c *Controller) Start(ctx context.Context, group domain.GroupID, t domain.CallType) error {
	return c.join(ctx, group, t, func(s *session) []wire.Message {
		return []wire.Message{
			&wire.ParticipantReady{GroupID: s.group, UserID: c.self()},
			&wire.CallStart{
				GroupID:    s.group,
				CallerID:   c.self(),
				CallerName: c.opts.Self.DisplayName,
				CallType:   s.callType,
			},
		}
	})
}

// AcceptIncoming answers the ring and joins the caller's call.
func (c *Controller) AcceptIncoming(ctx context.Context, caller Caller) error {
	return c.join(ctx, caller.GroupID, caller.CallType, func(s *session) []wire.Message {
		return []wire.Message{
			&wire.CallAccept{GroupID: s.group, TargetUserID: caller.UserID, UserID: c.self()},
			&wire.ParticipantReady{GroupID: s.group, UserID: c.self()},
		}
	})
}

// DeclineIncoming tells the caller this participant will not join.
func (c *Controller) DeclineIncoming(caller Caller) error {
	ok := c.opts.Transport.Send(&wire.CallDecline{
		GroupID:      caller.GroupID,
		TargetUserID: caller.UserID,
		UserID:       c.self(),
	})
	if !ok {
		return ErrNotSent
	}
	log.Info().Str("module", "call").Str("group", string(caller.GroupID)).Str("caller", string(caller.UserID)).Msg("call declined")
	return nil
}

func (c *Controller) join(ctx context.Context, group domain.GroupID, t domain.CallType, announce func(*session) []wire.Message) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyInCall
	}
	s := c.newSession(group, t)
	s.announce = announce(s)
	c.cur = s
	c.state = StateStarting
	c.mu.Unlock()

	c.opts.Transport.Connect(ctx, group)
	s.orch.Bind()
	log.Info().Str("module", "call").Str("group", string(group)).Str("call_type", string(t)).Msg("joining call")
	return c.activate(ctx, s)
}

// RetryMedia repeats media acquisition after a classified failure.
func (c *Controller) RetryMedia(ctx context.Context) error {
	c.mu.Lock()
	s := c.cur
	if s == nil || c.state != StateMediaError {
		c.mu.Unlock()
		return ErrNotInCall
	}
	c.state = StateStarting
	c.mu.Unlock()
	return c.activate(ctx, s)
}

// activate acquires media, then flushes pending negotiation and announces
// presence once the channel is open. Each wait is followed by a check that
// s is still the current call; a call ended meanwhile gets its media stopped
// and nothing is announced.
func (c *Controller) activate(ctx context.Context, s *session) error {
	if err := s.media.Acquire(ctx, s.callType); err != nil {
		if c.superseded(s) {
			return ErrNotInCall
		}
		c.setState(s, StateMediaError)
		return err
	}
	if c.superseded(s) {
		return ErrNotInCall
	}
	if err := c.opts.Transport.WaitOpen(ctx); err != nil {
		if c.superseded(s) {
			return ErrNotInCall
		}
		c.teardown(ctx, s, false)
		return fmt.Errorf("call: channel: %w", err)
	}
	if c.superseded(s) {
		return ErrNotInCall
	}
	if err := c.opts.Loop.Call(ctx, s.orch.OnLocalReady); err != nil {
		if c.superseded(s) {
			return ErrNotInCall
		}
		c.teardown(ctx, s, false)
		return err
	}

	// Holding mu orders the announcement before any call_end from End.
	c.mu.Lock()
	if c.cur != s {
		c.mu.Unlock()
		s.media.Stop()
		return ErrNotInCall
	}
	for _, m := range s.announce {
		if !c.opts.Transport.Send(m) {
			log.Warn().Str("module", "call").Str("type", string(m.Kind())).Msg("announce not sent")
		}
	}
	c.state = StateActive
	c.mu.Unlock()
	log.Info().Str("module", "call").Str("group", string(s.group)).Msg("call active")
	return nil
}

// superseded reports whether s is no longer the current call. Media acquired
// for a superseded call is stopped.
func (c *Controller) superseded(s *session) bool {
	c.mu.RLock()
	gone := c.cur != s
	c.mu.RUnlock()
	if gone {
		s.media.Stop()
		log.Info().Str("module", "call").Str("group", string(s.group)).Msg("call ended while starting")
	}
	return gone
}

func (c *Controller) newSession(group domain.GroupID, t domain.CallType) *session {
	s := &session{
		group:    group,
		callType: t,
		media:    media.NewSession(c.opts.Devices),
		roster:   app.NewRoster(c.self()),
	}
	s.roster.Upsert(c.self())
	s.roster.SetName(c.self(), c.opts.Self.DisplayName)
	s.registry = app.NewRegistry(app.RegistryConfig{
		Self:     c.self(),
		Group:    group,
		Signal:   c.opts.Transport,
		Factory:  c.opts.Factory,
		Local:    s.media,
		Loop:     c.opts.Loop,
		Roster:   s.roster,
		Profiles: c.opts.Profiles,
		Metrics:  c.opts.Metrics,
	})
	s.orch = orch.New(orch.Config{
		Self:         c.self(),
		Group:        group,
		Signal:       c.opts.Transport,
		Registry:     s.registry,
		Roster:       s.roster,
		Loop:         c.opts.Loop,
		Media:        s.media,
		Stagger:      c.opts.Stagger,
		OfferTimeout: c.opts.OfferTimeout,
		Metrics:      c.opts.Metrics,
	})
	return s
}

func (c *Controller) setState(s *session, st State) {
	c.mu.Lock()
	if c.cur == s {
		c.state = st
	}
	c.mu.Unlock()
}

// ToggleMute flips local audio in place and tells the group.
func (c *Controller) ToggleMute() (bool, error) {
	s, err := c.active()
	if err != nil {
		return false, err
	}
	muted, ok := s.media.ToggleMute()
	if !ok {
		return false, ErrNoAudio
	}
	c.opts.Loop.Post(func() { s.roster.SetMuted(c.self(), muted) })
	c.opts.Transport.Send(&wire.MuteStatusChanged{GroupID: s.group, UserID: c.self(), IsMuted: muted})
	log.Info().Str("module", "call").Bool("muted", muted).Msg("mute toggled")
	return muted, nil
}

// ToggleVideo flips local video in place. Nothing is sent.
func (c *Controller) ToggleVideo() (bool, error) {
	s, err := c.active()
	if err != nil {
		return false, err
	}
	off, ok := s.media.ToggleVideo()
	if !ok {
		return false, ErrNoVideo
	}
	log.Info().Str("module", "call").Bool("video_off", off).Msg("video toggled")
	return off, nil
}

func (c *Controller) active() (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil || c.state != StateActive {
		return nil, ErrNotInCall
	}
	return c.cur, nil
}

// End leaves the call. The channel stays open for messaging.
func (c *Controller) End(ctx context.Context) error {
	c.mu.RLock()
	s := c.cur
	c.mu.RUnlock()
	if s == nil {
		return ErrNotInCall
	}
	c.teardown(ctx, s, true)
	return nil
}

func (c *Controller) teardown(ctx context.Context, s *session, announce bool) {
	c.mu.Lock()
	if c.cur != s {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	c.state = StateIdle
	c.mu.Unlock()

	if announce {
		c.opts.Transport.Send(&wire.CallEnd{GroupID: s.group, UserID: c.self()})
	}
	clean := func() {
		s.orch.Unbind()
		s.registry.RemoveAll()
		s.roster.Clear()
	}
	if err := c.opts.Loop.Call(ctx, clean); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("loop unavailable, cleaning up inline")
		clean()
	}
	s.media.Stop()
	log.Info().Str("module", "call").Str("group", string(s.group)).Msg("call ended")
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) Group() domain.GroupID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil {
		return ""
	}
	return c.cur.group
}

// MediaError is the last classified acquisition failure, if any.
func (c *Controller) MediaError() *media.AcquireError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil {
		return nil
	}
	return c.cur.media.LastError()
}

// Participants is the roster with the local participant first.
func (c *Controller) Participants() []domain.Participant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil {
		return nil
	}
	return c.cur.roster.All()
}

func (c *Controller) Peers() []domain.UserID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil {
		return nil
	}
	return c.cur.registry.Peers()
}

// PeerState reports the negotiation state of peer, if it has an entry.
func (c *Controller) PeerState(peer domain.UserID) (webrtc.SignalingState, webrtc.PeerConnectionState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil {
		return 0, 0, false
	}
	e, ok := c.cur.registry.Get(peer)
	if !ok {
		return 0, 0, false
	}
	return e.Conn.SignalingState(), e.Conn.ConnectionState(), true
}

// LocalTracks exposes the local capture for tests and diagnostics.
func (c *Controller) LocalTracks() []*media.Track {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil {
		return nil
	}
	return c.cur.media.Tracks()
}

// Streams returns the inbound media received so far.
func (c *Controller) Streams() []*app.RemoteStream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cur == nil {
		return nil
	}
	return c.cur.registry.Streams()
}
