// Package apptest provides in-memory doubles of the channel and peer
// connections for exercising call logic without a network.
package apptest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/circlechat/internal/core"
	"github.com/dkeye/circlechat/internal/domain"
	"github.com/dkeye/circlechat/internal/wire"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

var ErrWrongState = errors.New("apptest: wrong signaling state")

// Conn is a scripted core.MediaConnection with a WebRTC-like state machine.
type Conn struct {
	Peer domain.UserID

	mu         sync.Mutex
	sig        webrtc.SignalingState
	state      webrtc.PeerConnectionState
	tracks     []webrtc.TrackLocal
	candidates []webrtc.ICECandidateInit
	offers     int
	closed     bool
	failCand   error

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState func(webrtc.PeerConnectionState)
}

var _ core.MediaConnection = (*Conn)(nil)

func NewConn(peer domain.UserID) *Conn {
	return &Conn{Peer: peer, sig: webrtc.SignalingStateStable, state: webrtc.PeerConnectionStateNew}
}

func (c *Conn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sig
}

func (c *Conn) ConnectionState() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sig != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, ErrWrongState
	}
	c.sig = webrtc.SignalingStateHaveLocalOffer
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%s-%d", c.Peer, c.offers)}, nil
}

func (c *Conn) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sig != webrtc.SignalingStateStable || offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, ErrWrongState
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + offer.SDP}, nil
}

func (c *Conn) ApplyAnswer(answer webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sig != webrtc.SignalingStateHaveLocalOffer || answer.Type != webrtc.SDPTypeAnswer {
		return ErrWrongState
	}
	c.sig = webrtc.SignalingStateStable
	return nil
}

func (c *Conn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failCand != nil {
		return c.failCand
	}
	c.candidates = append(c.candidates, ci)
	return nil
}

func (c *Conn) AddLocalTrack(t webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, t)
	return nil, nil
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Conn) OnTrack(fn func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Conn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Conn) WriteRTCP([]rtcp.Packet) error { return nil }

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.sig = webrtc.SignalingStateClosed
	c.mu.Unlock()
	c.SetState(webrtc.PeerConnectionStateClosed)
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FailCandidates makes AddICECandidate return err.
func (c *Conn) FailCandidates(err error) {
	c.mu.Lock()
	c.failCand = err
	c.mu.Unlock()
}

// SetState moves the connection state and fires the state callback.
func (c *Conn) SetState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// EmitICE fires the local candidate callback.
func (c *Conn) EmitICE(ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(ci)
	}
}

func (c *Conn) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), c.tracks...)
}

func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *Conn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

// Factory records every connection it builds.
type Factory struct {
	mu    sync.Mutex
	conns map[domain.UserID][]*Conn
	Err   error
}

func NewFactory() *Factory {
	return &Factory{conns: make(map[domain.UserID][]*Conn)}
}

func (f *Factory) New(peer domain.UserID) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := NewConn(peer)
	f.conns[peer] = append(f.conns[peer], c)
	return c, nil
}

// Latest returns the most recent connection built for peer.
func (f *Factory) Latest(peer domain.UserID) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.conns[peer]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (f *Factory) Count(peer domain.UserID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[peer])
}

// Signal is an in-memory core.Transport that records outbound frames.
type Signal struct {
	mu        sync.Mutex
	sent      []wire.Message
	listeners map[core.Event][]subscription
	nextID    core.Subscription
	state     core.ChannelState
	connects  int
	group     domain.GroupID
	Closed    bool
}

type subscription struct {
	id core.Subscription
	fn core.Listener
}

var _ core.Transport = (*Signal)(nil)

func NewSignal() *Signal {
	return &Signal{listeners: make(map[core.Event][]subscription)}
}

func (s *Signal) Send(m wire.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Closed {
		return false
	}
	s.sent = append(s.sent, m)
	return true
}

func (s *Signal) On(ev core.Event, fn core.Listener) core.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.listeners[ev] = append(s.listeners[ev], subscription{id: s.nextID, fn: fn})
	return s.nextID
}

func (s *Signal) Off(ev core.Event, id core.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := s.listeners[ev]
	for i, l := range ls {
		if l.id == id {
			s.listeners[ev] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

func (s *Signal) Connect(_ context.Context, group domain.GroupID) {
	s.mu.Lock()
	if s.state == core.ChannelOpen {
		s.mu.Unlock()
		return
	}
	s.connects++
	s.group = group
	s.state = core.ChannelOpen
	s.mu.Unlock()
	s.emit(core.EventConnected, nil)
}

func (s *Signal) WaitOpen(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != core.ChannelOpen {
		return errors.New("apptest: not open")
	}
	return nil
}

func (s *Signal) State() core.ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Signal) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = make(map[core.Event][]subscription)
	s.state = core.ChannelIdle
}

func (s *Signal) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Reconnect simulates the channel dropping and opening again.
func (s *Signal) Reconnect() {
	s.emit(core.EventDisconnected, nil)
	s.mu.Lock()
	s.state = core.ChannelOpen
	s.connects++
	s.mu.Unlock()
	s.emit(core.EventConnected, nil)
}

// Deliver publishes m as if it had arrived from the relay.
func (s *Signal) Deliver(m wire.Message) {
	s.emit(core.EventMessage, m)
	s.emit(core.EventFor(m.Kind()), m)
}

func (s *Signal) emit(ev core.Event, m wire.Message) {
	s.mu.Lock()
	ls := append([]subscription(nil), s.listeners[ev]...)
	s.mu.Unlock()
	for _, l := range ls {
		l.fn(m)
	}
}

// Sent returns every frame sent so far.
func (s *Signal) Sent() []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Message(nil), s.sent...)
}

// SentOf returns the sent frames of type T.
func SentOf[T wire.Message](s *Signal) []T {
	var out []T
	for _, m := range s.Sent() {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func (s *Signal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

// Listeners reports how many listeners are registered for ev.
func (s *Signal) Listeners(ev core.Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[ev])
}
