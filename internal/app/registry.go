package app

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/circlechat/internal/core"
	"github.com/dkeye/circlechat/internal/domain"
	"github.com/dkeye/circlechat/internal/observe"
	"github.com/dkeye/circlechat/internal/wire"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const profileTimeout = 5 * time.Second

// LocalTracks supplies the tracks attached to every new peer connection.
type LocalTracks interface {
	LocalTracks() []webrtc.TrackLocal
}

// Entry is the registry record of one remote participant.
type Entry struct {
	Peer   domain.UserID
	Conn   core.MediaConnection
	Stream *RemoteStream
}

type RegistryConfig struct {
	Self     domain.UserID
	Group    domain.GroupID
	Signal   core.SignalChannel
	Factory  core.MediaFactory
	Local    LocalTracks
	Loop     *Loop
	Roster   *Roster
	Profiles core.ProfileResolver
	Metrics  *observe.Metrics
}

// Registry keeps exactly one peer connection per remote participant.
// Mutations run on the loop; readers may take snapshots from anywhere.
type Registry struct {
	cfg RegistryConfig

	mu      sync.RWMutex
	entries map[domain.UserID]*Entry
}

func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		cfg:     cfg,
		entries: make(map[domain.UserID]*Entry),
	}
}

func (r *Registry) Get(peer domain.UserID) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[peer]
	return e, ok
}

func (r *Registry) current(peer domain.UserID, conn core.MediaConnection) (*Entry, bool) {
	e, ok := r.Get(peer)
	if !ok || e.Conn != conn {
		return nil, false
	}
	return e, true
}

// GetOrCreate returns the entry for peer, building and wiring a new
// connection when none exists.
func (r *Registry) GetOrCreate(peer domain.UserID) (*Entry, error) {
	if e, ok := r.Get(peer); ok {
		return e, nil
	}
	conn, err := r.cfg.Factory(peer)
	if err != nil {
		return nil, err
	}
	if r.cfg.Local != nil {
		for _, t := range r.cfg.Local.LocalTracks() {
			if _, err := conn.AddLocalTrack(t); err != nil {
				conn.Close()
				return nil, err
			}
		}
	}
	r.bind(peer, conn)

	e := &Entry{Peer: peer, Conn: conn}
	r.mu.Lock()
	r.entries[peer] = e
	r.mu.Unlock()
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ActivePeers.Add(context.Background(), 1)
	}
	log.Info().Str("module", "registry").Str("peer", string(peer)).Msg("peer connection created")
	return e, nil
}

// bind routes connection callbacks back onto the loop. Callbacks from a
// connection that is no longer the peer's current one are ignored.
func (r *Registry) bind(peer domain.UserID, conn core.MediaConnection) {
	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		r.cfg.Loop.Post(func() {
			if _, ok := r.current(peer, conn); !ok {
				return
			}
			r.cfg.Signal.Send(&wire.ICECandidate{
				TargetUserID: peer,
				GroupID:      r.cfg.Group,
				SenderID:     r.cfg.Self,
				Candidate:    ci,
			})
		})
	})

	conn.OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		r.cfg.Loop.Post(func() {
			e, ok := r.current(peer, conn)
			if !ok {
				return
			}
			r.mu.Lock()
			if e.Stream == nil {
				e.Stream = NewRemoteStream(peer)
			}
			st := e.Stream
			r.mu.Unlock()
			st.AddTrack(ctx, track, conn)
			if r.cfg.Roster != nil {
				r.cfg.Roster.Upsert(peer)
				r.resolveName(peer)
			}
		})
	})

	conn.OnStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
		default:
			return
		}
		r.cfg.Loop.Post(func() {
			if _, ok := r.current(peer, conn); !ok {
				return
			}
			log.Info().Str("module", "registry").Str("peer", string(peer)).Str("state", s.String()).Msg("peer connection lost")
			r.Remove(peer)
		})
	})
}

func (r *Registry) resolveName(peer domain.UserID) {
	if r.cfg.Profiles == nil {
		return
	}
	if p, ok := r.cfg.Roster.Get(peer); ok && p.DisplayName != "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), profileTimeout)
		defer cancel()
		name, err := r.cfg.Profiles.DisplayName(ctx, peer)
		if err != nil {
			log.Debug().Err(err).Str("module", "registry").Str("peer", string(peer)).Msg("display name lookup failed")
			return
		}
		r.cfg.Loop.Post(func() { r.cfg.Roster.SetName(peer, name) })
	}()
}

// Remove closes and forgets the peer's connection. Unknown peers are a no-op.
func (r *Registry) Remove(peer domain.UserID) {
	r.mu.Lock()
	e, ok := r.entries[peer]
	delete(r.entries, peer)
	var st *RemoteStream
	if ok {
		st = e.Stream
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if st != nil {
		st.Close()
	}
	e.Conn.Close()
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ActivePeers.Add(context.Background(), -1)
	}
	log.Info().Str("module", "registry").Str("peer", string(peer)).Msg("peer connection removed")
}

func (r *Registry) RemoveAll() {
	for _, p := range r.Peers() {
		r.Remove(p)
	}
}

func (r *Registry) Peers() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.entries))
	for p := range r.entries {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Streams returns the inbound streams received so far.
func (r *Registry) Streams() []*RemoteStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RemoteStream, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Stream != nil {
			out = append(out, e.Stream)
		}
	}
	return out
}
