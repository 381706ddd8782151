package app

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/circlechat/internal/core"
	"github.com/dkeye/circlechat/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const pliInterval = 3 * time.Second

// RemoteStream is the inbound media of one participant. Each track is
// drained on its own goroutine so the receiver buffers never stall.
type RemoteStream struct {
	Peer domain.UserID

	mu     sync.RWMutex
	tracks map[string]webrtc.RTPCodecType

	packets atomic.Uint64
	bytes   atomic.Uint64
	lastSeq atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc
}

func NewRemoteStream(peer domain.UserID) *RemoteStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &RemoteStream{
		Peer:   peer,
		tracks: make(map[string]webrtc.RTPCodecType),
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddTrack starts draining track. Video tracks also get periodic keyframe requests over conn.
func (s *RemoteStream) AddTrack(connCtx context.Context, track *webrtc.TrackRemote, conn core.MediaConnection) {
	s.mu.Lock()
	s.tracks[track.ID()] = track.Kind()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.ctx)
	context.AfterFunc(connCtx, cancel)

	logger := log.With().
		Str("module", "stream").
		Str("peer", string(s.Peer)).
		Str("track_id", track.ID()).
		Str("kind", track.Kind().String()).
		Logger()

	go s.loop(ctx, track, &logger)
	if track.Kind() == webrtc.RTPCodecTypeVideo && conn != nil {
		go s.requestKeyframes(ctx, uint32(track.SSRC()), conn, &logger)
	}
}

// loop reads RTP packets from the remote track until it ends.
func (s *RemoteStream) loop(ctx context.Context, track *webrtc.TrackRemote, logger *zerolog.Logger) {
	defer s.dropTrack(track.ID())
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("stream ctx done")
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("remote track ended")
			return
		}
		s.record(pkt)
	}
}

func (s *RemoteStream) record(pkt *rtp.Packet) {
	s.packets.Add(1)
	s.bytes.Add(uint64(len(pkt.Payload)))
	s.lastSeq.Store(uint32(pkt.SequenceNumber))
}

func (s *RemoteStream) requestKeyframes(ctx context.Context, ssrc uint32, conn core.MediaConnection, logger *zerolog.Logger) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				logger.Debug().Err(err).Msg("PLI write failed")
				return
			}
		}
	}
}

func (s *RemoteStream) dropTrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tracks, id)
}

func (s *RemoteStream) TrackIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.tracks))
}

func (s *RemoteStream) HasVideo() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.tracks {
		if k == webrtc.RTPCodecTypeVideo {
			return true
		}
	}
	return false
}

func (s *RemoteStream) Packets() uint64 { return s.packets.Load() }
func (s *RemoteStream) Bytes() uint64   { return s.bytes.Load() }

// Close stops every drain loop.
func (s *RemoteStream) Close() { s.cancel() }
