package media

import (
	"context"
	"sync"

	"github.com/dkeye/circlechat/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusRequesting Status = "requesting"
	StatusGranted    Status = "granted"
	StatusDenied     Status = "denied"
	StatusError      Status = "error"
)

// Session is the local capture state of one call.
type Session struct {
	devices Devices

	mu       sync.RWMutex
	tracks   []*Track
	callType domain.CallType
	muted    bool
	videoOff bool
	status   Status
	lastErr  *AcquireError
}

func NewSession(devices Devices) *Session {
	return &Session{devices: devices, status: StatusIdle}
}

// Acquire captures media for t, replacing any previous tracks. Failures are
// returned as *AcquireError and may be retried by calling Acquire again.
func (s *Session) Acquire(ctx context.Context, t domain.CallType) error {
	s.mu.Lock()
	s.status = StatusRequesting
	s.lastErr = nil
	s.mu.Unlock()

	tracks, err := s.devices.GetUserMedia(ctx, ConstraintsFor(t))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		ae := Classify(err)
		s.lastErr = ae
		if ae.Reason == ReasonPermissionDenied {
			s.status = StatusDenied
		} else {
			s.status = StatusError
		}
		log.Warn().Err(err).Str("module", "media").Str("reason", string(ae.Reason)).Msg("acquire failed")
		return ae
	}
	for _, old := range s.tracks {
		old.Stop()
	}
	s.tracks = tracks
	s.callType = t
	s.muted = false
	s.videoOff = false
	s.status = StatusGranted
	log.Info().Str("module", "media").Str("call_type", string(t)).Int("tracks", len(tracks)).Msg("media acquired")
	return nil
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) LastError() *AcquireError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *Session) CallType() domain.CallType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callType
}

// Ready reports whether tracks are available to attach.
func (s *Session) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status == StatusGranted && len(s.tracks) > 0
}

func (s *Session) Tracks() []*Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Track(nil), s.tracks...)
}

// LocalTracks returns the pion tracks to add to a new peer connection.
func (s *Session) LocalTracks() []webrtc.TrackLocal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t.Local())
	}
	return out
}

func (s *Session) Muted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.muted
}

func (s *Session) VideoOff() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.videoOff
}

// ToggleMute flips every audio track. ok is false when there is no audio.
func (s *Session) ToggleMute() (muted, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.flipLocked(KindAudio, !s.muted) {
		return s.muted, false
	}
	s.muted = !s.muted
	return s.muted, true
}

// ToggleVideo flips every video track. ok is false when there is no video.
func (s *Session) ToggleVideo() (off, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.flipLocked(KindVideo, !s.videoOff) {
		return s.videoOff, false
	}
	s.videoOff = !s.videoOff
	return s.videoOff, true
}

func (s *Session) flipLocked(kind Kind, disable bool) bool {
	found := false
	for _, t := range s.tracks {
		if t.Kind() != kind {
			continue
		}
		t.SetEnabled(!disable)
		found = true
	}
	return found
}

// Stop ends every track and resets the session.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		t.Stop()
	}
	s.tracks = nil
	s.muted = false
	s.videoOff = false
	s.status = StatusIdle
	s.lastErr = nil
}
