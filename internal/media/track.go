package media

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateStopped
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is one local capture track. Disabling it keeps the track attached
// to every peer connection but stops samples from being sent.
type Track struct {
	kind  Kind
	local *webrtc.TrackLocalStaticSample
	state atomic.Int32 // Zero by default (TrackStateOk)

	stopOnce sync.Once
	done     chan struct{}
}

func NewTrack(kind Kind, local *webrtc.TrackLocalStaticSample) *Track {
	return &Track{kind: kind, local: local, done: make(chan struct{})}
}

func (t *Track) Kind() Kind               { return t.kind }
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) State() TrackState {
	return TrackState(t.state.Load())
}

func (t *Track) Enabled() bool { return t.State() == TrackStateOk }

// SetEnabled flips enablement in place; a stopped track stays stopped.
func (t *Track) SetEnabled(on bool) {
	next := TrackStateMuted
	if on {
		next = TrackStateOk
	}
	for {
		cur := t.state.Load()
		if TrackState(cur) == TrackStateStopped {
			return
		}
		if t.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		t.state.Store(int32(TrackStateStopped))
		close(t.done)
		log.Debug().Str("module", "media").Str("kind", string(t.kind)).Str("track_id", t.local.ID()).Msg("track stopped")
	})
}

func (t *Track) Stopped() bool { return t.State() == TrackStateStopped }

// Done is closed when the track is stopped.
func (t *Track) Done() <-chan struct{} { return t.done }

// WriteSample forwards s unless the track is disabled or stopped.
func (t *Track) WriteSample(s media.Sample) error {
	if t.State() != TrackStateOk {
		return nil
	}
	return t.local.WriteSample(s)
}

// Pump writes frame every interval until the track is stopped.
func (t *Track) Pump(frame []byte, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
				if err := t.WriteSample(media.Sample{Data: frame, Duration: interval}); err != nil {
					log.Warn().Err(err).Str("module", "media").Str("kind", string(t.kind)).Msg("pump write failed")
					return
				}
			}
		}
	}()
}
