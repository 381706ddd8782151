package media

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Devices acquires local capture according to constraints.
type Devices interface {
	GetUserMedia(ctx context.Context, c Constraints) ([]*Track, error)
}

var (
	opusCapability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8Capability  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}

	// opusSilence is a single 20ms Opus frame of digital silence.
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	// vp8Placeholder is an opaque payload standing in for a camera frame.
	vp8Placeholder = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x02, 0x00, 0x02, 0x00}
)

// VirtualDevices is a headless capture backend. It exposes the same failure
// modes as real hardware so callers exercise their error handling.
type VirtualDevices struct {
	Microphone bool
	Camera     bool
	Busy       bool
	Deny       bool
	// MaxHeight is the tallest frame the camera can produce; zero means any.
	MaxHeight int
	// Pump makes every track emit placeholder samples while enabled.
	Pump bool
}

var _ Devices = (*VirtualDevices)(nil)

func (d *VirtualDevices) GetUserMedia(ctx context.Context, c Constraints) ([]*Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case d.Deny:
		return nil, ErrPermissionDenied
	case !d.Microphone:
		return nil, fmt.Errorf("audio input: %w", ErrNoDevice)
	case c.Video != nil && !d.Camera:
		return nil, fmt.Errorf("video input: %w", ErrNoDevice)
	case d.Busy:
		return nil, ErrDeviceBusy
	case c.Video != nil && d.MaxHeight > 0 && c.Video.MinHeight > d.MaxHeight:
		return nil, fmt.Errorf("min height %d > %d: %w", c.Video.MinHeight, d.MaxHeight, ErrConstraintUnsatisfiable)
	}

	streamID := "local-" + uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(opusCapability, "audio-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}
	tracks := []*Track{NewTrack(KindAudio, audio)}
	if c.Video != nil {
		video, err := webrtc.NewTrackLocalStaticSample(vp8Capability, "video-"+uuid.NewString(), streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, NewTrack(KindVideo, video))
	}
	if d.Pump {
		for _, t := range tracks {
			if t.Kind() == KindAudio {
				t.Pump(opusSilence, 20*time.Millisecond)
			} else {
				t.Pump(vp8Placeholder, 33*time.Millisecond)
			}
		}
	}
	return tracks, nil
}
