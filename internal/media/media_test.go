package media

import (
	"context"
	"errors"
	"testing"

	"github.com/dkeye/circlechat/internal/domain"
)

func TestConstraintsFor(t *testing.T) {
	audio := ConstraintsFor(domain.CallAudio)
	if audio.Video != nil {
		t.Fatal("audio call requested video")
	}
	if !audio.Audio.EchoCancellation || !audio.Audio.NoiseSuppression || !audio.Audio.AutoGainControl {
		t.Errorf("audio processing = %+v", audio.Audio)
	}
	video := ConstraintsFor(domain.CallVideo)
	if video.Video == nil {
		t.Fatal("video call missing video constraints")
	}
	if video.Video.IdealWidth != 1280 || video.Video.IdealHeight != 720 || video.Video.FacingMode != "user" {
		t.Errorf("video = %+v", video.Video)
	}
}

func TestAcquireClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		dev    VirtualDevices
		call   domain.CallType
		reason Reason
		status Status
	}{
		{"denied", VirtualDevices{Microphone: true, Deny: true}, domain.CallAudio, ReasonPermissionDenied, StatusDenied},
		{"no microphone", VirtualDevices{}, domain.CallAudio, ReasonNoDevice, StatusError},
		{"no camera", VirtualDevices{Microphone: true}, domain.CallVideo, ReasonNoDevice, StatusError},
		{"busy", VirtualDevices{Microphone: true, Busy: true}, domain.CallAudio, ReasonDeviceBusy, StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession(&tt.dev)
			err := s.Acquire(context.Background(), tt.call)
			var ae *AcquireError
			if !errors.As(err, &ae) {
				t.Fatalf("err = %v, want *AcquireError", err)
			}
			if ae.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", ae.Reason, tt.reason)
			}
			if s.Status() != tt.status {
				t.Errorf("Status() = %q, want %q", s.Status(), tt.status)
			}
			if s.Ready() {
				t.Error("Ready() = true after failure")
			}
			if ae.Hint() == "" {
				t.Error("empty hint")
			}
		})
	}
}

func TestConstraintUnsatisfiable(t *testing.T) {
	dev := &VirtualDevices{Microphone: true, Camera: true, MaxHeight: 480}
	c := ConstraintsFor(domain.CallVideo)
	c.Video.MinHeight = 720
	_, err := dev.GetUserMedia(context.Background(), c)
	if got := Classify(err); got == nil || got.Reason != ReasonConstraint {
		t.Fatalf("Classify = %+v, want constraint", got)
	}
	if Classify(errors.New("boom")).Reason != ReasonUnknown {
		t.Error("unexpected reason for generic error")
	}
	if Classify(nil) != nil {
		t.Error("Classify(nil) != nil")
	}
}

func TestRetryAfterFailure(t *testing.T) {
	dev := &VirtualDevices{Microphone: true, Busy: true}
	s := NewSession(dev)
	if err := s.Acquire(context.Background(), domain.CallAudio); err == nil {
		t.Fatal("expected busy error")
	}
	dev.Busy = false
	if err := s.Acquire(context.Background(), domain.CallAudio); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !s.Ready() || s.Status() != StatusGranted || s.LastError() != nil {
		t.Fatalf("after retry: status=%q ready=%v err=%v", s.Status(), s.Ready(), s.LastError())
	}
}

func TestToggleMuteTwiceRestoresTracks(t *testing.T) {
	s := NewSession(&VirtualDevices{Microphone: true, Camera: true})
	if err := s.Acquire(context.Background(), domain.CallVideo); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(s.LocalTracks()) != 2 {
		t.Fatalf("LocalTracks = %d, want 2", len(s.LocalTracks()))
	}
	if muted, ok := s.ToggleMute(); !ok || !muted {
		t.Fatalf("first toggle = %v, %v", muted, ok)
	}
	for _, tr := range s.Tracks() {
		if want := tr.Kind() == KindVideo; tr.Enabled() != want {
			t.Errorf("%s enabled = %v after mute", tr.Kind(), tr.Enabled())
		}
	}
	if muted, ok := s.ToggleMute(); !ok || muted {
		t.Fatalf("second toggle = %v, %v", muted, ok)
	}
	for _, tr := range s.Tracks() {
		if !tr.Enabled() {
			t.Errorf("%s disabled after double toggle", tr.Kind())
		}
	}
	if off, ok := s.ToggleVideo(); !ok || !off {
		t.Fatalf("ToggleVideo = %v, %v", off, ok)
	}
}

func TestToggleVideoWithoutCamera(t *testing.T) {
	s := NewSession(&VirtualDevices{Microphone: true})
	if err := s.Acquire(context.Background(), domain.CallAudio); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, ok := s.ToggleVideo(); ok {
		t.Fatal("ToggleVideo reported ok on audio-only session")
	}
}

func TestStopEndsEveryTrack(t *testing.T) {
	s := NewSession(&VirtualDevices{Microphone: true, Camera: true, Pump: true})
	if err := s.Acquire(context.Background(), domain.CallVideo); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	tracks := s.Tracks()
	s.Stop()
	for _, tr := range tracks {
		if !tr.Stopped() {
			t.Errorf("%s not stopped", tr.Kind())
		}
		tr.SetEnabled(true)
		if !tr.Stopped() {
			t.Errorf("%s revived by SetEnabled", tr.Kind())
		}
	}
	if s.Ready() || s.Status() != StatusIdle {
		t.Errorf("after Stop: ready=%v status=%q", s.Ready(), s.Status())
	}
}
