// Package media owns local capture: constraints, device acquisition and the
// tracks attached to every outbound peer connection.
package media

import "github.com/dkeye/circlechat/internal/domain"

type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

type VideoConstraints struct {
	IdealWidth  int
	IdealHeight int
	// MinHeight is a hard requirement; zero means none.
	MinHeight  int
	FacingMode string
}

// Constraints describe what to capture. Video is nil for audio-only calls.
type Constraints struct {
	Audio AudioConstraints
	Video *VideoConstraints
}

// ConstraintsFor returns capture constraints for a call type.
func ConstraintsFor(t domain.CallType) Constraints {
	c := Constraints{
		Audio: AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
	}
	if t.HasVideo() {
		c.Video = &VideoConstraints{
			IdealWidth:  1280,
			IdealHeight: 720,
			FacingMode:  "user",
		}
	}
	return c
}
