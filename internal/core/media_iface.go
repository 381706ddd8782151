package core

import (
	"context"

	"github.com/dkeye/circlechat/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// MediaConnection is one peer-to-peer media link to a remote participant.
type MediaConnection interface {
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// AcceptOffer applies a remote offer and returns the local answer.
	AcceptOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// AddLocalTrack attaches a local track to the underlying PeerConnection.
	AddLocalTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	OnStateChange(func(webrtc.PeerConnectionState))
	// WriteRTCP sends receiver feedback such as PLI.
	WriteRTCP([]rtcp.Packet) error
	// Close should stop all underlying media resources.
	Close()
	IsClosed() bool
}

// MediaFactory builds a fresh connection for a remote participant.
type MediaFactory func(peer domain.UserID) (MediaConnection, error)
