package core

import (
	"github.com/dkeye/meshconf/internal/domain"
	"github.com/pion/webrtc/v4"
)

// MediaLink is one direct media connection to a remote participant.
// Callbacks are registered before the first description is applied.
type MediaLink interface {
	// AddLocalStream attaches every track of the capture stream as an outgoing sender.
	AddLocalStream(LocalStream) error
	// CreateOffer produces and applies the local offer.
	CreateOffer() (webrtc.SessionDescription, error)
	// ApplyOfferAndCreateAnswer sets the remote offer and returns the applied local answer.
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnStateChange(func(webrtc.PeerConnectionState))
	// OnRemoteTrack fires once per incoming track.
	OnRemoteTrack(func(kind webrtc.RTPCodecType, trackID string))
	// Close is safe to call at any time and more than once.
	Close() error
}

type LinkFactory interface {
	NewLink(remote domain.ParticipantID) (MediaLink, error)
}
